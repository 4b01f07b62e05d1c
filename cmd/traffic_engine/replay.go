package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"traffic_engine/internal/config"
	"traffic_engine/internal/dss"
	"traffic_engine/internal/engine"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/feed"
	"traffic_engine/internal/logger"
	"traffic_engine/internal/registry"
	"traffic_engine/internal/storage"
	"traffic_engine/internal/track"
	"traffic_engine/internal/volume"
)

// ReplayStats counts what happened to the input lines.
type ReplayStats struct {
	Lines     int `json:"lines"`
	Accepted  int `json:"accepted"`
	Malformed int `json:"malformed"`
	Stale     int `json:"stale"`
}

// replayClock reads as the newest point timestamp submitted so far, so
// windows, horizons and sweeps follow the recording rather than wall time.
type replayClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *replayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *replayClock) advance(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.t) {
		c.t = t
	}
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "", "TOML configuration file")
	inPath := fs.String("input", "", "Input JSONL file of raw records (default: stdin)")
	volumesPath := fs.String("volumes", "", "JSON array of volumes to load before replay")
	geofencesPath := fs.String("geofences", "", "GeoJSON FeatureCollection of geofences")
	source := fs.String("source", "", "Source adapter for every line (default: detect)")
	outPath := fs.String("output", "", "Output JSON file (default: stdout)")
	pretty := fs.Bool("pretty", false, "Pretty-print JSON output")
	showStats := fs.Bool("stats", false, "Print counters to stderr")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := logger.Initialize(cfg.Log.JSON, "warn"); err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if *inPath != "" {
		f, err := os.Open(*inPath)
		if err != nil {
			return errors.Wrap(err, "open input")
		}
		defer f.Close()
		in = f
	}

	var vols []*volume.Volume
	if *volumesPath != "" {
		data, err := os.ReadFile(*volumesPath)
		if err != nil {
			return errors.Wrap(err, "read volumes")
		}
		if err := json.Unmarshal(data, &vols); err != nil {
			return errors.Wrap(err, "decode volumes")
		}
	}
	var fences []byte
	if *geofencesPath != "" {
		if fences, err = os.ReadFile(*geofencesPath); err != nil {
			return errors.Wrap(err, "read geofences")
		}
	}

	view, st, err := replay(context.Background(), cfg, in, *source, vols, fences)
	if err != nil {
		return err
	}
	if *showStats {
		fmt.Fprintf(os.Stderr, "lines=%d accepted=%d malformed=%d stale=%d\n", st.Lines, st.Accepted, st.Malformed, st.Stale)
	}

	var out io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return errors.Wrap(err, "create output")
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(view)
}

// replay runs a private engine over the records in r and returns the feed
// at the newest replayed timestamp. Volumes are loaded as persisted, keeping
// their lifecycle state.
func replay(ctx context.Context, cfg *config.Config, r io.Reader, source string, vols []*volume.Volume, fences []byte) (feed.FeedView, ReplayStats, error) {
	var st ReplayStats
	clock := &replayClock{}

	dir, err := os.MkdirTemp("", "traffic-replay-")
	if err != nil {
		return feed.FeedView{}, st, errors.Wrap(err, "temp dir")
	}
	defer os.RemoveAll(dir)

	db, err := storage.OpenSQLite(filepath.Join(dir, "volumes.db"))
	if err != nil {
		return feed.FeedView{}, st, err
	}
	defer db.Close()

	directory := dss.NewDirectory()
	for _, v := range vols {
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		if v.Version < 1 {
			v.Version = 1
		}
		if v.State == "" {
			v.State = volume.StateActivated
		}
		if err := volume.Validate(v); err != nil {
			return feed.FeedView{}, st, errors.Wrapf(err, "volume %s", v.ID)
		}
		if err := db.SaveVolume(ctx, v); err != nil {
			return feed.FeedView{}, st, err
		}
		// Recorded volumes were deconflicted when they were flown.
		directory.Register(v, 24*time.Hour)
	}

	eng, err := engine.New(cfg, engine.WithRepository(db), engine.WithDirectory(directory), engine.WithClock(clock.Now), engine.WithLogger(logger.Logger))
	if err != nil {
		return feed.FeedView{}, st, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()
	for !eng.Running() {
		time.Sleep(time.Millisecond)
	}

	if len(fences) > 0 {
		if _, err := eng.ImportGeofences(ctx, fences, "replay"); err != nil {
			return feed.FeedView{}, st, err
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		st.Lines++

		rec := track.RawRecord{Source: source, Payload: []byte(line)}
		p, err := eng.SubmitTrack(ctx, rec)
		switch {
		case err == nil:
			st.Accepted++
			clock.advance(p.Timestamp)
		case errors.Is(err, errors.ErrMalformedRecord), errors.Is(err, errors.ErrValidation):
			st.Malformed++
		case errors.Is(err, errors.ErrStaleRecord):
			st.Stale++
		default:
			return feed.FeedView{}, st, errors.Wrapf(err, "line %d", st.Lines)
		}
	}
	if err := scanner.Err(); err != nil {
		return feed.FeedView{}, st, errors.Wrap(err, "read input")
	}

	eng.Flush()
	return eng.Snapshot(clock.Now()), st, nil
}

func runTrace(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	source := fs.String("source", "", "Source tag to hint")
	_ = fs.Parse(args)

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return errors.Wrap(err, "read stdin")
	}
	results := registry.Default().Trace(track.RawRecord{Source: *source, Payload: data, ReceivedAt: time.Now()})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
