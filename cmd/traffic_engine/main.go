// Command traffic_engine runs the traffic aggregation and conformance engine.
//
// Commands:
//
//	serve   - run the engine with the HTTP API and optional NATS ingest
//	replay  - feed recorded raw records through an engine and print the feed
//	trace   - show how every source adapter handles one raw record
//	kml     - convert a feed snapshot to KML
//
// Configuration is read from an optional TOML file and TRAFFIC_* environment
// variables; see internal/config.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"traffic_engine/internal/alert"
	"traffic_engine/internal/api"
	"traffic_engine/internal/config"
	"traffic_engine/internal/engine"
	"traffic_engine/internal/ingest"
	"traffic_engine/internal/logger"
	"traffic_engine/internal/metrics"
	_ "traffic_engine/internal/sources" // register source adapters via init()
	"traffic_engine/internal/storage"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "traffic_engine - commands:")
	fmt.Fprintln(w, "  serve   - run the engine and HTTP API")
	fmt.Fprintln(w, "  replay  - replay a JSONL file of raw records and print the feed snapshot")
	fmt.Fprintln(w, "  trace   - show adapter detection for a single raw record")
	fmt.Fprintln(w, "  kml     - convert a feed snapshot to KML")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  traffic_engine serve [-config engine.toml] [-port 8080] [-log-level info]")
	fmt.Fprintln(w, "  traffic_engine replay -input records.jsonl [-volumes volumes.json] [-geofences fences.geojson] [-output feed.json] [-pretty]")
	fmt.Fprintln(w, "  traffic_engine trace [-source adsb] < record.json")
	fmt.Fprintln(w, "  traffic_engine kml [-input feed.json] [-output feed.kml] [-stats]")
	fmt.Fprintln(w, "")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd := strings.ToLower(os.Args[1])
	var err error
	switch cmd {
	case "serve":
		err = runServe(os.Args[2:])
	case "replay":
		err = runReplay(os.Args[2:])
	case "trace":
		err = runTrace(os.Args[2:])
	case "kml":
		err = runKML(os.Args[2:])
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("TRAFFIC_CONFIG"), "TOML configuration file")
	port := fs.Int("port", 0, "HTTP port (overrides api.port)")
	logLevel := fs.String("log-level", "", "Log level (overrides log.level)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.API.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
		return err
	}
	log := logger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	opts := []engine.Option{engine.WithMetrics(m), engine.WithLogger(log)}

	backends, err := storage.Open(ctx, cfg.Storage, cfg.Ingest.RetentionWindow)
	if err != nil {
		return err
	}
	defer backends.Close()

	if backends.Volumes != nil {
		opts = append(opts, engine.WithRepository(backends.Volumes))
	}
	if len(backends.Writers) > 0 {
		archiver := storage.NewArchiver(cfg.Storage.ArchiveBatch, cfg.Storage.ArchiveFlush, m, log, backends.Writers...)
		opts = append(opts, engine.WithTrackSink(archiver))
	}
	if backends.Redis != nil {
		opts = append(opts, engine.WithPublishers(alert.NewRedisPublisher(backends.Redis, cfg.Storage.Redis.Channel)))
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = connectNATS(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		defer nc.Drain()
		opts = append(opts, engine.WithPublishers(alert.NewNATSPublisher(nc, cfg.NATS.AlertSubject)))
	}

	eng, err := engine.New(cfg, opts...)
	if err != nil {
		return err
	}

	server := api.NewServer(eng, cfg.API, cfg.Feed.StreamInterval, m.Handler(), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	if nc != nil {
		src := ingest.NewNATSSource(nc, cfg.NATS.TrackSubject, eng, log)
		if err := src.Start(gctx); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		defer src.Stop()
	}

	log.Infow("traffic engine running", "port", cfg.API.Port, "storage", cfg.Storage.Driver, "sync", cfg.Sync.Mode)
	return g.Wait()
}

func connectNATS(url string, log *zap.SugaredLogger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("traffic_engine"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("NATS disconnected", logger.FieldError, err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
}
