package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"traffic_engine/internal/errors"
	"traffic_engine/internal/logger"
	"traffic_engine/internal/track"
)

// HeaderSource names the message header that carries the source tag.
const HeaderSource = "Traffic-Source"

// Submitter accepts raw records. The engine implements it.
type Submitter interface {
	SubmitTrack(ctx context.Context, rec track.RawRecord) (track.TrackPoint, error)
}

// NATSSource feeds raw records from a NATS subject into a Submitter.
// Records published on <subject> are auto-detected; records published on
// <subject>.<source> or carrying a Traffic-Source header are tagged.
type NATSSource struct {
	nc      *nats.Conn
	subject string
	submit  Submitter
	log     *zap.SugaredLogger
	now     func() time.Time

	subs []*nats.Subscription
}

// NewNATSSource creates a source bound to subject.
func NewNATSSource(nc *nats.Conn, subject string, submit Submitter, log *zap.SugaredLogger) *NATSSource {
	return &NATSSource{
		nc:      nc,
		subject: subject,
		submit:  submit,
		log:     logger.Named(log, "nats-ingest"),
		now:     time.Now,
	}
}

// Start subscribes. Records are submitted with ctx until Stop is called.
func (s *NATSSource) Start(ctx context.Context) error {
	for _, subj := range []string{s.subject, s.subject + ".*"} {
		sub, err := s.nc.Subscribe(subj, func(msg *nats.Msg) {
			s.handle(ctx, msg)
		})
		if err != nil {
			s.Stop()
			return errors.Wrapf(err, "subscribe %s", subj)
		}
		s.subs = append(s.subs, sub)
	}
	s.log.Infow("subscribed", logger.FieldSubject, s.subject)
	return nil
}

// Stop drains the subscriptions.
func (s *NATSSource) Stop() {
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			s.log.Warnw("drain subscription", logger.FieldSubject, sub.Subject, logger.FieldError, err)
		}
	}
	s.subs = nil
}

func (s *NATSSource) handle(ctx context.Context, msg *nats.Msg) {
	rec := s.recordFromMsg(msg)
	if _, err := s.submit.SubmitTrack(ctx, rec); err != nil {
		switch {
		case errors.Is(err, errors.ErrStaleRecord):
			s.log.Debugw("stale record dropped", logger.FieldSubject, msg.Subject, logger.FieldError, err)
		default:
			s.log.Warnw("record rejected", logger.FieldSubject, msg.Subject, logger.FieldSource, rec.Source, logger.FieldError, err)
		}
	}
}

func (s *NATSSource) recordFromMsg(msg *nats.Msg) track.RawRecord {
	rec := track.RawRecord{Payload: msg.Data, ReceivedAt: s.now()}
	if msg.Header != nil {
		rec.Source = msg.Header.Get(HeaderSource)
	}
	if rec.Source == "" && strings.HasPrefix(msg.Subject, s.subject+".") {
		rec.Source = strings.TrimPrefix(msg.Subject, s.subject+".")
	}
	return rec
}
