package alert

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"traffic_engine/internal/errors"
)

// NATSPublisher publishes alerts as JSON on <subject>.<kind>.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher creates a publisher on an open connection.
func NewNATSPublisher(nc *nats.Conn, subject string) *NATSPublisher {
	return &NATSPublisher{nc: nc, subject: subject}
}

// Subject returns the subject an alert is published on.
func (p *NATSPublisher) Subject(a Alert) string {
	return p.subject + "." + string(a.Kind)
}

func (p *NATSPublisher) Publish(_ context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "encode alert")
	}
	if err := p.nc.Publish(p.Subject(a), data); err != nil {
		return errors.Wrapf(err, "publish alert %s", a.ID)
	}
	return nil
}
