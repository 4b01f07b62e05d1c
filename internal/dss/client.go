// Package dss keeps declared volumes registered with the remote deconfliction
// directory and maintains their leases.
package dss

import (
	"context"
	"time"

	"traffic_engine/internal/volume"
)

// EmergencyPriority is the priority at and above which a reference is
// registered without deconfliction.
const EmergencyPriority = 100

// Reference is the directory's view of a registered volume. Token is the
// opaque version the directory hands out on every write; it doubles as the
// lease token.
type Reference struct {
	ID        string    `json:"id"`
	Token     string    `json:"ovn"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Client is the outbound contract to the directory. Implementations return
// errors marked ErrRemoteConflict when the directory rejects the write and
// ErrRemoteUnavailable for transient failures.
type Client interface {
	CreateReference(ctx context.Context, v *volume.Volume, ttl time.Duration) (Reference, error)
	UpdateReference(ctx context.Context, ref Reference, v *volume.Volume, ttl time.Duration) (Reference, error)
	DeleteReference(ctx context.Context, ref Reference) error
}
