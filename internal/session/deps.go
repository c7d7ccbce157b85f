package session

import (
	"log/slog"
	"time"

	"github.com/tunnelbroker/broker/internal/discovery"
	"github.com/tunnelbroker/broker/internal/keys"
	"github.com/tunnelbroker/broker/internal/metrics"
)

// Deps holds every process-wide collaborator and configuration value
// a Session needs. One Deps is shared read-only across every session
// the broker serves; the per-session mutable state lives on Session
// itself.
type Deps struct {
	ProviderBaseURL   string
	ProviderUserAgent string

	Keys    *keys.Store
	Metrics *metrics.Recorder

	RPCHeartbeatInterval time.Duration
	RPCSessionKeepalive  time.Duration

	Discovery discovery.Options

	UserPublicKeyOverride string
	DebugTraceTap         bool

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	Log *slog.Logger
}

// backoff is a tiny doubling-delay helper, generalized from
// internal/relay.backoff (itself generalized from
// internal/transport/tunnel.backoff) for the session's own RPC
// reconnect loop.
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, current: base}
}

func (b *backoff) Next() time.Duration {
	d := b.current
	if next := b.current * 2; next > b.max {
		b.current = b.max
	} else {
		b.current = next
	}
	return d
}
