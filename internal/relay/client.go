// Package relay wraps github.com/jpillora/chisel/client to dial the
// provider-hosted relay for one session. It is generalized from
// internal/transport/tunnel.Client: the same functional-options
// constructor and reconnect/backoff loop shape, but configured from
// core.TunnelProperties instead of a fleet registration response,
// since this broker only ever dials into a relay and never hosts one.
package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	chclient "github.com/jpillora/chisel/client"

	"github.com/tunnelbroker/broker/internal/core"
	"github.com/tunnelbroker/broker/internal/discovery"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger configures a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithBaseRetryDelay overrides the outer reconnect backoff's starting delay.
func WithBaseRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.baseRetryDelay = d }
}

// WithMaxRetryDelay overrides the outer reconnect backoff's cap.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.maxRetryDelay = d }
}

// forward is one pre-registered local<->remote port pair that the
// relay should tunnel once connected.
type forward struct {
	localPort  uint16
	remotePort uint16
}

// Client manages one session's connection to the provider-hosted
// relay. Non-owning handles are returned to Port Discovery (C3) and
// the Trace Tap (C4) via the discovery.RelayHandle and
// tracetap.DiagnosticSink interfaces; only the Session state machine
// (C6) may call Close.
type Client struct {
	tp  core.TunnelProperties
	log *slog.Logger

	baseRetryDelay time.Duration
	maxRetryDelay  time.Duration

	mu        sync.Mutex
	forwards  []forward
	inner     *chclient.Client
	connected bool
}

// New returns a Client configured from tp. Call AddForward for every
// remote port the session needs reachable (at minimum 16634 for the
// control plane) before calling Connect.
func New(tp core.TunnelProperties, opts ...Option) *Client {
	c := &Client{
		tp:             tp,
		baseRetryDelay: time.Second,
		maxRetryDelay:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default().With("component", "relay", "tunnel", tp.TunnelID)
	}
	return c
}

// AddForward reserves a local port and registers a forwarding rule so
// that, once connected, 127.0.0.1:<local> reaches remotePort inside
// the workspace through the relay. It returns the reserved local port.
func (c *Client) AddForward(remotePort uint16) (uint16, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("relay: reserve local port: %w", err)
	}
	localPort := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	c.mu.Lock()
	c.forwards = append(c.forwards, forward{localPort: localPort, remotePort: remotePort})
	c.mu.Unlock()
	return localPort, nil
}

// Connect dials the relay and blocks until ctx is cancelled,
// reconnecting with exponential backoff on failure; when the relay
// rejects authentication it returns that error at once without
// retrying. Unlike
// tunnel.Client, there is no fleet re-registration step on
// reconnect: the connect/manage tokens in TunnelProperties are valid
// for the tunnel's full lifetime.
func (c *Client) Connect(ctx context.Context) error {
	bo := newBackoff(c.baseRetryDelay, c.maxRetryDelay)

	for {
		if ctx.Err() != nil {
			return nil
		}

		inner, err := c.dial()
		if err != nil {
			if isAuthErr(err) {
				c.log.Error("relay authentication rejected, not retrying", "error", err)
				return fmt.Errorf("relay dial: %w", err)
			}
			c.log.Warn("relay dial failed, retrying", "error", err, "retry_in", bo.current)
			if !sleepCtx(ctx, bo.Next()) {
				return nil
			}
			continue
		}

		c.mu.Lock()
		c.inner = inner
		c.connected = true
		c.mu.Unlock()
		bo.Reset()

		err = runSession(ctx, inner)

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		if ctx.Err() != nil {
			return nil
		}
		// Unlike tunnel.Client, an auth rejection here has no
		// re-registration step to recover through: the tunnel's
		// connect token is fixed for its whole lifetime, so a
		// rejection means it is no longer valid and retrying is
		// futile.
		if err != nil && isAuthErr(err) {
			c.log.Error("relay session ended by an authentication rejection, not retrying", "error", err)
			return fmt.Errorf("relay session: %w", err)
		}
		c.log.Warn("relay connection lost, reconnecting", "error", err, "retry_in", bo.current)
		if !sleepCtx(ctx, bo.Next()) {
			return nil
		}
	}
}

func (c *Client) dial() (*chclient.Client, error) {
	c.mu.Lock()
	remotes := make([]string, 0, len(c.forwards))
	for _, f := range c.forwards {
		remotes = append(remotes, fmt.Sprintf("%d:127.0.0.1:%d", f.localPort, f.remotePort))
	}
	c.mu.Unlock()

	return chclient.NewClient(&chclient.Config{
		Server:  c.tp.ServiceURI,
		Auth:    c.tp.ConnectToken,
		Remotes: remotes,
	})
}

func runSession(ctx context.Context, inner *chclient.Client) error {
	if err := inner.Start(ctx); err != nil {
		_ = inner.Close()
		return fmt.Errorf("relay start: %w", err)
	}
	err := inner.Wait()
	_ = inner.Close()
	return err
}

// Close disposes the relay connection. Owned exclusively by the
// Session state machine (§5); C3/C4/C5 only ever see a non-owning
// handle and must not call this.
func (c *Client) Close() error {
	c.mu.Lock()
	inner := c.inner
	c.mu.Unlock()
	if inner == nil {
		return nil
	}
	return inner.Close()
}

// Listeners implements discovery.RelayHandle. chisel does not expose
// a forwarding-service introspection surface beyond the rules this
// Client itself registered, so Listeners reports exactly those.
func (c *Client) Listeners() (map[uint16]discovery.ListenerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.forwards) == 0 {
		return nil, false
	}
	out := make(map[uint16]discovery.ListenerInfo, len(c.forwards))
	for _, f := range c.forwards {
		out[f.localPort] = discovery.ListenerInfo{RemotePort: f.remotePort}
	}
	return out, true
}

// WaitForForwarded implements discovery.RelayHandle by blocking until
// the connection backing a previously AddForward-ed remotePort comes
// up, or ctx is done.
func (c *Client) WaitForForwarded(ctx context.Context, remotePort uint16) (uint16, bool, error) {
	local, ok := c.localPortFor(remotePort)
	if !ok {
		return 0, false, nil
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		connected := c.connected
		c.mu.Unlock()
		if connected {
			return local, true, nil
		}
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) localPortFor(remotePort uint16) (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.forwards {
		if f.remotePort == remotePort {
			return f.localPort, true
		}
	}
	return 0, false
}

// SetOutput implements tracetap.DiagnosticSink by wrapping chisel's
// embedded logger, which jpillora/chisel models the same way the
// standard library's log.Logger does.
func (c *Client) SetOutput(w io.Writer) io.Writer {
	c.mu.Lock()
	inner := c.inner
	c.mu.Unlock()
	if inner == nil || inner.Logger == nil {
		return io.Discard
	}
	prev := inner.Logger.Writer
	inner.Logger.SetOutput(w)
	return prev
}

// ---------------------------------------------------------------------------
// Backoff helpers, generalized from internal/transport/tunnel.backoff.
// ---------------------------------------------------------------------------

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

func (b *backoff) Reset() { b.current = b.base }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// isAuthErr mirrors tunnel.Client's substring-based auth-failure
// detection: chisel exposes no typed error for this case.
func isAuthErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "unauthorized")
}
