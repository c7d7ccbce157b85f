// Package controlplane implements the Control-Plane RPC Invoker (C5):
// it opens a framed-RPC channel to a well-known internal port inside
// the workspace, drives StartRemoteServer and NotifyClientActivity,
// and owns the heartbeat loop. The dial/backoff/state-machine shape
// generalizes internal/transport/tunnel.Client.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/tunnelbroker/broker/internal/core"
)

// State names a point in C5's Idle -> Connecting -> Active <->
// Disconnected(deadline) -> Released state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateDisconnected
	StateReleased
)

// protocolConstraint is the invoker's supported control-plane version
// range. A response outside this range is logged, never fatal.
var protocolConstraint = func() *semver.Constraints {
	c, err := semver.NewConstraint(">=1.0.0 <2.0.0")
	if err != nil {
		panic(err)
	}
	return c
}()

// Option configures a Client.
type Option func(*Client)

// WithHeartbeatInterval overrides RPC_HEARTBEAT_INTERVAL (default 60s).
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = d }
}

// WithKeepaliveGrace overrides RPC_SESSION_KEEPALIVE (default 300s).
func WithKeepaliveGrace(d time.Duration) Option {
	return func(c *Client) { c.keepaliveGrace = d }
}

// WithLogger configures a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client drives the framed-RPC channel for one session.
type Client struct {
	addr  string
	token string

	mu             sync.Mutex
	state          State
	conn           net.Conn
	disconnectedAt *time.Time
	keepAliveNext  bool
	heartbeatStop  chan struct{}
	heartbeatDone  chan struct{}
	lost           chan struct{}
	lostOnce       sync.Once

	// ioMu serializes the actual write/read exchange on conn so a
	// heartbeat tick's NotifyActivity call can never interleave its
	// frames with a foreground call's (e.g. StartSSHServer) on the
	// same connection.
	ioMu sync.Mutex

	heartbeatInterval time.Duration
	keepaliveGrace    time.Duration
	log               *slog.Logger
}

// New returns a Client targeting addr ("127.0.0.1:<local_port_for_16634>")
// and authenticating every call with token.
func New(addr, token string, opts ...Option) *Client {
	c := &Client{
		addr:              addr,
		token:             token,
		heartbeatInterval: 60 * time.Second,
		keepaliveGrace:    300 * time.Second,
		lost:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default().With("component", "controlplane")
	}
	return c
}

// Connect opens the framed-RPC channel with a 5-second ready deadline,
// transitioning Idle -> Connecting -> Active, then sends the initial
// notify_activity(connected) and starts the heartbeat loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return core.Wrap(core.ErrorCodeUnavailable, core.ErrRpcConnectFailure.Message, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateActive
	c.heartbeatStop = make(chan struct{})
	c.heartbeatDone = make(chan struct{})
	c.mu.Unlock()

	if err := c.notifyActivityLocked(ctx, core.ActivityConnected); err != nil {
		c.log.Warn("initial notify_activity(connected) failed", "error", err)
	}

	go c.heartbeatLoop()
	return nil
}

// StartSSHServer sends StartRemoteServer with a 10-second deadline
// and the user's bearer token as an "authorization" metadata header.
func (c *Client) StartSSHServer(ctx context.Context, publicKeyText string) (port uint16, user string, err error) {
	type payload struct {
		UserPublicKey string `json:"user_public_key"`
	}
	type reply struct {
		ServerPort      string `json:"server_port"`
		User            string `json:"user"`
		Message         string `json:"message"`
		ProtocolVersion string `json:"protocol_version,omitempty"`
	}

	body, err := json.Marshal(payload{UserPublicKey: publicKeyText})
	if err != nil {
		return 0, "", core.Wrap(core.ErrorCodeInternal, "marshal StartRemoteServer payload", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.call(callCtx, Request{
		Method:   "StartRemoteServer",
		Metadata: map[string]string{"authorization": "Bearer " + c.token},
		Payload:  body,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return 0, "", core.ErrRpcTimeout
		}
		return 0, "", err
	}

	var r reply
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &r); err != nil {
			return 0, "", core.Wrap(core.ErrorCodeInternal, "unmarshal StartRemoteServer reply", err)
		}
	}

	if !resp.Result {
		msg := r.Message
		if msg == "" {
			msg = resp.Error
		}
		return 0, "", core.RpcRejected(msg)
	}

	c.checkProtocolVersion(r.ProtocolVersion)

	portNum, err := strconv.ParseUint(r.ServerPort, 10, 16)
	if err != nil {
		return 0, "", core.Wrap(core.ErrorCodeInternal, "parse server_port", err)
	}
	return uint16(portNum), r.User, nil
}

// checkProtocolVersion parses an optional semver response field and
// logs (never fails) when it falls outside this invoker's supported
// range, mirroring the teacher's semver-gated image-tag validation
// generalized to a control-plane version string.
func (c *Client) checkProtocolVersion(raw string) {
	if raw == "" {
		return
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		c.log.Warn("control plane reported an unparseable protocol version", "version", raw, "error", err)
		return
	}
	if !protocolConstraint.Check(v) {
		c.log.Warn("control plane protocol version outside supported range", "version", raw, "constraint", protocolConstraint.String())
	}
}

// NotifyActivity sends a fire-and-forget activity notification.
// Failures are logged, except for UNAVAILABLE/ECONNREFUSED-shaped
// errors, which mark the channel lost and are surfaced via Lost().
func (c *Client) NotifyActivity(ctx context.Context, kind core.ActivityKind) error {
	return c.notifyActivityLocked(ctx, kind)
}

func (c *Client) notifyActivityLocked(ctx context.Context, kind core.ActivityKind) error {
	type payload struct {
		ClientID          string   `json:"client_id"`
		ClientActivities []string `json:"client_activities"`
	}
	body, _ := json.Marshal(payload{ClientActivities: []string{string(kind)}})

	resp, err := c.call(ctx, Request{
		Method:   "NotifyClientActivity",
		Metadata: map[string]string{"authorization": "Bearer " + c.token},
		Payload:  body,
	})
	if err != nil {
		if isUnavailableErr(err) {
			c.markLost()
		}
		c.log.Warn("notify_activity failed", "kind", kind, "error", err)
		return err
	}
	if !resp.Result {
		c.log.Warn("notify_activity rejected", "kind", kind, "message", resp.Error)
	}
	return nil
}

// call performs one unary framed-RPC exchange, serialized so that
// only one call is in flight on the connection at a time.
func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state == StateReleased || conn == nil {
		return Response{}, core.ErrRpcClosed
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := writeFrame(conn, req); err != nil {
		return Response{}, fmt.Errorf("%s: %w", req.Method, err)
	}

	var resp Response
	if err := readFrame(conn, &resp); err != nil {
		return Response{}, fmt.Errorf("%s: %w", req.Method, err)
	}
	return resp, nil
}

// MarkDisconnected transitions Active -> Disconnected(deadline),
// recording the instant the terminal was marked disconnected so the
// heartbeat loop can skip ticks until the grace period elapses.
func (c *Client) MarkDisconnected() {
	now := time.Now()
	c.mu.Lock()
	c.state = StateDisconnected
	c.disconnectedAt = &now
	c.mu.Unlock()
}

// MarkReconnected transitions Disconnected -> Active.
func (c *Client) MarkReconnected() {
	c.mu.Lock()
	c.state = StateActive
	c.disconnectedAt = nil
	c.mu.Unlock()
}

// RequestKeepAlive arranges for the next heartbeat tick to send
// notify_activity(keep_alive) instead of notify_activity(activity).
func (c *Client) RequestKeepAlive() {
	c.mu.Lock()
	c.keepAliveNext = true
	c.mu.Unlock()
}

// Lost returns a channel that is closed when the RPC channel is
// considered lost (an UNAVAILABLE/ECONNREFUSED-shaped transport
// error was observed on notify_activity).
func (c *Client) Lost() <-chan struct{} { return c.lost }

func (c *Client) markLost() {
	c.lostOnce.Do(func() { close(c.lost) })
}

// Close cancels the heartbeat, closes the RPC channel, and moves the
// state machine to its terminal Released state. Safe to call once;
// subsequent calls after Released return ErrRpcClosed immediately via
// call(), but Close itself may be called multiple times safely.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateReleased {
		c.mu.Unlock()
		return nil
	}
	c.state = StateReleased
	stop, done, conn := c.heartbeatStop, c.heartbeatDone, c.conn
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			c.log.Warn("heartbeat did not quiesce within 5s, abandoning")
		}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// heartbeatLoop runs for the lifetime of the channel, ticking every
// heartbeatInterval and applying the paused/disconnected/connected
// policy from the specification's heartbeat contract.
func (c *Client) heartbeatLoop() {
	defer close(c.heartbeatDone)

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.heartbeatStop:
			return
		case <-ticker.C:
			c.tick()
			c.mu.Lock()
			released := c.state == StateReleased
			c.mu.Unlock()
			if released {
				return
			}
		}
	}
}

func (c *Client) tick() {
	c.mu.Lock()
	state := c.state
	disconnectedAt := c.disconnectedAt
	keepAlive := c.keepAliveNext
	c.keepAliveNext = false
	c.mu.Unlock()

	switch state {
	case StateReleased, StateIdle, StateConnecting:
		return
	case StateDisconnected:
		if disconnectedAt != nil && time.Since(*disconnectedAt) >= c.keepaliveGrace {
			c.log.Info("disconnect grace period elapsed, releasing resources")
			c.releaseResources()
		}
		return
	case StateActive:
		kind := core.ActivityActivity
		if keepAlive {
			kind = core.ActivityKeepAlive
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.NotifyActivity(ctx, kind)
	}
}

// releaseResources closes the RPC channel (but leaves the relay for
// the session state machine to dispose) once the disconnect grace
// period has elapsed without a reconnect.
func (c *Client) releaseResources() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateReleased
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// isUnavailableErr detects UNAVAILABLE/ECONNREFUSED-shaped transport
// errors by substring match, the same limitation the teacher's
// isAuthErr works around: chisel (and this hand-rolled transport)
// exposes no typed error for this case.
func isUnavailableErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "econnrefused") ||
		strings.Contains(msg, "connection refused") ||
		errors.Is(err, net.ErrClosed)
}
