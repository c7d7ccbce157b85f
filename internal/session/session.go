package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tunnelbroker/broker/internal/controlplane"
	"github.com/tunnelbroker/broker/internal/core"
	"github.com/tunnelbroker/broker/internal/discovery"
	"github.com/tunnelbroker/broker/internal/ports"
	"github.com/tunnelbroker/broker/internal/provider"
	"github.com/tunnelbroker/broker/internal/relay"
	"github.com/tunnelbroker/broker/internal/terminal"
	"github.com/tunnelbroker/broker/internal/tracetap"
	"github.com/tunnelbroker/broker/internal/userws"
)

// Session is one browser connection's C6 actor: it owns the lifecycle
// of exactly one tunnel, one RPC channel, and one terminal, per the
// specification's single-owner invariant. Run drives its state
// machine to completion; Attach reattaches a reconnecting websocket.
type Session struct {
	id   string
	deps Deps
	log  *slog.Logger

	mu    sync.Mutex
	state State
	conn  *userws.Conn
	token string

	provider  *provider.Client
	registry  *ports.Registry
	discover  *discovery.Discoverer
	relay     *relay.Client
	rpc       *controlplane.Client
	tap       *tracetap.Tap
	pipe      *terminal.Pipe
	unsub     func()
	tunnelRef core.TunnelProperties

	reconnectCh chan struct{}
	closeOnce   sync.Once
	done        chan struct{}
}

// New returns a Session bound to the given id (usually taken from a
// ?session_id= query parameter so a reconnecting websocket can name
// the session it belongs to) and its first websocket connection.
func New(id string, conn *userws.Conn, deps Deps) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Session{
		id:          id,
		deps:        deps,
		log:         deps.Log.With("component", "session", "session_id", id),
		state:       StateIdle,
		conn:        conn,
		reconnectCh: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// ID returns the session's id.
func (s *Session) ID() string { return s.id }

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the session's port registry snapshot, or the zero
// value if discovery has not started yet. Used by the /session/{id}
// introspection endpoint.
func (s *Session) Snapshot() (core.PortRegistrySnapshot, bool) {
	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()
	if reg == nil {
		return core.PortRegistrySnapshot{}, false
	}
	return reg.Snapshot(), true
}

func (s *Session) setState(ctx context.Context, next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.log.Info("state transition", "from", prev, "to", next)
	s.deps.Metrics.StateTransition(ctx, prev.String(), next.String())
}

func (s *Session) currentConn() *userws.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) getRPC() *controlplane.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpc
}

// Attach reattaches a reconnecting websocket to this session. It
// fails if the session is not waiting for one (i.e. not in
// ReconnectWait).
func (s *Session) Attach(conn *userws.Conn) error {
	s.mu.Lock()
	if s.state != StateReconnectWait {
		s.mu.Unlock()
		return core.NewError(core.ErrorCodeFailedPrecondition, "session is not awaiting reconnect")
	}
	s.conn = conn
	s.mu.Unlock()

	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the session to completion: authenticate -> list ->
// select -> ... -> streaming, handling reconnects and grace periods,
// until the user closes the session, a fatal error occurs, or ctx is
// cancelled. It always returns nil; failures are reported to the
// client and via State()/Failed reason, not as a Go error, since the
// caller (the HTTP transport) has nothing useful to do with one.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(s.done)
	defer s.teardown(ctx)

	for {
		conn := s.currentConn()
		msg, err := conn.Recv()
		if err != nil {
			if s.State() == StateStreaming {
				if s.handleTransportDrop(ctx, "transport_drop") {
					continue
				}
			}
			return nil
		}

		if err := s.dispatch(ctx, msg); err != nil {
			var domainErr *core.DomainError
			if errors.As(err, &domainErr) {
				_ = conn.SendError(domainErr)
			} else {
				_ = conn.SendError(err)
			}
		}

		if s.State() == StateClosed || s.State() == StateFailed {
			return nil
		}
	}
}

// dispatch routes one client message according to the current state.
func (s *Session) dispatch(ctx context.Context, msg userws.ClientMessage) error {
	switch msg.Type {
	case userws.MsgAuthenticate:
		return s.handleAuthenticate(ctx, msg)
	case userws.MsgListCodespaces:
		return s.handleListCodespaces(ctx)
	case userws.MsgConnectCodespace:
		return s.handleConnectCodespace(ctx, msg.CodespaceName)
	case userws.MsgConnectToRepoCodespace:
		return s.handleConnectToRepoCodespace(ctx, msg.RepoURL)
	case userws.MsgQueryCodespaceStatus:
		return s.handleQueryStatus(ctx, msg.CodespaceName)
	case userws.MsgStartCodespace:
		return s.handleStartStop(ctx, msg.CodespaceName, true)
	case userws.MsgStopCodespace:
		return s.handleStartStop(ctx, msg.CodespaceName, false)
	case userws.MsgDisconnectCodespace:
		return s.handleUserDisconnect(ctx)
	case userws.MsgInput:
		return s.handleInput(msg.Data)
	case userws.MsgResize:
		return s.handleResize(msg.Cols, msg.Rows)
	case userws.MsgRefreshPorts:
		return s.handleRefreshPorts(ctx)
	case userws.MsgGetPortInfo:
		return s.handleGetPortInfo()
	default:
		return core.NewError(core.ErrorCodeInvalidArgument, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Session) handleAuthenticate(ctx context.Context, msg userws.ClientMessage) error {
	if s.State() != StateIdle {
		return core.NewError(core.ErrorCodeFailedPrecondition, "already authenticated")
	}

	client := provider.New(s.deps.ProviderBaseURL, msg.Token, s.deps.ProviderUserAgent)
	if _, err := client.ListCodespaces(ctx); err != nil {
		_ = s.currentConn().SendAuthenticated(false)
		if errors.Is(err, core.ErrBadCredentials) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	s.token = msg.Token
	s.provider = client
	s.mu.Unlock()

	s.deps.Metrics.SessionStarted(ctx)
	s.setState(ctx, StateAuthenticated)
	return s.currentConn().SendAuthenticated(true)
}

func (s *Session) handleListCodespaces(ctx context.Context) error {
	if s.provider == nil {
		return core.NewError(core.ErrorCodeFailedPrecondition, "authenticate first")
	}
	list, err := s.provider.ListCodespaces(ctx)
	if err != nil {
		return err
	}
	summaries := make([]userws.CodespaceSummary, 0, len(list))
	for _, cs := range list {
		summaries = append(summaries, userws.CodespaceSummary{
			Name:               cs.Name,
			State:              cs.State,
			RepositoryFullName: cs.Repository.FullName,
		})
	}
	return s.currentConn().SendCodespacesList(summaries)
}

func (s *Session) handleQueryStatus(ctx context.Context, name string) error {
	if s.provider == nil {
		return core.NewError(core.ErrorCodeFailedPrecondition, "authenticate first")
	}
	cs, err := s.provider.GetCodespace(ctx, name)
	if err != nil {
		return err
	}
	return s.currentConn().SendState(core.CodespaceState(cs.State))
}

func (s *Session) handleStartStop(ctx context.Context, name string, start bool) error {
	if s.provider == nil {
		return core.NewError(core.ErrorCodeFailedPrecondition, "authenticate first")
	}
	cs, err := s.provider.GetCodespace(ctx, name)
	if err != nil {
		return err
	}
	if start {
		return s.provider.Start(ctx, cs.StartURL)
	}
	return s.provider.Stop(ctx, cs.StopURL)
}

func (s *Session) handleConnectToRepoCodespace(ctx context.Context, repoURL string) error {
	if s.provider == nil {
		return core.NewError(core.ErrorCodeFailedPrecondition, "authenticate first")
	}
	list, err := s.provider.ListCodespaces(ctx)
	if err != nil {
		return err
	}
	for _, cs := range list {
		if cs.Repository.FullName != "" && repoURLMatches(repoURL, cs.Repository.FullName) {
			return s.handleConnectCodespace(ctx, cs.Name)
		}
	}
	return core.NewError(core.ErrorCodeNotFound, fmt.Sprintf("no codespace found for repo %q", repoURL))
}

func (s *Session) handleInput(data []byte) error {
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()
	if pipe == nil {
		return core.NewError(core.ErrorCodeFailedPrecondition, "not streaming")
	}
	return pipe.WriteInput(data)
}

func (s *Session) handleResize(cols, rows uint32) error {
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()
	if pipe == nil {
		return nil
	}
	pipe.Resize(cols, rows)
	return nil
}

func (s *Session) handleRefreshPorts(ctx context.Context) error {
	s.mu.Lock()
	discoverer := s.discover
	tp := s.tunnelRef
	registry := s.registry
	s.mu.Unlock()
	if discoverer == nil || registry == nil {
		return core.NewError(core.ErrorCodeFailedPrecondition, "no active tunnel")
	}
	discoverer.Discover(ctx, tp)
	return s.currentConn().SendPortUpdate(registry.Snapshot())
}

func (s *Session) handleGetPortInfo() error {
	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()
	if registry == nil {
		return core.NewError(core.ErrorCodeFailedPrecondition, "no active tunnel")
	}
	return s.currentConn().SendPortInfo(registry.Snapshot())
}

// handleUserDisconnect implements the Streaming -(user close)-> Closing
// -> Closed edge.
func (s *Session) handleUserDisconnect(ctx context.Context) error {
	s.setState(ctx, StateClosing)
	_ = s.currentConn().SendDisconnectedFromCodespace()
	s.setState(ctx, StateClosed)
	s.deps.Metrics.SessionClosed(ctx)
	return nil
}

// handleTransportDrop implements the Streaming -(transport drop)->
// ReconnectWait(deadline) edge, blocking until a new websocket
// attaches within the grace period or the deadline elapses. It
// returns true if the caller should resume its receive loop on the
// newly attached connection.
func (s *Session) handleTransportDrop(ctx context.Context, reason string) bool {
	s.log.Warn("transport dropped, entering reconnect wait", "reason", reason)
	s.setState(ctx, StateReconnectWait)

	if rpc := s.getRPC(); rpc != nil {
		rpc.MarkDisconnected()
	}

	deadline := time.NewTimer(s.deps.RPCSessionKeepalive)
	defer deadline.Stop()

	select {
	case <-s.reconnectCh:
		if rpc := s.getRPC(); rpc != nil {
			rpc.MarkReconnected()
			// No terminal I/O has happened yet on the freshly attached
			// connection, so the next heartbeat tick should report a
			// keep-alive rather than fabricate real activity.
			rpc.RequestKeepAlive()
		}
		s.setState(ctx, StateStreaming)
		_ = s.currentConn().SendState(core.StateConnected)
		return true
	case <-deadline.C:
		s.log.Info("reconnect grace period expired, closing")
		s.setState(ctx, StateClosing)
		s.setState(ctx, StateClosed)
		s.deps.Metrics.SessionClosed(ctx)
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Session) fail(ctx context.Context, kind string, err error) error {
	priorState := s.State()
	s.log.Error("session failed", "kind", kind, "error", err)
	s.setState(ctx, StateFailed)
	s.deps.Metrics.SessionFailed(ctx, kind)
	_ = s.currentConn().SendError(err)
	// A failure that occurred once the session had progressed past
	// authentication means a codespace connection attempt or an
	// established stream died; the client needs the terminal
	// Disconnected transition in addition to the error. A failure
	// before or during authentication never implied a connection, so
	// no such transition is owed.
	if priorState != StateIdle && priorState != StateAuthenticated {
		_ = s.currentConn().SendState(core.StateDisconnected)
	}
	return nil
}

// teardown releases every resource the session may have acquired, in
// this order: terminal pipe, RPC channel, port subscription, relay,
// trace tap, keypair. It tolerates a 5s-per-step budget; steps
// that exceed it are abandoned and logged rather than blocking
// shutdown indefinitely.
func (s *Session) teardown(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		pipe, rpc, relayClient, tap, unsub := s.pipe, s.rpc, s.relay, s.tap, s.unsub
		s.mu.Unlock()

		withBudget(s.log, "terminal pipe", func() error {
			if pipe != nil {
				return pipe.Close()
			}
			return nil
		})
		withBudget(s.log, "rpc channel", func() error {
			if rpc != nil {
				return rpc.Close(ctx)
			}
			return nil
		})
		if unsub != nil {
			unsub()
		}
		withBudget(s.log, "relay", func() error {
			if relayClient != nil {
				return relayClient.Close()
			}
			return nil
		})
		if tap != nil {
			tap.Detach()
		}
		s.deps.Keys.Destroy(s.id)
	})
}

// withBudget runs fn and logs (never blocks the caller further) if it
// takes longer than 5s to return, per the specification's shutdown
// budget.
func withBudget(log *slog.Logger, step string, fn func() error) {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		if err != nil {
			log.Warn("teardown step failed", "step", step, "error", err)
		}
	case <-time.After(5 * time.Second):
		log.Warn("teardown step exceeded budget, abandoning", "step", step)
	}
}

func repoURLMatches(repoURL, fullName string) bool {
	return len(repoURL) > 0 && len(fullName) > 0 &&
		(repoURL == fullName || hasSuffixSlash(repoURL, fullName))
}

func hasSuffixSlash(repoURL, fullName string) bool {
	n := len(repoURL)
	m := len(fullName)
	return n >= m && repoURL[n-m:] == fullName
}
