package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tunnelbroker/broker/internal/controlplane"
	"github.com/tunnelbroker/broker/internal/core"
	"github.com/tunnelbroker/broker/internal/discovery"
	"github.com/tunnelbroker/broker/internal/ports"
	"github.com/tunnelbroker/broker/internal/relay"
	"github.com/tunnelbroker/broker/internal/terminal"
	"github.com/tunnelbroker/broker/internal/tracetap"
)

// rpcRemotePort is the well-known internal port the control-plane RPC
// channel listens on inside the workspace (§6).
const rpcRemotePort = 16634

// relayUpTimeout bounds how long Listing -> ... -> RelayConnecting
// waits for the chisel session to come up before failing the
// session, since nothing in the specification's per-state contracts
// names one explicitly for this step.
const relayUpTimeout = 30 * time.Second

// handleConnectCodespace drives Listing -> Acquiring -> RelayConnecting
// -> Discovering -> Provisioning -> SshDialing -> Streaming for the
// named codespace (§4.6). Any failure along the way transitions the
// session to Failed with the corresponding error kind and returns nil
// (the error has already been reported to the client and recorded).
func (s *Session) handleConnectCodespace(ctx context.Context, name string) error {
	if s.State() != StateAuthenticated {
		return core.NewError(core.ErrorCodeFailedPrecondition, "must authenticate before connecting")
	}

	s.setState(ctx, StateListing)
	cs, err := s.provider.GetCodespace(ctx, name)
	if err != nil {
		return s.fail(ctx, "ProviderError", err)
	}

	state := core.CodespaceState(cs.State)
	if state.Retryable() {
		_ = s.currentConn().SendState(state)
		s.setState(ctx, StateAuthenticated)
		return nil
	}
	if state != core.StateAvailable {
		_ = s.currentConn().SendState(state)
		s.setState(ctx, StateAuthenticated)
		return nil
	}

	s.setState(ctx, StateAcquiring)
	if cs.Connection.TunnelProperties == nil {
		return s.fail(ctx, "RpcUnreachable", core.NewError(core.ErrorCodeFailedPrecondition, "codespace reported Available with no tunnel properties"))
	}
	tp := *cs.Connection.TunnelProperties

	s.setState(ctx, StateRelayConnecting)
	relayClient := relay.New(tp,
		relay.WithLogger(s.log),
		relay.WithBaseRetryDelay(s.deps.ReconnectBaseDelay),
		relay.WithMaxRetryDelay(s.deps.ReconnectMaxDelay),
	)
	if _, err := relayClient.AddForward(rpcRemotePort); err != nil {
		return s.fail(ctx, "RpcUnreachable", err)
	}

	registry := ports.NewRegistry()
	var tap *tracetap.Tap
	if s.deps.DebugTraceTap {
		tap = tracetap.New(0)
		tap.Attach(relayClient)
	}
	discoverer := discovery.New(registry, relayClient, s.provider, traceSourceOrNil(tap), s.deps.Discovery)

	s.mu.Lock()
	s.relay = relayClient
	s.registry = registry
	s.discover = discoverer
	s.tap = tap
	s.tunnelRef = tp
	s.mu.Unlock()

	relayCtx, relayCancel := context.WithCancel(ctx)
	go func() {
		if err := relayClient.Connect(relayCtx); err != nil {
			s.log.Error("relay connection ended", "error", err)
		}
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, relayUpTimeout)
	_, ok, err := relayClient.WaitForForwarded(waitCtx, rpcRemotePort)
	waitCancel()
	if err != nil || !ok {
		relayCancel()
		return s.fail(ctx, "RpcUnreachable", core.ErrRpcUnreachable)
	}

	s.setState(ctx, StateDiscovering)
	discoverer.Discover(ctx, tp)
	rpcMapping, found := discoverer.FindRPC(ctx)
	if !found {
		relayCancel()
		return s.fail(ctx, "RpcUnreachable", core.ErrRpcUnreachable)
	}

	s.setState(ctx, StateProvisioning)
	rpcClient := controlplane.New(
		net.JoinHostPort("127.0.0.1", strconv.Itoa(int(rpcMapping.LocalPort))),
		s.token,
		controlplane.WithHeartbeatInterval(s.deps.RPCHeartbeatInterval),
		controlplane.WithKeepaliveGrace(s.deps.RPCSessionKeepalive),
		controlplane.WithLogger(s.log),
	)
	if err := rpcClient.Connect(ctx); err != nil {
		relayCancel()
		return s.fail(ctx, "RpcConnectFailure", err)
	}

	// Store the client as soon as Connect succeeds: Connect already
	// started the heartbeat goroutine and holds an open TCP
	// connection, so teardown must be able to find and close it even
	// if acquireKeypair or StartSSHServer fails below.
	s.mu.Lock()
	s.rpc = rpcClient
	s.mu.Unlock()

	keypair, err := s.acquireKeypair()
	if err != nil {
		relayCancel()
		return s.fail(ctx, "CryptoFailure", err)
	}

	remoteSSHPort, sshUser, err := rpcClient.StartSSHServer(ctx, keypair.PublicText)
	if err != nil {
		relayCancel()
		return s.fail(ctx, classifyRPCFailure(err), err)
	}

	sshAddr, err := s.resolveSSHAddr(ctx, discoverer, tp, remoteSSHPort)
	if err != nil {
		relayCancel()
		return s.fail(ctx, "SshUnreachable", err)
	}

	s.setState(ctx, StateSshDialing)
	sshClient, sshSession, err := dialSSH(ctx, sshAddr, sshUser, keypair)
	if err != nil {
		relayCancel()
		return s.fail(ctx, "SshAuthDenied", err)
	}

	conn := s.currentConn()
	pipe, err := terminal.New(sshSession, conn, s.log)
	if err != nil {
		sshClient.Close()
		relayCancel()
		return s.fail(ctx, "SshUnreachable", err)
	}

	unsub := s.watchPorts(registry)

	s.mu.Lock()
	s.pipe = pipe
	s.unsub = unsub
	s.mu.Unlock()

	s.setState(ctx, StateStreaming)
	_ = conn.SendState(core.StateConnected)

	go func() {
		_ = pipe.Run(relayCtx)
		sshClient.Close()
	}()
	go s.watchRPCLost(relayCtx, rpcClient)

	return nil
}

// acquireKeypair returns the session's keypair (C1), generating one
// unless USER_PUBLIC_KEY override is configured, in which case
// ephemeral generation is skipped in favor of the configured public
// text with no corresponding private key — suitable only for the
// non-production diagnostic use the override is documented for (§6).
func (s *Session) acquireKeypair() (*core.Keypair, error) {
	if s.deps.UserPublicKeyOverride != "" {
		return &core.Keypair{SessionID: s.id, PublicText: s.deps.UserPublicKeyOverride}, nil
	}
	return s.deps.Keys.Generate(s.id)
}

// classifyRPCFailure maps a StartSSHServer error to the §7 error-kind
// column StartSSHServer itself doesn't already carry as a typed
// DomainError (RpcRejected/RpcTimeout already arrive pre-classified).
func classifyRPCFailure(err error) string {
	var domainErr *core.DomainError
	if ok := asDomainError(err, &domainErr); ok {
		return domainErr.Message
	}
	return "RpcConnectFailure"
}

func asDomainError(err error, target **core.DomainError) bool {
	de, ok := err.(*core.DomainError)
	if !ok {
		return false
	}
	*target = de
	return true
}

// resolveSSHAddr asks Port Discovery for the forwarded workspace SSH
// port; if that fails, it falls back to dialing the tunnel's domain
// directly on remoteSSHPort (the "deliberate best-effort fallback"
// the specification's open question calls out), preferring the
// forwarded mapping when both exist.
func (s *Session) resolveSSHAddr(ctx context.Context, discoverer *discovery.Discoverer, tp core.TunnelProperties, remoteSSHPort uint16) (string, error) {
	if mapping, ok := discoverer.FindSSH(ctx, remoteSSHPort); ok {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(mapping.LocalPort))), nil
	}
	if tp.Domain == "" {
		return "", core.ErrSshUnreachable
	}
	addr := net.JoinHostPort(tp.Domain, strconv.Itoa(int(remoteSSHPort)))
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", core.Wrap(core.ErrorCodeUnavailable, core.ErrSshUnreachable.Message, err)
	}
	conn.Close()
	return addr, nil
}

// dialSSH opens an SSH session to addr authenticated with keypair's
// private key (§4.7). The workspace's host key is not independently
// verified: authenticity of the channel is already established by the
// relay's connect/manage tokens, the same trust boundary
// internal/relay.Client itself rests on.
func dialSSH(ctx context.Context, addr, user string, keypair *core.Keypair) (*ssh.Client, *ssh.Session, error) {
	signer, err := ssh.ParsePrivateKey(keypair.PrivateBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse ephemeral private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, session, nil
}

// watchPorts forwards every registry snapshot to the connected user
// transport as a port_update message for the lifetime of the
// subscription.
func (s *Session) watchPorts(registry *ports.Registry) func() {
	ch, unsub := registry.Subscribe()
	go func() {
		for snap := range ch {
			_ = s.currentConn().SendPortUpdate(snap)
		}
	}()
	return unsub
}

// watchRPCLost implements the heartbeat-loses-channel scenario (§8
// scenario 4): when the RPC channel reports UNAVAILABLE, the session
// enters ReconnectWait, reports codespace_state Disconnected to the
// client, and retries the RPC channel in the
// background (§4.6's delegated reconnect policy) without tearing down
// the terminal stream, which keeps running on its own connection
// throughout. If the RPC channel is not restored within the grace
// period, the client is left informed of the disconnect but the
// session itself is not closed: only a user-initiated disconnect or
// an actual transport drop closes a Streaming session.
func (s *Session) watchRPCLost(ctx context.Context, rpc *controlplane.Client) {
	select {
	case <-rpc.Lost():
	case <-ctx.Done():
		return
	}
	if s.State() != StateStreaming {
		return
	}

	s.log.Warn("rpc channel lost, entering reconnect wait")
	s.setState(ctx, StateReconnectWait)
	_ = s.currentConn().SendState(core.StateDisconnected)

	reconnected := make(chan struct{}, 1)
	go func() {
		s.retryRPC(ctx)
		if s.getRPC() != rpc {
			reconnected <- struct{}{}
		}
	}()

	select {
	case <-reconnected:
		s.log.Info("rpc channel restored, resuming streaming")
		s.setState(ctx, StateStreaming)
		_ = s.currentConn().SendState(core.StateConnected)
	case <-time.After(s.deps.RPCSessionKeepalive):
		s.log.Warn("rpc reconnect grace period expired, leaving terminal stream up")
		s.setState(ctx, StateStreaming)
	case <-ctx.Done():
	}
}

func traceSourceOrNil(t *tracetap.Tap) discovery.TraceSource {
	if t == nil {
		return nil
	}
	return t
}
