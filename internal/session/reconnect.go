package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/tunnelbroker/broker/internal/controlplane"
)

// retryRPC implements the RPC side of the delegated reconnect policy
// (§4.6): exponential backoff starting at ReconnectBaseDelay, doubling
// to ReconnectMaxDelay, for at most ReconnectMaxAttempts tries or
// until ctx is done. On success it replaces the session's RPC client,
// which is how watchRPCLost detects the reconnect; reconnectCh, which
// belongs to websocket reattachment, is not touched. On exhaustion it
// only logs, and watchRPCLost's grace-period timer decides what
// happens next.
func (s *Session) retryRPC(ctx context.Context) {
	s.mu.Lock()
	discoverer := s.discover
	token := s.token
	s.mu.Unlock()
	if discoverer == nil {
		return
	}

	bo := newBackoff(s.deps.ReconnectBaseDelay, s.deps.ReconnectMaxDelay)

	for attempt := 0; attempt < s.deps.ReconnectMaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		s.deps.Metrics.Reconnect(ctx)

		mapping, ok := discoverer.FindRPC(ctx)
		if ok {
			client := controlplane.New(
				net.JoinHostPort("127.0.0.1", strconv.Itoa(int(mapping.LocalPort))),
				token,
				controlplane.WithHeartbeatInterval(s.deps.RPCHeartbeatInterval),
				controlplane.WithKeepaliveGrace(s.deps.RPCSessionKeepalive),
				controlplane.WithLogger(s.log),
			)
			if err := client.Connect(ctx); err == nil {
				s.mu.Lock()
				s.rpc = client
				s.mu.Unlock()
				s.log.Info("rpc channel reconnected", "attempt", attempt+1)
				return
			}
			s.log.Warn("rpc reconnect attempt failed", "attempt", attempt+1)
		}

		if !sleepCtx(ctx, bo.Next()) {
			return
		}
	}
	s.log.Warn(fmt.Sprintf("rpc reconnect exhausted %d attempts", s.deps.ReconnectMaxAttempts))
}

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
