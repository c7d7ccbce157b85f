// Package cmd assembles the broker's "serve" subcommand: it reads
// configuration, constructs the shared session collaborators, and
// mounts the user-transport HTTP/websocket surface. Generalized from
// the teacher's internal/cmd/server.go, minus the ConnectRPC/OIDC
// middleware and Wire injector indirection this broker has no use
// for: dependencies are constructed directly inside newServer, since
// there is exactly one subcommand and one set of collaborators to
// build.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tunnelbroker/broker/internal/config"
	"github.com/tunnelbroker/broker/internal/core"
	"github.com/tunnelbroker/broker/internal/discovery"
	"github.com/tunnelbroker/broker/internal/keys"
	"github.com/tunnelbroker/broker/internal/metrics"
	"github.com/tunnelbroker/broker/internal/session"
	"github.com/tunnelbroker/broker/internal/transport"
	transporthttp "github.com/tunnelbroker/broker/internal/transport/http"
	"github.com/tunnelbroker/broker/internal/userws"
)

// NewServeCommand builds the "serve" subcommand: it binds the
// configured flags and, on execution, wires a Server and runs it
// until the command's context is cancelled.
func NewServeCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tunnel session broker's HTTP/websocket endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, err := newServer(conf)
			if err != nil {
				return fmt.Errorf("failed to initialize server: %w", err)
			}
			return srv.Run(cmd.Context())
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.Options); err != nil {
		return nil, err
	}

	return cmd, nil
}

// Server owns the broker's shared collaborators (the session Deps
// every Session is built from, and the session Store the HTTP layer
// uses to route new and reconnecting websockets) and its one HTTP
// surface.
type Server struct {
	log     *slog.Logger
	store   *session.Store
	deps    session.Deps
	address string
	origins []string

	metrics http.Handler

	// runCtx is the server's own long-lived context, set once by Run
	// before the listener starts accepting. Sessions run under this
	// context rather than their upgrade request's context, which the
	// net/http server cancels as soon as the upgrading ServeHTTP call
	// returns, well before a long-lived websocket connection is done.
	runCtx context.Context
}

// newServer reads every configuration value it needs up front and
// constructs the collaborators a Session requires: the ephemeral key
// store, the metrics recorder, and the discovery options. Nothing
// here is per-session; session.New is called fresh for every
// websocket upgrade.
func newServer(conf *config.Config) (*Server, error) {
	log := slog.Default().With("component", "broker")

	recorder, metricsHandler, err := metrics.Handler()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	deps := session.Deps{
		ProviderBaseURL:   conf.ProviderBaseURL(),
		ProviderUserAgent: conf.ProviderUserAgent(),

		Keys:    keys.NewStore(),
		Metrics: recorder,

		RPCHeartbeatInterval: conf.RPCHeartbeatInterval(),
		RPCSessionKeepalive:  conf.RPCSessionKeepalive(),

		Discovery: discovery.Options{
			FallbackRPCPorts: conf.DiscoveryFallbackRPCPorts(),
			FallbackSSHPorts: conf.DiscoveryFallbackSSHPorts(),
			ProbeTimeout:     conf.DiscoveryProbeTimeout(),
		},

		UserPublicKeyOverride: conf.UserPublicKeyOverride(),
		DebugTraceTap:         conf.DebugTraceTap(),

		ReconnectBaseDelay:   conf.ReconnectBaseDelay(),
		ReconnectMaxDelay:    conf.ReconnectMaxDelay(),
		ReconnectMaxAttempts: conf.ReconnectMaxAttempts(),

		Log: log,
	}

	return &Server{
		log:     log,
		store:   session.NewStore(),
		deps:    deps,
		address: conf.ServerAddress(),
		origins: conf.ServerAllowedOrigins(),
		metrics: metricsHandler,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx = ctx

	httpSrv, err := transporthttp.NewServer(
		transporthttp.WithAddress(s.address),
		transporthttp.WithMount(s.mount),
		transporthttp.WithAllowedOrigins(s.origins),
		transporthttp.WithHTTPLogger(s.log),
	)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	return transport.Serve(ctx, httpSrv)
}

// mount registers every route this broker exposes.
func (s *Server) mount(mux *http.ServeMux) error {
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.metrics)
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/session/", s.handleSessionStatus)
	return nil
}

type healthzResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthzResponse{Status: "ok", Sessions: s.store.Len()})
}

// handleWebsocket upgrades the request to a websocket and either
// attaches it to a reconnecting session named by ?session_id= or
// starts a new Session and runs it for the connection's lifetime. Per
// the single-owner invariant, at most one websocket drives a given
// session at a time; Session.Attach rejects one offered outside
// ReconnectWait.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := userws.Upgrade(w, r, s.log)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := r.URL.Query().Get("session_id")
	if id != "" {
		if sess, ok := s.store.Get(id); ok {
			if err := sess.Attach(conn); err == nil {
				return
			}
			s.log.Warn("rejected reattach to session not awaiting reconnect", "session_id", id)
		}
	}

	sess := session.New(id, conn, s.deps)
	if err := s.store.Put(sess); err != nil {
		s.log.Warn("refused new session", "error", err)
		_ = conn.Close()
		return
	}

	go func() {
		_ = sess.Run(s.runCtx)
		s.store.Remove(sess.ID())
	}()
}

type sessionStatusResponse struct {
	ID    string                     `json:"id"`
	State string                     `json:"state"`
	Ports *core.PortRegistrySnapshot `json:"ports,omitempty"`
}

// handleSessionStatus implements GET /session/{id}: a read-only
// introspection view of a live session's state and port registry, for
// operators and for a reconnecting client to poll before re-opening
// the websocket.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/session/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	sess, ok := s.store.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	resp := sessionStatusResponse{ID: sess.ID(), State: sess.State().String()}
	if snap, ok := sess.Snapshot(); ok {
		resp.Ports = &snap
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
