// Package metrics wires the broker's OpenTelemetry meter provider to a
// Prometheus exporter and exposes /metrics, generalized from the
// teacher's internal/mux/hub.go registerMetrics (the same
// otel/exporters/prometheus + client_golang/promhttp pairing, here
// populated with this broker's own session-lifecycle instruments
// instead of left as a bare handler with nothing recording to it).
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder holds every instrument the session state machine and its
// sub-workers report against. Construct one with Handler and pass it down
// to internal/session.
type Recorder struct {
	sessionsStarted  metric.Int64Counter
	sessionsClosed   metric.Int64Counter
	sessionsFailed   metric.Int64Counter
	stateTransitions metric.Int64Counter
	reconnects       metric.Int64Counter
	portDiscoveries  metric.Int64Counter
	rpcCallDuration  metric.Float64Histogram
	activeSessions   metric.Int64UpDownCounter
}

// Handler registers the OpenTelemetry Prometheus exporter as the
// process's meter provider and returns a Recorder plus the HTTP
// handler to mount at /metrics.
func Handler() (*Recorder, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/tunnelbroker/broker")

	r := &Recorder{}
	if r.sessionsStarted, err = meter.Int64Counter("broker_sessions_started_total",
		metric.WithDescription("Sessions that reached Authenticated")); err != nil {
		return nil, nil, err
	}
	if r.sessionsClosed, err = meter.Int64Counter("broker_sessions_closed_total",
		metric.WithDescription("Sessions that reached Closed via user-initiated close or grace-period expiry")); err != nil {
		return nil, nil, err
	}
	if r.sessionsFailed, err = meter.Int64Counter("broker_sessions_failed_total",
		metric.WithDescription("Sessions that reached Failed, labeled by error kind")); err != nil {
		return nil, nil, err
	}
	if r.stateTransitions, err = meter.Int64Counter("broker_session_state_transitions_total",
		metric.WithDescription("Session state machine transitions, labeled by from/to state")); err != nil {
		return nil, nil, err
	}
	if r.reconnects, err = meter.Int64Counter("broker_reconnect_attempts_total",
		metric.WithDescription("Reconnect attempts made while in ReconnectWait")); err != nil {
		return nil, nil, err
	}
	if r.portDiscoveries, err = meter.Int64Counter("broker_port_discoveries_total",
		metric.WithDescription("Port mappings discovered, labeled by source")); err != nil {
		return nil, nil, err
	}
	if r.rpcCallDuration, err = meter.Float64Histogram("broker_rpc_call_duration_seconds",
		metric.WithDescription("Control-plane RPC call latency, labeled by method"),
		metric.WithUnit("s")); err != nil {
		return nil, nil, err
	}
	if r.activeSessions, err = meter.Int64UpDownCounter("broker_active_sessions",
		metric.WithDescription("Sessions currently in any non-terminal state")); err != nil {
		return nil, nil, err
	}

	return r, promhttp.Handler(), nil
}

// SessionStarted records a session reaching Authenticated.
func (r *Recorder) SessionStarted(ctx context.Context) {
	r.sessionsStarted.Add(ctx, 1)
	r.activeSessions.Add(ctx, 1)
}

// SessionClosed records a session reaching Closed via user-initiated
// close or grace-period expiry, and removes it from the active gauge.
func (r *Recorder) SessionClosed(ctx context.Context) {
	r.sessionsClosed.Add(ctx, 1)
	r.activeSessions.Add(ctx, -1)
}

// SessionFailed records a session reaching Failed with the given
// error kind (e.g. "RpcUnreachable", "SshAuthDenied"), and removes it
// from the active gauge.
func (r *Recorder) SessionFailed(ctx context.Context, kind string) {
	r.sessionsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	r.activeSessions.Add(ctx, -1)
}

// StateTransition records one C6 state machine transition.
func (r *Recorder) StateTransition(ctx context.Context, from, to string) {
	r.stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// Reconnect records one reconnect attempt made from ReconnectWait.
func (r *Recorder) Reconnect(ctx context.Context) {
	r.reconnects.Add(ctx, 1)
}

// PortDiscovery records one port mapping discovered by the given
// source strategy.
func (r *Recorder) PortDiscovery(ctx context.Context, source string) {
	r.portDiscoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RPCCallDuration records one control-plane RPC call's latency.
func (r *Recorder) RPCCallDuration(ctx context.Context, method string, seconds float64) {
	r.rpcCallDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("method", method)))
}

// NopRecorder returns a Recorder whose instruments are all no-ops, for
// tests that construct a session without a metrics endpoint.
func NopRecorder() *Recorder {
	provider := sdkmetric.NewMeterProvider()
	meter := provider.Meter("nop")
	r := &Recorder{}
	r.sessionsStarted, _ = meter.Int64Counter("sessions_started")
	r.sessionsClosed, _ = meter.Int64Counter("sessions_closed")
	r.sessionsFailed, _ = meter.Int64Counter("sessions_failed")
	r.stateTransitions, _ = meter.Int64Counter("state_transitions")
	r.reconnects, _ = meter.Int64Counter("reconnects")
	r.portDiscoveries, _ = meter.Int64Counter("port_discoveries")
	r.rpcCallDuration, _ = meter.Float64Histogram("rpc_call_duration")
	r.activeSessions, _ = meter.Int64UpDownCounter("active_sessions")
	return r
}
