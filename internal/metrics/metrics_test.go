package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
)

func TestHandler_RecordsWithoutPanicking(t *testing.T) {
	r, handler, err := Handler()
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}

	ctx := context.Background()
	r.SessionStarted(ctx)
	r.StateTransition(ctx, "Idle", "Authenticated")
	r.PortDiscovery(ctx, "tunnel_object")
	r.RPCCallDuration(ctx, "StartRemoteServer", 0.05)
	r.Reconnect(ctx)
	r.SessionFailed(ctx, "SshUnreachable")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("metrics endpoint status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty metrics exposition body")
	}
}

func TestNopRecorder_DoesNotPanic(t *testing.T) {
	r := NopRecorder()
	ctx := context.Background()
	r.SessionStarted(ctx)
	r.SessionClosed(ctx)
	r.SessionFailed(ctx, "RpcUnreachable")
	r.StateTransition(ctx, "Streaming", "ReconnectWait")
	r.Reconnect(ctx)
	r.PortDiscovery(ctx, "listeners")
	r.RPCCallDuration(ctx, "NotifyClientActivity", 0.01)
}
