package controlplane

import (
	"context"
	"net"
	"testing"
	"time"
)

// startFakeServer listens on 127.0.0.1:0 and answers every
// StartRemoteServer/NotifyClientActivity request with handle, until
// the listener is closed.
func startFakeServer(t *testing.T, handle func(Request) Response) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					var req Request
					if err := readFrame(conn, &req); err != nil {
						return
					}
					resp := handle(req)
					if err := writeFrame(conn, resp); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestClient_StartSSHServer_Success(t *testing.T) {
	addr := startFakeServer(t, func(req Request) Response {
		if req.Metadata["authorization"] != "Bearer tok" {
			t.Errorf("missing authorization metadata: %v", req.Metadata)
		}
		return Response{Result: true, Payload: []byte(`{"server_port":"2222","user":"node"}`)}
	})

	c := New(addr, "tok")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close(context.Background())

	port, user, err := c.StartSSHServer(context.Background(), "ssh-ed25519 AAAA")
	if err != nil {
		t.Fatalf("start ssh server: %v", err)
	}
	if port != 2222 || user != "node" {
		t.Errorf("got port=%d user=%q", port, user)
	}
}

func TestClient_StartSSHServer_Rejected(t *testing.T) {
	addr := startFakeServer(t, func(req Request) Response {
		return Response{Result: false, Payload: []byte(`{"message":"bad key"}`)}
	})

	c := New(addr, "tok")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close(context.Background())

	_, _, err := c.StartSSHServer(context.Background(), "ssh-ed25519 AAAA")
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if got := err.Error(); got == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestClient_NotifyActivity_MarksLostOnUnavailable(t *testing.T) {
	addr := startFakeServer(t, func(req Request) Response {
		return Response{Result: false, Error: "UNAVAILABLE: connection refused"}
	})

	c := New(addr, "tok")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close(context.Background())

	// Closing the connection from this side makes the next
	// notify_activity fail with a closed-connection transport error,
	// which must mark the channel lost.
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	conn.Close()
	if err := c.NotifyActivity(context.Background(), "activity"); err == nil {
		t.Fatal("expected notify_activity to fail on a closed connection")
	}
	select {
	case <-c.Lost():
	default:
		t.Error("expected Lost() to be closed after a transport failure")
	}

	// The substring classifier used by the same path recognises an
	// UNAVAILABLE-shaped message.
	if !isUnavailableErr(errUnavailable{}) {
		t.Error("expected UNAVAILABLE-shaped error to be classified as lost")
	}
}

type errUnavailable struct{}

func (errUnavailable) Error() string { return "rpc error: UNAVAILABLE: connection refused" }

func TestClient_Close_Idempotent(t *testing.T) {
	addr := startFakeServer(t, func(req Request) Response { return Response{Result: true} })
	c := New(addr, "tok")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestClient_DisconnectedGraceReleasesResources(t *testing.T) {
	addr := startFakeServer(t, func(req Request) Response { return Response{Result: true} })
	c := New(addr, "tok", WithHeartbeatInterval(20*time.Millisecond), WithKeepaliveGrace(30*time.Millisecond))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close(context.Background())

	c.MarkDisconnected()
	time.Sleep(150 * time.Millisecond)

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateReleased {
		t.Errorf("got state %v, want Released after grace period elapsed", state)
	}
}
