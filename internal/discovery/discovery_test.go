package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/tunnelbroker/broker/internal/core"
	"github.com/tunnelbroker/broker/internal/ports"
)

type fakeRelay struct {
	listeners map[uint16]ListenerInfo
	forwarded map[uint16]uint16
}

func (f *fakeRelay) Listeners() (map[uint16]ListenerInfo, bool) {
	if f.listeners == nil {
		return nil, false
	}
	return f.listeners, true
}

func (f *fakeRelay) WaitForForwarded(ctx context.Context, remotePort uint16) (uint16, bool, error) {
	if local, ok := f.forwarded[remotePort]; ok {
		return local, true, nil
	}
	<-ctx.Done()
	return 0, false, ctx.Err()
}

func TestDiscover_TunnelObjectAndListeners(t *testing.T) {
	registry := ports.NewRegistry()
	relay := &fakeRelay{listeners: map[uint16]ListenerInfo{2222: {RemotePort: 22, RemoteHost: "workspace"}}}
	d := New(registry, relay, nil, nil, DefaultOptions())

	tp := core.TunnelProperties{Ports: []core.ProviderPort{
		{PortNumber: 16634, ForwardingURI: "https://host:41000/"},
	}}
	d.Discover(context.Background(), tp)

	snap := registry.Snapshot()
	if snap.RPC == nil || snap.RPC.LocalPort != 41000 {
		t.Fatalf("expected rpc mapping on local 41000, got %v", snap.RPC)
	}
	if snap.SSH == nil || snap.SSH.LocalPort != 2222 || snap.SSH.RemoteHost != "workspace" {
		t.Fatalf("expected ssh mapping from listeners, got %v", snap.SSH)
	}
}

func TestFind_WaitForForwarded(t *testing.T) {
	registry := ports.NewRegistry()
	relay := &fakeRelay{forwarded: map[uint16]uint16{16634: 41000}}
	d := New(registry, relay, nil, nil, DefaultOptions())

	m, ok := d.FindRPC(context.Background())
	if !ok || m.LocalPort != 41000 || m.Source != core.SourceWaitForForwarded {
		t.Fatalf("got %v, %v", m, ok)
	}
}

func TestFind_ProbeFallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port uint16
	_, _ = parseUint16(portStr, &port)

	registry := ports.NewRegistry()
	relay := &fakeRelay{}
	opts := DefaultOptions()
	opts.FallbackSSHPorts = []uint16{port}
	d := New(registry, relay, nil, nil, opts)

	m, ok := d.FindSSH(context.Background(), 22)
	if !ok || m.LocalPort != port || m.Source != core.SourceTraceFallback {
		t.Fatalf("got %v, %v", m, ok)
	}
}

func TestFind_NoneFound(t *testing.T) {
	registry := ports.NewRegistry()
	relay := &fakeRelay{}
	opts := DefaultOptions()
	opts.FallbackSSHPorts = nil
	d := New(registry, relay, nil, nil, opts)

	start := time.Now()
	_, ok := d.Find(context.Background(), 22, 50*time.Millisecond, nil)
	if ok {
		t.Fatal("expected no mapping to be found")
	}
	if time.Since(start) > time.Second {
		t.Error("find took too long past its deadline")
	}
}

func parseUint16(s string, out *uint16) (uint16, error) {
	var n int
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	*out = uint16(n)
	return *out, nil
}
