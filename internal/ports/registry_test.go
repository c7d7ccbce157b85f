package ports

import (
	"testing"
	"time"

	"github.com/tunnelbroker/broker/internal/core"
)

func TestRegistry_UpsertPriority(t *testing.T) {
	r := NewRegistry()

	r.Upsert([]core.PortMapping{{LocalPort: 41000, RemotePort: 16634, Category: core.CategoryRPC, Source: core.SourceManagementAPI}})
	r.Upsert([]core.PortMapping{{LocalPort: 41000, RemotePort: 16634, Category: core.CategoryRPC, Source: core.SourceListeners, Protocol: core.ProtocolTCP}})

	snap := r.Snapshot()
	if snap.RPC == nil {
		t.Fatal("expected rpc mapping")
	}
	if snap.RPC.Source != core.SourceListeners {
		t.Errorf("got source %v, want listeners (higher priority should win)", snap.RPC.Source)
	}

	// A lower-priority upsert for the same key must not overwrite.
	r.Upsert([]core.PortMapping{{LocalPort: 41000, RemotePort: 16634, Category: core.CategoryRPC, Source: core.SourceTraceFallback}})
	snap = r.Snapshot()
	if snap.RPC.Source != core.SourceListeners {
		t.Errorf("lower-priority upsert overwrote higher-priority mapping: got %v", snap.RPC.Source)
	}
}

func TestRegistry_UpsertIdempotent(t *testing.T) {
	r := NewRegistry()
	m := []core.PortMapping{{LocalPort: 2222, RemotePort: 22, Category: core.CategorySSH, Source: core.SourceTunnelObject}}
	r.Upsert(m)
	first := r.Snapshot().LastUpdated
	r.Upsert(m)
	second := r.Snapshot().LastUpdated
	if !first.Equal(second) {
		t.Error("re-applying the same batch should not bump last_updated")
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	r.Upsert([]core.PortMapping{{LocalPort: 2222, RemotePort: 22, Category: core.CategorySSH, Source: core.SourceTunnelObject}})
	r.Remove(2222)
	snap := r.Snapshot()
	if snap.SSH != nil {
		t.Error("expected ssh slot cleared after remove")
	}
}

func TestRegistry_Subscribe(t *testing.T) {
	r := NewRegistry()
	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()

	r.Upsert([]core.PortMapping{{LocalPort: 1, RemotePort: 1, Category: core.CategoryUser, Source: core.SourceTunnelObject}})

	select {
	case snap := <-ch:
		if len(snap.User) != 1 {
			t.Errorf("got %d user mappings, want 1", len(snap.User))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}

func TestRegistry_SubscribeSlowConsumerDoesNotBlockUpsert(t *testing.T) {
	r := NewRegistry()
	_, unsubscribe := r.Subscribe() // never drained
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueSize+2; i++ {
			r.Upsert([]core.PortMapping{{LocalPort: uint16(i), RemotePort: uint16(i), Source: core.SourceTunnelObject}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("upsert blocked on a full subscriber channel")
	}
}
