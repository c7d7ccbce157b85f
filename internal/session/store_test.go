package session

import (
	"fmt"
	"testing"

	"github.com/tunnelbroker/broker/internal/metrics"
)

func testDeps() Deps {
	return Deps{Metrics: metrics.NopRecorder()}
}

func TestStore_PutGetRemove(t *testing.T) {
	st := NewStore()
	sess := New("sess-1", nil, testDeps())

	if err := st.Put(sess); err != nil {
		t.Fatalf("put: %v", err)
	}
	if st.Len() != 1 {
		t.Fatalf("len = %d, want 1", st.Len())
	}

	got, ok := st.Get("sess-1")
	if !ok || got != sess {
		t.Fatalf("get returned %v, %v", got, ok)
	}

	removed := st.Remove("sess-1")
	if removed != sess {
		t.Fatalf("remove returned %v, want %v", removed, sess)
	}
	if st.Len() != 0 {
		t.Fatalf("len = %d, want 0 after remove", st.Len())
	}
	if _, ok := st.Get("sess-1"); ok {
		t.Error("expected no session after remove")
	}
}

func TestStore_RemoveUnknown(t *testing.T) {
	st := NewStore()
	if st.Remove("nope") != nil {
		t.Error("expected nil for unknown id")
	}
}

func TestStore_PutResourceExhausted(t *testing.T) {
	st := NewStore()
	for i := 0; i < maxSessions; i++ {
		if err := st.Put(New(fmt.Sprintf("sess-%d", i), nil, testDeps())); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	if err := st.Put(New("overflow", nil, testDeps())); err == nil {
		t.Fatal("expected resource-exhausted error once at capacity")
	}
}
