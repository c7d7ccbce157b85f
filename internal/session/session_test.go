package session

import (
	"context"
	"testing"
)

func TestSession_IDDefaultsToGeneratedUUID(t *testing.T) {
	s := New("", nil, testDeps())
	if s.ID() == "" {
		t.Fatal("expected a generated id when none is given")
	}
}

func TestSession_StateTransitions(t *testing.T) {
	s := New("sess-1", nil, testDeps())
	if s.State() != StateIdle {
		t.Fatalf("initial state = %v, want Idle", s.State())
	}

	s.setState(context.Background(), StateAuthenticated)
	if s.State() != StateAuthenticated {
		t.Fatalf("state = %v, want Authenticated", s.State())
	}
}

func TestSession_SnapshotBeforeDiscoveryIsEmpty(t *testing.T) {
	s := New("sess-1", nil, testDeps())
	if _, ok := s.Snapshot(); ok {
		t.Error("expected no snapshot before a tunnel is acquired")
	}
}

func TestSession_AttachRejectsOutsideReconnectWait(t *testing.T) {
	s := New("sess-1", nil, testDeps())
	if err := s.Attach(nil); err == nil {
		t.Fatal("expected Attach to fail outside ReconnectWait")
	}
}

func TestSession_AttachSucceedsInReconnectWait(t *testing.T) {
	s := New("sess-1", nil, testDeps())
	s.setState(context.Background(), StateStreaming)
	s.setState(context.Background(), StateReconnectWait)

	if err := s.Attach(nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	select {
	case <-s.reconnectCh:
	default:
		t.Error("expected reconnectCh to be signaled")
	}
}

func TestRepoURLMatches(t *testing.T) {
	cases := []struct {
		repoURL, fullName string
		want              bool
	}{
		{"octo/widgets", "octo/widgets", true},
		{"https://github.com/octo/widgets", "octo/widgets", true},
		{"https://github.com/octo/widgets.git", "octo/widgets", false},
		{"octo/other", "octo/widgets", false},
	}
	for _, c := range cases {
		if got := repoURLMatches(c.repoURL, c.fullName); got != c.want {
			t.Errorf("repoURLMatches(%q, %q) = %v, want %v", c.repoURL, c.fullName, got, c.want)
		}
	}
}
