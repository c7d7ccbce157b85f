package keys

import (
	"strings"
	"testing"

	"github.com/tunnelbroker/broker/internal/core"
)

func TestStore_GenerateGetDestroy(t *testing.T) {
	s := NewStore()

	kp, err := s.Generate("sess-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(kp.Fingerprint, "SHA256:") {
		t.Errorf("fingerprint %q missing SHA256: prefix", kp.Fingerprint)
	}
	if !strings.HasPrefix(kp.PublicText, "ssh-ed25519 ") {
		t.Errorf("public text %q is not an ssh-ed25519 authorized_keys line", kp.PublicText)
	}

	got, ok := s.Get("sess-1")
	if !ok || got.Fingerprint != kp.Fingerprint {
		t.Fatalf("get returned %v, %v", got, ok)
	}

	s.Destroy("sess-1")
	if _, ok := s.Get("sess-1"); ok {
		t.Error("expected no keypair after destroy")
	}

	// Destroy is idempotent.
	s.Destroy("sess-1")
}

func TestStore_GenerateAlreadyExists(t *testing.T) {
	s := NewStore()
	if _, err := s.Generate("sess-1"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, err := s.Generate("sess-1")
	var domainErr *core.DomainError
	if err == nil {
		t.Fatal("expected AlreadyExists error")
	}
	if !asDomainError(err, &domainErr) || domainErr.Code != core.ErrorCodeAlreadyExists {
		t.Errorf("got %v, want ErrorCodeAlreadyExists", err)
	}
}

func TestStore_DestroyAll(t *testing.T) {
	s := NewStore()
	s.Generate("a")
	s.Generate("b")
	s.DestroyAll()
	if _, ok := s.Get("a"); ok {
		t.Error("expected a destroyed")
	}
	if _, ok := s.Get("b"); ok {
		t.Error("expected b destroyed")
	}
}

func asDomainError(err error, target **core.DomainError) bool {
	de, ok := err.(*core.DomainError)
	if !ok {
		return false
	}
	*target = de
	return true
}
