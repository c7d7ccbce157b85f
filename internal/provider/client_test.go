package provider

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tunnelbroker/broker/internal/core"
)

func TestClient_ListCodespaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token tok" {
			t.Errorf("got Authorization %q, want %q", got, "token tok")
		}
		w.Write([]byte(`{"codespaces":[{"name":"my-codespace","state":"Available"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "broker/test")
	list, err := c.ListCodespaces(t.Context())
	if err != nil {
		t.Fatalf("list codespaces: %v", err)
	}
	if len(list) != 1 || list[0].Name != "my-codespace" {
		t.Fatalf("got %v", list)
	}
}

func TestClient_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "bad-token", "broker/test")
	_, err := c.ListCodespaces(t.Context())
	if err != core.ErrBadCredentials {
		t.Fatalf("got %v, want BadCredentials", err)
	}
}

func TestClient_EmptyListIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"codespaces":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "broker/test")
	list, err := c.ListCodespaces(t.Context())
	if err != nil {
		t.Fatalf("list codespaces: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("got %d codespaces, want 0", len(list))
	}
}
