package tracetap

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
)

type fakeSink struct {
	w io.Writer
}

func (f *fakeSink) SetOutput(w io.Writer) io.Writer {
	prev := f.w
	f.w = w
	return prev
}

func TestTap_ParsePortForwarding(t *testing.T) {
	sink := &fakeSink{w: io.Discard}
	tap := New(10)
	tap.Attach(sink)

	io.WriteString(sink.w, "Forwarding from 127.0.0.1:51000 to host port 2222.\n")

	waitForEvents(t, tap, 1)
	tap.Detach()

	events := tap.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Category != CategoryPortForwarding {
		t.Fatalf("got category %v, want port_forwarding", ev.Category)
	}
	if ev.ParsedData["local"] != "51000" || ev.ParsedData["remote"] != "2222" {
		t.Errorf("got %v", ev.ParsedData)
	}
}

func TestTap_FallbackMapping(t *testing.T) {
	sink := &fakeSink{w: io.Discard}
	tap := New(10)
	tap.Attach(sink)
	io.WriteString(sink.w, "Forwarding from 127.0.0.1:51000 to host port 2222.\n")
	waitForEvents(t, tap, 1)
	tap.Detach()

	m, ok := tap.FallbackMapping(2222)
	if !ok || m.LocalPort != 51000 {
		t.Fatalf("got %v, %v", m, ok)
	}

	if _, ok := tap.FallbackMapping(9999); ok {
		t.Error("expected no mapping for an unobserved remote port")
	}
}

func TestTap_RedactsAuthLines(t *testing.T) {
	sink := &fakeSink{w: io.Discard}
	tap := New(10)
	tap.Attach(sink)
	longToken := strings.Repeat("a", 60)
	io.WriteString(sink.w, "auth: Bearer "+longToken+"\n")
	waitForEvents(t, tap, 1)
	tap.Detach()

	events := tap.Events()
	if strings.Contains(events[0].RawMessage, longToken) {
		t.Error("expected long token to be redacted")
	}
	if !strings.Contains(events[0].RawMessage, "[REDACTED]") {
		t.Errorf("expected [REDACTED] marker, got %q", events[0].RawMessage)
	}
}

func TestTap_DetachRestoresOriginalSink(t *testing.T) {
	var original bytes.Buffer
	sink := &fakeSink{w: &original}
	tap := New(10)
	tap.Attach(sink)
	tap.Detach()

	if sink.w != &original {
		t.Error("detach did not restore the original sink")
	}
}

func TestTap_RingBufferBounded(t *testing.T) {
	sink := &fakeSink{w: io.Discard}
	tap := New(2)
	tap.Attach(sink)
	for i := 0; i < 5; i++ {
		io.WriteString(sink.w, "Listening on port 9000\n")
	}
	waitForEvents(t, tap, 2)
	tap.Detach()

	if len(tap.Events()) != 2 {
		t.Errorf("got %d events, want ring buffer capped at 2", len(tap.Events()))
	}
}

func waitForEvents(t *testing.T, tap *Tap, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tap.Events()) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
}
