// Package tracetap implements the Trace Tap (C4): an opt-in observer
// of the relay client's free-form diagnostic stream, used only as a
// last-resort Port Discovery source. This is the second of the two
// places in this module permitted to parse free-form text (the other
// is Port Discovery's forwarding-URI extraction).
package tracetap

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tunnelbroker/broker/internal/core"
)

// Category classifies a parsed trace line.
type Category string

const (
	CategoryPortForwarding Category = "port_forwarding"
	CategoryConnection     Category = "connection"
	CategoryAuth           Category = "auth"
	CategoryGeneral        Category = "general"
)

// Event is one parsed entry of the diagnostic stream.
type Event struct {
	Timestamp  time.Time
	Level      string
	Category   Category
	ParsedData map[string]string
	RawMessage string
}

// DiagnosticSink is the relay's pluggable diagnostic output, modeled
// on log.Logger.SetOutput: SetOutput installs w and returns the
// previously installed writer so the caller can restore it later.
type DiagnosticSink interface {
	SetOutput(w io.Writer) io.Writer
}

var (
	reForwardV4     = regexp.MustCompile(`Forwarding from 127\.0\.0\.1:(\d+) to host port (\d+)\.?`)
	reForwardV6     = regexp.MustCompile(`Forwarding from ::1:(\d+) to host port (\d+)\.?`)
	reEstablished   = regexp.MustCompile(`Port (\d+) forwarding established`)
	reListening     = regexp.MustCompile(`Listening on port (\d+)`)
	reBearerToken   = regexp.MustCompile(`(?i)bearer\s+\S+`)
	reBase64ish     = regexp.MustCompile(`[A-Za-z0-9+/_=-]{50,}`)
)

const defaultBufferSize = 1000

// Tap attaches to a relay's DiagnosticSink, parses each line, and
// retains the most recent events in a bounded ring buffer.
type Tap struct {
	mu       sync.Mutex
	events   []Event
	cap      int
	head     int
	count    int
	sink     DiagnosticSink
	restored io.Writer
	pw       *io.PipeWriter
	done     chan struct{}
}

// New returns a Tap with the given ring-buffer capacity. A capacity
// of 0 uses the default of 1000 events.
func New(capacity int) *Tap {
	if capacity <= 0 {
		capacity = defaultBufferSize
	}
	return &Tap{events: make([]Event, capacity), cap: capacity}
}

// Attach installs the Tap as sink's output, capturing every line
// sink writes from then on. Attach must be paired with Detach.
func (t *Tap) Attach(sink DiagnosticSink) {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	t.mu.Lock()
	t.sink = sink
	t.pw = pw
	t.done = done
	t.mu.Unlock()

	t.restored = sink.SetOutput(pw)

	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			t.ingest(scanner.Text())
		}
	}()
}

// Detach restores the original diagnostic sink exactly, even if the
// tap itself is torn down abnormally, and waits for the scanning
// goroutine to finish.
func (t *Tap) Detach() {
	t.mu.Lock()
	sink, restored, pw, done := t.sink, t.restored, t.pw, t.done
	t.sink, t.restored, t.pw, t.done = nil, nil, nil, nil
	t.mu.Unlock()

	if sink == nil {
		return
	}
	sink.SetOutput(restored)
	pw.Close()
	<-done
}

// Events returns a copy of the retained events, oldest first.
func (t *Tap) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, t.count)
	for i := 0; i < t.count; i++ {
		out[i] = t.events[(t.head-t.count+i+t.cap)%t.cap]
	}
	return out
}

// FallbackMapping implements discovery.TraceSource: it scans retained
// events for the most recent port_forwarding entry naming remotePort.
func (t *Tap) FallbackMapping(remotePort uint16) (core.PortMapping, bool) {
	events := t.Events()
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Category != CategoryPortForwarding {
			continue
		}
		remoteStr, ok := ev.ParsedData["remote"]
		if !ok {
			continue
		}
		remote, err := strconv.ParseUint(remoteStr, 10, 16)
		if err != nil || uint16(remote) != remotePort {
			continue
		}
		localStr, ok := ev.ParsedData["local"]
		if !ok {
			continue
		}
		local, err := strconv.ParseUint(localStr, 10, 16)
		if err != nil {
			continue
		}
		protocol := core.ProtocolUnknown
		switch strings.ToLower(ev.ParsedData["protocol"]) {
		case "ssh":
			protocol = core.ProtocolSSH
		case "http":
			protocol = core.ProtocolHTTP
		case "tcp":
			protocol = core.ProtocolTCP
		}
		return core.PortMapping{
			LocalPort:  uint16(local),
			RemotePort: remotePort,
			Protocol:   protocol,
			Category:   core.CategorizePort(remotePort),
			Source:     core.SourceTraceFallback,
			IsActive:   true,
		}, true
	}
	return core.PortMapping{}, false
}

// ingest parses one raw diagnostic line, redacts it if it falls in
// the auth category, and appends the resulting Event to the ring
// buffer. Parse errors are swallowed: an unparseable line is simply
// not categorized as port_forwarding.
func (t *Tap) ingest(line string) {
	ev := Event{Timestamp: time.Now(), RawMessage: line, Category: categorize(line)}
	if ev.Category == CategoryAuth {
		ev.RawMessage = redact(line)
	}
	if ev.Category == CategoryPortForwarding {
		ev.ParsedData = parsePortForwarding(line)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[t.head] = ev
	t.head = (t.head + 1) % t.cap
	if t.count < t.cap {
		t.count++
	}
}

func categorize(line string) Category {
	switch {
	case reForwardV4.MatchString(line), reForwardV6.MatchString(line),
		reEstablished.MatchString(line), reListening.MatchString(line):
		return CategoryPortForwarding
	case strings.Contains(strings.ToLower(line), "auth"), strings.Contains(strings.ToLower(line), "token"):
		return CategoryAuth
	case strings.Contains(strings.ToLower(line), "connect"), strings.Contains(strings.ToLower(line), "disconnect"):
		return CategoryConnection
	default:
		return CategoryGeneral
	}
}

// parsePortForwarding matches the port_forwarding rules in order and
// stops at the first match.
func parsePortForwarding(line string) map[string]string {
	if m := reForwardV4.FindStringSubmatch(line); m != nil {
		return map[string]string{"local": m[1], "remote": m[2], "direction": "forward", "protocol": inferProtocol(line)}
	}
	if m := reForwardV6.FindStringSubmatch(line); m != nil {
		return map[string]string{"local": m[1], "remote": m[2], "direction": "forward", "protocol": "ipv6"}
	}
	if m := reEstablished.FindStringSubmatch(line); m != nil {
		return map[string]string{"remote": m[1]}
	}
	if m := reListening.FindStringSubmatch(line); m != nil {
		return map[string]string{"local": m[1], "direction": "reverse"}
	}
	return nil
}

func inferProtocol(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "ssh"):
		return "ssh"
	case strings.Contains(lower, "http"):
		return "http"
	case strings.Contains(lower, "tcp"):
		return "tcp"
	default:
		return ""
	}
}

// redact replaces bearer tokens and any base64-looking run of at
// least 50 characters with [REDACTED] before retention.
func redact(line string) string {
	line = reBearerToken.ReplaceAllString(line, "[REDACTED]")
	line = reBase64ish.ReplaceAllString(line, "[REDACTED]")
	return line
}
