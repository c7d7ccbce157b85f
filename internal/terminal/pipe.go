// Package terminal implements the Terminal Pipe (C7): a bidirectional
// byte pipe between the user-facing transport and an SSH session,
// with resize propagation. The read/forward goroutine shape is
// grounded directly on cli-cli's Live Share port forwarder
// (PortForwarder.handleConnection): two goroutines plus a buffered
// error channel, context-cancellation-aware.
package terminal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/ssh"

	"github.com/tunnelbroker/broker/internal/core"
)

// minDim and maxDim bound resize geometry per §4.7: cols/rows outside
// [1, 1000] are ignored entirely.
const (
	minDim = 1
	maxDim = 1000
)

// Sink is the user-transport side of the pipe: output bytes and
// codespace-state transitions are pushed through it. Defined locally
// to avoid this package depending on the transport layer.
type Sink interface {
	SendOutput(data []byte) error
	SendState(state core.CodespaceState) error
}

// Pipe bridges one SSH session's stdin/stdout to a Sink.
type Pipe struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	resize  *ResizeQueue
	sink    Sink
	log     *slog.Logger
}

// New opens a shell on session and returns a Pipe ready to Run.
func New(session *ssh.Session, sink Sink, log *slog.Logger) (*Pipe, error) {
	if log == nil {
		log = slog.Default().With("component", "terminal")
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("terminal: stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("terminal: stdout pipe: %w", err)
	}

	modes := ssh.TerminalModes{ssh.ECHO: 1, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		return nil, fmt.Errorf("terminal: request pty: %w", err)
	}
	if err := session.Shell(); err != nil {
		return nil, fmt.Errorf("terminal: start shell: %w", err)
	}

	return &Pipe{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		resize:  NewResizeQueue(),
		sink:    sink,
		log:     log,
	}, nil
}

// Run blocks until the SSH session ends or ctx is cancelled, streaming
// stdout to the sink and draining resize events. On SSH EOF or error
// it emits one final output message with an ANSI-red error summary,
// then a Disconnected state transition, matching §4.7 exactly.
func (p *Pipe) Run(ctx context.Context) error {
	errc := make(chan error, 2)

	go func() { errc <- p.pumpOutput() }()
	go func() { errc <- p.pumpResize(ctx) }()

	var runErr error
	select {
	case runErr = <-errc:
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	p.resize.Close()
	_ = p.session.Close()

	if runErr != nil {
		summary := fmt.Sprintf("\x1b[31mconnection closed: %v\x1b[0m", runErr)
		_ = p.sink.SendOutput([]byte(summary))
	}
	_ = p.sink.SendState(core.StateDisconnected)

	<-errc // drain the remaining goroutine
	return runErr
}

// WriteInput writes an {type=input} message's payload verbatim to the
// SSH session's stdin.
func (p *Pipe) WriteInput(data []byte) error {
	_, err := p.stdin.Write(data)
	return err
}

// Resize enqueues a {type=resize} message. Out-of-range geometry is
// silently ignored per §4.7.
func (p *Pipe) Resize(cols, rows uint32) {
	if cols < minDim || cols > maxDim || rows < minDim || rows > maxDim {
		return
	}
	p.resize.Set(Size{Cols: cols, Rows: rows})
}

// Close tears down the SSH session and its pipes.
func (p *Pipe) Close() error {
	p.resize.Close()
	return p.session.Close()
}

// pumpOutput reads SSH stdout and forwards coalesced chunks to the
// sink as {type=output} messages until EOF or an error.
func (p *Pipe) pumpOutput() error {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			if sendErr := p.sink.SendOutput(chunk); sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			return err
		}
	}
}

// pumpResize drains resize events and applies them to the SSH PTY.
func (p *Pipe) pumpResize(ctx context.Context) error {
	for {
		size, ok := p.resize.Next()
		if !ok {
			return nil
		}
		if err := p.session.WindowChange(int(size.Rows), int(size.Cols)); err != nil {
			p.log.Warn("window change failed", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
