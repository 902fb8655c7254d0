// Package localbridge is a minimal, single-pane PaneBridge reference
// implementation: it runs the user's shell as a plain subprocess wired to
// pipes. It exists so `lucidity-host serve` is runnable standalone; a real
// terminal multiplexer integration implements host.PaneBridge against its
// own pane registry and is wired in instead of this package.
package localbridge

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/lucidity-sh/lucidity/internal/host"
)

const defaultPaneID = 0

// Bridge runs exactly one pane: the host's login shell.
type Bridge struct {
	mu   sync.Mutex
	cmd  *exec.Cmd
	in   io.WriteCloser
	subs []*subscription
}

// New starts the shell subprocess immediately.
func New() (*Bridge, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("localbridge: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("localbridge: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("localbridge: start shell: %w", err)
	}

	b := &Bridge{cmd: cmd, in: stdin}
	go b.pump(stdout)
	return b, nil
}

func (b *Bridge) pump(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			b.broadcast(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) broadcast(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.push(chunk)
	}
}

func (b *Bridge) ListPanes() ([]host.PaneInfo, error) {
	return []host.PaneInfo{{PaneID: defaultPaneID, Title: "shell"}}, nil
}

func (b *Bridge) SubscribeOutput(paneID int) (host.OutputSubscription, error) {
	if paneID != defaultPaneID {
		return nil, fmt.Errorf("localbridge: no such pane: %d", paneID)
	}
	sub := newSubscription()
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *Bridge) SendInput(paneID int, data []byte) error {
	if paneID != defaultPaneID {
		return fmt.Errorf("localbridge: no such pane: %d", paneID)
	}
	_, err := b.in.Write(data)
	return err
}

func (b *Bridge) SendPaste(paneID int, text string) error {
	return b.SendInput(paneID, []byte(text))
}

// Resize is a no-op: this bridge doesn't allocate a real pty, so there is
// no terminal size to report to the child process.
func (b *Bridge) Resize(paneID int, rows, cols int) error {
	return nil
}

// ClipboardWrites reports no OSC-52 support: detecting clipboard escape
// sequences requires parsing the terminal stream, which is the real
// multiplexer's job.
func (b *Bridge) ClipboardWrites(paneID int) (<-chan string, bool) {
	return nil, false
}

type subscription struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newSubscription() *subscription {
	return &subscription{
		ch:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *subscription) push(chunk []byte) {
	select {
	case s.ch <- chunk:
	default:
	}
}

func (s *subscription) RecvTimeout(d time.Duration) ([]byte, bool, error) {
	select {
	case chunk := <-s.ch:
		return chunk, true, nil
	case <-s.closed:
		return nil, false, fmt.Errorf("localbridge: subscription closed")
	case <-time.After(d):
		return nil, false, nil
	}
}

func (s *subscription) Close() {
	s.once.Do(func() { close(s.closed) })
}
