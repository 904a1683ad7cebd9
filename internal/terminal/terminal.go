// Package terminal manages client-visible terminals: background processes
// whose output the client can poll, wait on, kill and release.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ferry-agent/ferry/internal/logging"
)

const (
	// DefaultOutputLimit bounds how much combined output a terminal retains.
	DefaultOutputLimit = 30000

	sigkillTimeout = 200 * time.Millisecond
)

// ErrNotFound is returned for unknown or released terminal ids.
var ErrNotFound = errors.New("terminal not found")

// ExitStatus describes how a terminal's process ended.
type ExitStatus struct {
	ExitCode int     `json:"exitCode"`
	Signal   *string `json:"signal,omitempty"`
}

// Output is a point-in-time snapshot of a terminal.
type Output struct {
	Output     string      `json:"output"`
	Truncated  bool        `json:"truncated"`
	ExitStatus *ExitStatus `json:"exitStatus,omitempty"`
}

// boundedBuffer keeps the first limit bytes and drops the rest, remembering
// that it did.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *boundedBuffer) snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf), b.truncated
}

type terminal struct {
	id        string
	sessionID string
	cmd       *exec.Cmd
	output    *boundedBuffer
	done      chan struct{}

	mu   sync.Mutex
	exit *ExitStatus
}

// Registry owns all live terminals across sessions.
type Registry struct {
	mu        sync.Mutex
	terminals map[string]*terminal
}

// NewRegistry creates an empty terminal registry.
func NewRegistry() *Registry {
	return &Registry{terminals: make(map[string]*terminal)}
}

// Create starts command in cwd and returns the new terminal's id. The
// process runs in its own group so Kill can take out its children too.
func (r *Registry) Create(sessionID, command string, args []string, cwd string, env []string, outputLimit int) (string, error) {
	if outputLimit <= 0 {
		outputLimit = DefaultOutputLimit
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), env...)
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	buf := &boundedBuffer{limit: outputLimit}
	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start terminal command: %w", err)
	}

	term := &terminal{
		id:        "term_" + ulid.Make().String(),
		sessionID: sessionID,
		cmd:       cmd,
		output:    buf,
		done:      make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		status := ExitStatus{}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status.ExitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				sig := ws.Signal().String()
				status.Signal = &sig
			}
		} else if err == nil && cmd.ProcessState != nil {
			status.ExitCode = cmd.ProcessState.ExitCode()
		} else if err != nil {
			status.ExitCode = -1
		}

		term.mu.Lock()
		term.exit = &status
		term.mu.Unlock()
		close(term.done)
	}()

	r.mu.Lock()
	r.terminals[term.id] = term
	r.mu.Unlock()

	logging.Debug().Str("terminal", term.id).Str("session", sessionID).Str("command", command).Msg("terminal created")
	return term.id, nil
}

func (r *Registry) get(id string) (*terminal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	term, ok := r.terminals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return term, nil
}

// Output returns the terminal's output so far, with the exit status once the
// process has ended.
func (r *Registry) Output(id string) (Output, error) {
	term, err := r.get(id)
	if err != nil {
		return Output{}, err
	}

	text, truncated := term.output.snapshot()
	term.mu.Lock()
	exit := term.exit
	term.mu.Unlock()
	return Output{Output: text, Truncated: truncated, ExitStatus: exit}, nil
}

// WaitForExit blocks until the terminal's process ends or ctx is done.
func (r *Registry) WaitForExit(ctx context.Context, id string) (ExitStatus, error) {
	term, err := r.get(id)
	if err != nil {
		return ExitStatus{}, err
	}

	select {
	case <-term.done:
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}

	term.mu.Lock()
	defer term.mu.Unlock()
	return *term.exit, nil
}

// Kill terminates the terminal's process group. The terminal stays
// registered so its output remains readable until Release.
func (r *Registry) Kill(id string) error {
	term, err := r.get(id)
	if err != nil {
		return err
	}
	term.kill()
	return nil
}

func (t *terminal) kill() {
	if t.cmd.Process == nil {
		return
	}
	pid := t.cmd.Process.Pid

	if runtime.GOOS == "windows" {
		_ = t.cmd.Process.Kill()
		return
	}

	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-t.done:
	case <-time.After(sigkillTimeout):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

// Release kills the terminal if still running and drops it from the
// registry.
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	term, ok := r.terminals[id]
	delete(r.terminals, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	term.kill()
	return nil
}

// ReleaseSession releases every terminal belonging to a session.
func (r *Registry) ReleaseSession(sessionID string) {
	r.mu.Lock()
	var doomed []*terminal
	for id, term := range r.terminals {
		if term.sessionID == sessionID {
			doomed = append(doomed, term)
			delete(r.terminals, id)
		}
	}
	r.mu.Unlock()

	for _, term := range doomed {
		term.kill()
	}
}
