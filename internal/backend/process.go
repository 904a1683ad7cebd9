package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ferry-agent/ferry/internal/logging"
	"github.com/ferry-agent/ferry/pkg/types"
)

const maxLineBytes = 8 * 1024 * 1024

// wireMessage is the newline-delimited JSON frame exchanged with the backend
// process over its stdio.
type wireMessage struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"sessionId,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	MCPServers []types.MCPServer `json:"mcpServers,omitempty"`
	Prompt     string            `json:"prompt,omitempty"`
	Context    []ContextMessage  `json:"context,omitempty"`
	Mode       string            `json:"mode,omitempty"`

	Modes       []types.SessionMode `json:"modes,omitempty"`
	CurrentMode string              `json:"currentMode,omitempty"`
	Content     string              `json:"content,omitempty"`
	ToolCall    *types.ToolCall     `json:"toolCall,omitempty"`
	StopReason  string              `json:"stopReason,omitempty"`
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	// spawn parameters, kept so the process can be respawned after a mode
	// switch or a crash.
	sessionID  string
	cwd        string
	mcpServers []types.MCPServer

	mu     sync.Mutex // serializes queries; one in flight per session
	broken bool
}

// ProcessClient runs the model backend as a child process per session and
// speaks newline-delimited JSON over its stdio.
type ProcessClient struct {
	command string
	args    []string
	env     []string

	mu    sync.Mutex
	procs map[string]*process
}

var _ Client = (*ProcessClient)(nil)

// NewProcessClient builds a client that spawns command with args for each
// session's backend.
func NewProcessClient(command string, args ...string) *ProcessClient {
	return &ProcessClient{
		command: command,
		args:    args,
		procs:   make(map[string]*process),
	}
}

// WithEnv appends extra KEY=VALUE pairs to the spawned process environment.
func (c *ProcessClient) WithEnv(env []string) *ProcessClient {
	c.env = env
	return c
}

func (c *ProcessClient) spawn(ctx context.Context, sessionID, cwd string, mcpServers []types.MCPServer) (*process, error) {
	var p *process

	op := func() error {
		// Process lifetime is managed by kill/Terminate, never by the caller's
		// ctx: a respawn inside a query must outlive that query.
		cmd := exec.Command(c.command, c.args...)
		cmd.Dir = cwd
		if len(c.env) > 0 {
			cmd.Env = append(os.Environ(), c.env...)
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return backoff.Permanent(err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := cmd.Start(); err != nil {
			return err
		}

		p = &process{
			cmd:        cmd,
			stdin:      stdin,
			reader:     bufio.NewReaderSize(stdout, maxLineBytes),
			sessionID:  sessionID,
			cwd:        cwd,
			mcpServers: mcpServers,
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), 3), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("spawn backend %q: %w", c.command, err)
	}

	logging.Debug().Str("session", sessionID).Str("command", c.command).Msg("backend spawned")
	return p, nil
}

func (p *process) send(msg wireMessage) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := p.stdin.Write(line); err != nil {
		p.broken = true
		return fmt.Errorf("write to backend: %w", err)
	}
	return nil
}

func (p *process) recv() (wireMessage, error) {
	line, err := p.reader.ReadBytes('\n')
	if err != nil {
		p.broken = true
		return wireMessage{}, fmt.Errorf("read from backend: %w", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		p.broken = true
		return wireMessage{}, fmt.Errorf("decode backend message: %w", err)
	}
	return msg, nil
}

func (p *process) handshake() (*Handshake, error) {
	if err := p.send(wireMessage{
		Type:       "handshake",
		SessionID:  p.sessionID,
		Cwd:        p.cwd,
		MCPServers: p.mcpServers,
	}); err != nil {
		return nil, err
	}
	msg, err := p.recv()
	if err != nil {
		return nil, err
	}
	if msg.Type != "handshake" {
		p.broken = true
		return nil, fmt.Errorf("backend handshake: unexpected message type %q", msg.Type)
	}
	return &Handshake{Modes: msg.Modes, CurrentMode: msg.CurrentMode}, nil
}

func (p *process) kill() {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
}

// SpawnAndHandshake starts the backend for a session, replacing any process
// already running for it.
func (c *ProcessClient) SpawnAndHandshake(ctx context.Context, sessionID, cwd string, mcpServers []types.MCPServer) (*Handshake, error) {
	p, err := c.spawn(ctx, sessionID, cwd, mcpServers)
	if err != nil {
		return nil, err
	}

	hs, err := p.handshake()
	if err != nil {
		p.kill()
		return nil, err
	}

	c.mu.Lock()
	old := c.procs[sessionID]
	c.procs[sessionID] = p
	c.mu.Unlock()

	if old != nil {
		old.kill()
	}
	return hs, nil
}

// ensure returns the session's live process, respawning it when the previous
// one was terminated or broke mid stream.
func (c *ProcessClient) ensure(ctx context.Context, sessionID string) (*process, error) {
	c.mu.Lock()
	p, ok := c.procs[sessionID]
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no backend for session %s", sessionID)
	}

	// broken is written by the stream goroutine under p.mu; taking the lock
	// here also waits out a producer that is still winding down.
	p.mu.Lock()
	broken := p.broken
	p.mu.Unlock()
	if !broken {
		return p, nil
	}

	logging.Warn().Str("session", sessionID).Msg("backend gone, respawning")
	fresh, err := c.spawn(ctx, sessionID, p.cwd, p.mcpServers)
	if err != nil {
		return nil, err
	}
	if _, err := fresh.handshake(); err != nil {
		fresh.kill()
		return nil, err
	}

	c.mu.Lock()
	c.procs[sessionID] = fresh
	c.mu.Unlock()
	p.kill()
	return fresh, nil
}

// QueryStream sends one prompt and streams chunks until the backend reports a
// stop reason. Cancelling ctx abandons the stream and marks the process
// broken so the next query respawns it.
func (c *ProcessClient) QueryStream(ctx context.Context, sessionID, prompt string, opts QueryOptions) (<-chan Chunk, error) {
	p, err := c.ensure(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if err := p.send(wireMessage{
		Type:    "query",
		Prompt:  prompt,
		Context: opts.Context,
		Mode:    opts.Mode,
	}); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer p.mu.Unlock()
		defer close(out)
		for {
			msg, err := p.recv()
			if err != nil {
				logging.Error().Err(err).Str("session", sessionID).Msg("backend stream broke")
				p.broken = true
				return
			}
			if msg.Type != "chunk" {
				continue
			}
			chunk := Chunk{Content: msg.Content, ToolCall: msg.ToolCall, StopReason: msg.StopReason}
			select {
			case out <- chunk:
			case <-ctx.Done():
				p.broken = true
				return
			}
			if chunk.StopReason != "" {
				return
			}
		}
	}()
	return out, nil
}

// Terminate kills the session's backend process. Safe to call when none is
// running.
func (c *ProcessClient) Terminate(sessionID string) error {
	c.mu.Lock()
	p, ok := c.procs[sessionID]
	delete(c.procs, sessionID)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	p.kill()
	logging.Debug().Str("session", sessionID).Msg("backend terminated")
	return nil
}
