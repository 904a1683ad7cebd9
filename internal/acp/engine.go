// Package acp implements the agent client protocol engine: version
// negotiation, session lifecycle, the prompt turn state machine, cooperative
// cancellation, and the capability-gated auxiliary methods.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ferry-agent/ferry/internal/backend"
	"github.com/ferry-agent/ferry/internal/cancel"
	"github.com/ferry-agent/ferry/internal/config"
	"github.com/ferry-agent/ferry/internal/editor"
	"github.com/ferry-agent/ferry/internal/event"
	"github.com/ferry-agent/ferry/internal/fsio"
	"github.com/ferry-agent/ferry/internal/logging"
	"github.com/ferry-agent/ferry/internal/mcp"
	"github.com/ferry-agent/ferry/internal/permission"
	"github.com/ferry-agent/ferry/internal/plan"
	"github.com/ferry-agent/ferry/internal/recorder"
	"github.com/ferry-agent/ferry/internal/session"
	"github.com/ferry-agent/ferry/internal/terminal"
	"github.com/ferry-agent/ferry/pkg/types"
)

// Deps are the engine's collaborators, injected at construction.
type Deps struct {
	Config      *config.Config
	Sessions    *session.Store
	Cancels     *cancel.Coordinator
	Events      *event.Broadcaster
	Plans       *plan.Tracker
	Permissions *permission.Flow
	Backend     backend.Client
	MCP         *mcp.Manager
	Terminals   *terminal.Registry
	Buffers     *editor.Buffers
	Recorders   *recorder.Registry // nil disables transcript recording
}

// Engine orchestrates all protocol methods for one client connection.
type Engine struct {
	cfg         *config.Config
	sessions    *session.Store
	cancels     *cancel.Coordinator
	events      *event.Broadcaster
	plans       *plan.Tracker
	permissions *permission.Flow
	backend     backend.Client
	mcp         *mcp.Manager
	terminals   *terminal.Registry
	buffers     *editor.Buffers
	recorders   *recorder.Registry

	agentCaps types.AgentCapabilities

	mu          sync.Mutex
	initialized bool
	clientCaps  types.ClientCapabilities
	version     types.ProtocolVersion
}

// NewEngine wires an engine from its collaborators.
func NewEngine(deps Deps) *Engine {
	return &Engine{
		cfg:         deps.Config,
		sessions:    deps.Sessions,
		cancels:     deps.Cancels,
		events:      deps.Events,
		plans:       deps.Plans,
		permissions: deps.Permissions,
		backend:     deps.Backend,
		mcp:         deps.MCP,
		terminals:   deps.Terminals,
		buffers:     deps.Buffers,
		recorders:   deps.Recorders,
		agentCaps: types.AgentCapabilities{
			LoadSession: true,
			PromptCapabilities: types.PromptCapabilities{
				EmbeddedContext: true,
			},
			MCPCapabilities: types.MCPCapabilities{
				HTTP: deps.Config.MCP.HTTP,
				SSE:  deps.Config.MCP.SSE,
			},
		},
	}
}

// Initialize negotiates the protocol version and exchanges capabilities. A
// supported requested version is echoed back unchanged; an unsupported one
// is substituted with the agent's maximum unless the client asked for strict
// matching, which fails hard with the supported list.
func (e *Engine) Initialize(_ context.Context, req InitializeRequest) (*InitializeResponse, error) {
	negotiated := req.ProtocolVersion
	if !types.VersionSupported(negotiated) {
		if req.StrictVersion {
			return nil, NewProtocolVersionMismatch(req.ProtocolVersion)
		}
		negotiated = types.MaxProtocolVersion()
		logging.Info().
			Int("requested", int(req.ProtocolVersion)).
			Int("negotiated", int(negotiated)).
			Msg("unsupported protocol version, substituting maximum")
	}

	caps, err := parseClientCapabilities(req.ClientCapabilities)
	if err != nil {
		return nil, NewInvalidParams(err.Error(), "invalid_capabilities")
	}

	e.mu.Lock()
	e.initialized = true
	e.clientCaps = caps
	e.version = negotiated
	e.mu.Unlock()

	return &InitializeResponse{
		ProtocolVersion:   negotiated,
		AgentCapabilities: e.agentCaps,
		AuthMethods:       []types.AuthMethod{},
	}, nil
}

// Authenticate always fails: this agent declares zero auth methods.
func (e *Engine) Authenticate(_ context.Context, _ AuthenticateRequest) error {
	return NewMethodNotFound("authenticate")
}

func (e *Engine) requireInitialized() (types.ClientCapabilities, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return types.ClientCapabilities{}, NewInvalidRequest("initialize must be called first")
	}
	return e.clientCaps, nil
}

// NewSession validates MCP transports, creates the session record, connects
// MCP servers and spawns the model backend. A backend spawn failure is
// logged and the session still created; prompts will fail until a respawn
// succeeds.
func (e *Engine) NewSession(ctx context.Context, req NewSessionRequest) (*NewSessionResponse, error) {
	caps, err := e.requireInitialized()
	if err != nil {
		return nil, err
	}
	if req.Cwd == "" {
		return nil, NewInvalidParams("cwd is required", "")
	}
	if err := mcp.ValidateTransports(req.MCPServers, e.agentCaps.MCPCapabilities); err != nil {
		return nil, NewInvalidParams(err.Error(), "transport_capability_mismatch")
	}

	sess := e.sessions.Create(req.Cwd, caps)
	if err := e.sessions.Update(sess.ID, func(s *session.Session) error {
		s.MCPServers = req.MCPServers
		s.ParentID = req.ParentSessionID
		return nil
	}); err != nil {
		return nil, NewInternalError(err)
	}

	if e.recorders != nil {
		if _, err := e.recorders.ForRoot(e.rootOf(sess.ID)); err != nil {
			logging.Warn().Err(err).Str("session", sess.ID).Msg("transcript recorder unavailable")
		}
	}

	if e.mcp != nil {
		e.mcp.Connect(ctx, sess.ID, req.MCPServers)
	}

	resp := &NewSessionResponse{SessionID: sess.ID}
	hs, err := e.backend.SpawnAndHandshake(ctx, sess.ID, req.Cwd, req.MCPServers)
	if err != nil {
		logging.Error().Err(err).Str("session", sess.ID).Msg("backend spawn failed, session created anyway")
		return resp, nil
	}

	// Modes are only surfaced when one is actually active; never synthesize
	// a default.
	if hs.CurrentMode != "" {
		mode := hs.CurrentMode
		if err := e.sessions.Update(sess.ID, func(s *session.Session) error {
			s.Mode = &mode
			s.Modes = hs.Modes
			return nil
		}); err != nil {
			return nil, NewInternalError(err)
		}
		resp.Modes = &types.SessionModeState{
			CurrentModeID:  hs.CurrentMode,
			AvailableModes: hs.Modes,
		}
	}
	return resp, nil
}

// LoadSession replays the session's full history as notifications, in
// original order with replay markers, and only acks after every update has
// been enqueued.
func (e *Engine) LoadSession(ctx context.Context, req LoadSessionRequest) (*LoadSessionResponse, error) {
	if _, err := e.requireInitialized(); err != nil {
		return nil, err
	}
	if err := session.ValidateID(req.SessionID); err != nil {
		return nil, NewInvalidParams("malformed session id", "")
	}
	if err := mcp.ValidateTransports(req.MCPServers, e.agentCaps.MCPCapabilities); err != nil {
		return nil, NewInvalidParams(err.Error(), "transport_capability_mismatch")
	}

	sess, err := e.sessions.Get(req.SessionID)
	if err != nil {
		return nil, NewInvalidParams("session not found", "session_not_found")
	}

	for _, entry := range sess.History {
		env, err := event.NewEnvelope(sess.ID, entry.Update)
		if err != nil {
			logging.Warn().Err(err).Str("session", sess.ID).Msg("history entry does not marshal, skipping replay")
			continue
		}
		env.Meta = map[string]any{
			"historicalReplay": true,
			"timestamp":        entry.Timestamp.Format(time.RFC3339Nano),
		}
		if err := e.events.Send(env); err != nil {
			logging.Debug().Err(err).Str("session", sess.ID).Msg("replay notification dropped")
		}
	}

	resp := &LoadSessionResponse{}
	if sess.Mode != nil {
		resp.Modes = &types.SessionModeState{
			CurrentModeID:  *sess.Mode,
			AvailableModes: sess.Modes,
		}
	}
	return resp, nil
}

// SetSessionMode switches the backend persona. An unknown mode id fails with
// invalid params and mutates nothing; an actual change terminates the
// backend so the next prompt respawns it in the new mode.
func (e *Engine) SetSessionMode(_ context.Context, req SetSessionModeRequest) (*SetSessionModeResponse, error) {
	if _, err := e.requireInitialized(); err != nil {
		return nil, err
	}
	sess, err := e.sessions.Get(req.SessionID)
	if err != nil {
		return nil, NewInvalidParams("session not found", "session_not_found")
	}

	known := false
	for _, mode := range sess.Modes {
		if mode.ID == req.ModeID {
			known = true
			break
		}
	}
	if !known {
		return nil, NewInvalidParams("unknown mode id: "+req.ModeID, "unknown_mode")
	}

	if sess.Mode != nil && *sess.Mode == req.ModeID {
		return &SetSessionModeResponse{}, nil
	}

	update := types.NewCurrentModeUpdate(req.ModeID)
	if err := e.sessions.Update(req.SessionID, func(s *session.Session) error {
		mode := req.ModeID
		s.Mode = &mode
		s.AppendHistory(update)
		return nil
	}); err != nil {
		return nil, NewInternalError(err)
	}

	if err := e.backend.Terminate(req.SessionID); err != nil {
		logging.Warn().Err(err).Str("session", req.SessionID).Msg("backend termination failed on mode switch")
	}

	e.notify(req.SessionID, update)
	return &SetSessionModeResponse{}, nil
}

// Cancel marks the session cancelled, registers the three activity classes
// and emits a best-effort notification. It never fails; every sub-step error
// is logged and swallowed.
func (e *Engine) Cancel(_ context.Context, req CancelNotification) {
	reason := req.Reason
	if reason == "" {
		reason = "client requested cancellation"
	}

	e.cancels.MarkCancelled(req.SessionID, reason)
	for _, op := range []string{cancel.OpBackendRequest, cancel.OpToolExecution, cancel.OpPermissionRequest} {
		e.cancels.AddOperation(req.SessionID, op)
	}

	notice := struct {
		SessionUpdate string `json:"sessionUpdate"`
		Reason        string `json:"reason"`
	}{SessionUpdate: "cancelled", Reason: reason}
	e.notify(req.SessionID, notice)

	logging.Info().Str("session", req.SessionID).Str("reason", reason).Msg("session cancelled")
}

// Dispatch routes the auxiliary methods (fs, terminal, editor), each gated
// by the session's declared client capability. A missing capability fails
// that operation only, never the connection.
func (e *Engine) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if _, err := e.requireInitialized(); err != nil {
		return nil, err
	}

	switch method {
	case "fs/read_text_file":
		var req ReadTextFileRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, NewInvalidParams(err.Error(), "")
		}
		return e.readTextFile(req)

	case "fs/write_text_file":
		var req WriteTextFileRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, NewInvalidParams(err.Error(), "")
		}
		return e.writeTextFile(req)

	case "terminal/create":
		var req CreateTerminalRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, NewInvalidParams(err.Error(), "")
		}
		sess, err := e.terminalSession(req.SessionID)
		if err != nil {
			return nil, err
		}
		cwd := req.Cwd
		if cwd == "" {
			cwd = sess.Cwd
		}
		id, err := e.terminals.Create(req.SessionID, req.Command, req.Args, cwd, req.Env, req.OutputByteLimit)
		if err != nil {
			return nil, NewInternalError(err)
		}
		return &CreateTerminalResponse{TerminalID: id}, nil

	case "terminal/output":
		req, err := e.terminalRequest(params)
		if err != nil {
			return nil, err
		}
		out, err := e.terminals.Output(req.TerminalID)
		if err != nil {
			return nil, mapTerminalError(err)
		}
		return &TerminalOutputResponse{Output: out}, nil

	case "terminal/wait_for_exit":
		req, err := e.terminalRequest(params)
		if err != nil {
			return nil, err
		}
		status, err := e.terminals.WaitForExit(ctx, req.TerminalID)
		if err != nil {
			return nil, mapTerminalError(err)
		}
		return &WaitForExitResponse{ExitStatus: status}, nil

	case "terminal/kill":
		req, err := e.terminalRequest(params)
		if err != nil {
			return nil, err
		}
		if err := e.terminals.Kill(req.TerminalID); err != nil {
			return nil, mapTerminalError(err)
		}
		return struct{}{}, nil

	case "terminal/release":
		req, err := e.terminalRequest(params)
		if err != nil {
			return nil, err
		}
		if err := e.terminals.Release(req.TerminalID); err != nil {
			return nil, mapTerminalError(err)
		}
		return struct{}{}, nil

	case "editor/update_buffers":
		var req UpdateBuffersRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, NewInvalidParams(err.Error(), "")
		}
		if _, err := e.sessions.Get(req.SessionID); err != nil {
			return nil, NewInvalidParams("session not found", "session_not_found")
		}
		return &UpdateBuffersResponse{Changes: e.buffers.Update(req.Buffers)}, nil

	default:
		return nil, NewMethodNotFound(method)
	}
}

func (e *Engine) readTextFile(req ReadTextFileRequest) (*ReadTextFileResponse, error) {
	sess, err := e.sessions.Get(req.SessionID)
	if err != nil {
		return nil, NewInvalidParams("session not found", "session_not_found")
	}
	if !sess.Caps.FS.ReadTextFile {
		return nil, NewInvalidParams("client did not declare fs.readTextFile", "capability_missing")
	}

	// An unsaved editor buffer shadows the on-disk content.
	if content, ok := e.buffers.Get(req.Path); ok && req.Line == 0 && req.Limit == 0 {
		return &ReadTextFileResponse{Content: content}, nil
	}

	content, err := fsio.ReadTextFile(req.Path, req.Line, req.Limit, e.cfg.Turn.MaxPromptBytes)
	if err != nil {
		return nil, mapFileError(err)
	}
	return &ReadTextFileResponse{Content: content}, nil
}

func (e *Engine) writeTextFile(req WriteTextFileRequest) (*WriteTextFileResponse, error) {
	sess, err := e.sessions.Get(req.SessionID)
	if err != nil {
		return nil, NewInvalidParams("session not found", "session_not_found")
	}
	if !sess.Caps.FS.WriteTextFile {
		return nil, NewInvalidParams("client did not declare fs.writeTextFile", "capability_missing")
	}

	if err := fsio.WriteFileAtomic(req.Path, []byte(req.Content), e.cfg.Turn.MaxPromptBytes); err != nil {
		return nil, mapFileError(err)
	}
	return &WriteTextFileResponse{}, nil
}

func (e *Engine) terminalSession(sessionID string) (*session.Session, error) {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, NewInvalidParams("session not found", "session_not_found")
	}
	if !sess.Caps.Terminal {
		return nil, NewInvalidParams("client did not declare the terminal capability", "capability_missing")
	}
	return sess, nil
}

func (e *Engine) terminalRequest(params json.RawMessage) (TerminalRequest, error) {
	var req TerminalRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return req, NewInvalidParams(err.Error(), "")
	}
	if _, err := e.terminalSession(req.SessionID); err != nil {
		return req, err
	}
	return req, nil
}

func mapFileError(err error) *RPCError {
	switch {
	case errors.Is(err, fsio.ErrContentTooLarge):
		return NewInvalidParams(err.Error(), "content_too_large")
	case fsio.IsNotFound(err):
		return NewInvalidParams(err.Error(), "file_not_found")
	case fsio.IsPermission(err):
		return NewInvalidParams(err.Error(), "permission_denied")
	default:
		return NewInternalError(err)
	}
}

func mapTerminalError(err error) *RPCError {
	if errors.Is(err, terminal.ErrNotFound) {
		return NewInvalidParams(err.Error(), "terminal_not_found")
	}
	return NewInternalError(err)
}

// notify broadcasts an update best-effort. Required state lives in the
// session table; a dropped notification is logged, never fatal.
func (e *Engine) notify(sessionID string, update any) {
	env, err := event.NewEnvelope(sessionID, update)
	if err != nil {
		logging.Warn().Err(err).Str("session", sessionID).Msg("update does not marshal")
		return
	}
	if err := e.events.Send(env); err != nil {
		logging.Debug().Err(err).Str("session", sessionID).Msg("notification dropped")
	}
}

// rootOf walks parent links to the root of a session hierarchy.
func (e *Engine) rootOf(sessionID string) string {
	root := sessionID
	for {
		sess, err := e.sessions.Get(root)
		if err != nil || sess.ParentID == "" {
			return root
		}
		root = sess.ParentID
	}
}

// RecorderFor returns the transcript recorder shared by the session's
// hierarchy, or nil when recording is disabled.
func (e *Engine) RecorderFor(sessionID string) *recorder.Recorder {
	if e.recorders == nil {
		return nil
	}
	rec, err := e.recorders.ForRoot(e.rootOf(sessionID))
	if err != nil {
		logging.Warn().Err(err).Str("session", sessionID).Msg("transcript recorder unavailable")
		return nil
	}
	return rec
}

// Shutdown terminates backends and closes collaborators, best-effort.
func (e *Engine) Shutdown() {
	for _, id := range e.sessions.List() {
		if err := e.backend.Terminate(id); err != nil {
			logging.Warn().Err(err).Str("session", id).Msg("backend termination failed on shutdown")
		}
		e.terminals.ReleaseSession(id)
	}
	if e.mcp != nil {
		_ = e.mcp.Close()
	}
	if e.recorders != nil {
		_ = e.recorders.Close()
	}
}
