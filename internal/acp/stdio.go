package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ferry-agent/ferry/internal/config"
	"github.com/ferry-agent/ferry/internal/event"
	"github.com/ferry-agent/ferry/internal/logging"
	"github.com/ferry-agent/ferry/internal/permission"
	"github.com/ferry-agent/ferry/internal/recorder"
	"github.com/ferry-agent/ferry/pkg/types"
)

const maxFrameBytes = 16 * 1024 * 1024

// rpcMessage is one newline-delimited JSON-RPC 2.0 frame, request, response
// or notification.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Server speaks newline-delimited JSON-RPC over an in/out stream pair,
// usually stdin/stdout. It owns the engine, pumps broadcast updates out as
// session/update notifications, and performs the agent-to-client
// session/request_permission round-trip.
type Server struct {
	engine *Engine
	events *event.Broadcaster

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *rpcMessage
}

// NewServer wires a server and its engine. The permission flow's client
// round-trip goes through this server.
func NewServer(deps Deps, in io.Reader, out io.Writer) *Server {
	s := &Server{
		events:  deps.Events,
		in:      in,
		out:     out,
		pending: make(map[int64]chan *rpcMessage),
	}

	if deps.Permissions == nil {
		deps.Permissions = permission.NewFlow(
			policyFromConfig(deps.Config),
			permission.NewPreferenceCache(),
			deps.Cancels,
			s,
		)
	}
	s.engine = NewEngine(deps)
	return s
}

// Engine exposes the wired engine, mainly for tests.
func (s *Server) Engine() *Engine {
	return s.engine
}

// policyFromConfig builds the rule policy from loaded configuration.
func policyFromConfig(cfg *config.Config) permission.Policy {
	rules := permission.Rules{Default: permission.ActionAsk}
	if cfg.Permission != nil {
		if cfg.Permission.Default != "" {
			rules.Default = permission.Action(cfg.Permission.Default)
		}
		rules.Tools = toActions(cfg.Permission.Tools)
		rules.Execute = toActions(cfg.Permission.Execute)
		rules.Paths = toActions(cfg.Permission.Paths)
	}
	return permission.NewRulePolicy(rules, "execute", "write_file")
}

func toActions(m map[string]string) map[string]permission.Action {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]permission.Action, len(m))
	for k, v := range m {
		out[k] = permission.Action(v)
	}
	return out
}

// Run reads frames until the input closes or ctx is done. The notification
// pump runs for the same lifetime.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	defer s.engine.Shutdown()

	go s.pumpNotifications(ctx)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.writeError(nil, NewInvalidRequest("frame is not valid JSON"))
			continue
		}

		s.record("in", &msg, line)

		// A frame with no method is a response to one of our own requests.
		if msg.Method == "" {
			s.deliverResponse(&msg)
			continue
		}

		go s.handle(ctx, &msg)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read loop: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, msg *rpcMessage) {
	result, err := s.dispatch(ctx, msg.Method, msg.Params)

	// Notifications get no response frame.
	if len(msg.ID) == 0 {
		if err != nil {
			logging.Debug().Err(err).Str("method", msg.Method).Msg("notification handler failed")
		}
		return
	}

	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = NewInternalError(err)
		}
		s.writeError(msg.ID, rpcErr)
		return
	}
	s.writeResult(msg.ID, result)
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "initialize":
		var req InitializeRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, NewInvalidParams(err.Error(), "")
		}
		return s.engine.Initialize(ctx, req)

	case "authenticate":
		var req AuthenticateRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, NewInvalidParams(err.Error(), "")
		}
		return nil, s.engine.Authenticate(ctx, req)

	case "session/new":
		var req NewSessionRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, NewInvalidParams(err.Error(), "")
		}
		return s.engine.NewSession(ctx, req)

	case "session/load":
		var req LoadSessionRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, NewInvalidParams(err.Error(), "")
		}
		return s.engine.LoadSession(ctx, req)

	case "session/set_mode":
		var req SetSessionModeRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, NewInvalidParams(err.Error(), "")
		}
		return s.engine.SetSessionMode(ctx, req)

	case "session/prompt":
		var req PromptRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, NewInvalidParams(err.Error(), "")
		}
		return s.engine.Prompt(ctx, req)

	case "session/cancel":
		var req CancelNotification
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, NewInvalidParams(err.Error(), "")
		}
		s.engine.Cancel(ctx, req)
		return struct{}{}, nil

	default:
		return s.engine.Dispatch(ctx, method, params)
	}
}

// RequestPermission sends a session/request_permission request to the client
// and waits for its answer, waking early on session cancellation.
func (s *Server) RequestPermission(ctx context.Context, sessionID string, call types.ToolCall, options []permission.Option) (permission.RequestOutcome, error) {
	id := s.nextID.Add(1)
	ch := make(chan *rpcMessage, 1)

	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	// Subscribe before writing the request, then re-check: a cancellation
	// landing between the flow's pre-check and this point has already pushed
	// to subscribers and would otherwise be lost.
	cancelled, unsubscribe := s.engine.cancels.Subscribe()
	defer unsubscribe()
	if s.engine.cancels.IsCancelled(sessionID) {
		return permission.RequestOutcome{Cancelled: true}, nil
	}

	params, err := json.Marshal(RequestPermissionRequest{
		SessionID: sessionID,
		ToolCall:  call,
		Options:   options,
	})
	if err != nil {
		return permission.RequestOutcome{}, err
	}
	idRaw, _ := json.Marshal(id)
	if err := s.write(&rpcMessage{
		JSONRPC: "2.0",
		ID:      idRaw,
		Method:  "session/request_permission",
		Params:  params,
	}); err != nil {
		return permission.RequestOutcome{}, err
	}

	for {
		select {
		case resp := <-ch:
			if resp.Error != nil {
				return permission.RequestOutcome{}, resp.Error
			}
			var body RequestPermissionResponse
			if err := json.Unmarshal(resp.Result, &body); err != nil {
				return permission.RequestOutcome{}, fmt.Errorf("permission response does not parse: %w", err)
			}
			if body.Outcome.Outcome == "cancelled" {
				return permission.RequestOutcome{Cancelled: true}, nil
			}
			return permission.RequestOutcome{OptionID: body.Outcome.OptionID}, nil

		case cancelledID := <-cancelled:
			if cancelledID == sessionID {
				return permission.RequestOutcome{Cancelled: true}, nil
			}

		case <-ctx.Done():
			return permission.RequestOutcome{}, ctx.Err()
		}
	}
}

func (s *Server) deliverResponse(msg *rpcMessage) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		logging.Debug().Msg("response with unknown id shape dropped")
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		logging.Debug().Int64("id", id).Msg("response with no pending request dropped")
		return
	}
	ch <- msg
}

// pumpNotifications forwards broadcast envelopes to the client as
// session/update notifications.
func (s *Server) pumpNotifications(ctx context.Context) {
	updates, unsubscribe, err := s.events.Subscribe(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("notification pump failed to subscribe")
		return
	}
	defer unsubscribe()

	for {
		select {
		case env, ok := <-updates:
			if !ok {
				return
			}
			params, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := s.write(&rpcMessage{
				JSONRPC: "2.0",
				Method:  "session/update",
				Params:  params,
			}); err != nil {
				logging.Debug().Err(err).Msg("notification write failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeResult(id json.RawMessage, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		s.writeError(id, NewInternalError(err))
		return
	}
	_ = s.write(&rpcMessage{JSONRPC: "2.0", ID: id, Result: data})
}

func (s *Server) writeError(id json.RawMessage, rpcErr *RPCError) {
	_ = s.write(&rpcMessage{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

func (s *Server) write(msg *rpcMessage) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.record("out", msg, line)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// record taps raw traffic into the session hierarchy's transcript when
// recording is enabled.
func (s *Server) record(direction string, msg *rpcMessage, raw []byte) {
	sessionID := sessionIDOf(msg)
	if sessionID == "" {
		return
	}
	rec := s.engine.RecorderFor(sessionID)
	if rec == nil {
		return
	}
	if err := rec.Append(recorder.Record{
		Direction: direction,
		SessionID: sessionID,
		Payload:   json.RawMessage(raw),
	}); err != nil {
		logging.Debug().Err(err).Msg("transcript append failed")
	}
}

func sessionIDOf(msg *rpcMessage) string {
	if len(msg.Params) == 0 {
		return ""
	}
	var probe struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(msg.Params, &probe); err != nil {
		return ""
	}
	return probe.SessionID
}
