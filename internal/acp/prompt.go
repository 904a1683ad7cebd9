package acp

import (
	"context"
	"strings"

	"github.com/ferry-agent/ferry/internal/backend"
	"github.com/ferry-agent/ferry/internal/logging"
	"github.com/ferry-agent/ferry/internal/permission"
	"github.com/ferry-agent/ferry/internal/plan"
	"github.com/ferry-agent/ferry/internal/session"
	"github.com/ferry-agent/ferry/pkg/types"
)

// planToolName designates the tool whose arguments are interpreted as a plan
// update. Its side effect applies regardless of the permission outcome.
const planToolName = "update_plan"

// refusalShortLimit is the response length under which refusal phrases are
// matched anywhere in the text, not only at the start. Short replies are
// more likely pure refusals; longer prose that merely mentions refusing must
// not be flagged.
const refusalShortLimit = 200

var refusalPhrases = []string{
	"i can't",
	"i cannot",
	"i won't",
	"i will not",
	"i must decline",
	"i'm unable to",
	"i am unable to",
	"i'm not able to",
	"i am not able to",
}

// Prompt runs one turn: validate, budget, stream or batch the backend
// response, authorize and execute tool calls, detect refusals, and resolve
// with exactly one stop reason.
func (e *Engine) Prompt(ctx context.Context, req PromptRequest) (*PromptResponse, error) {
	if _, err := e.requireInitialized(); err != nil {
		return nil, err
	}

	sess, err := e.sessions.Get(req.SessionID)
	if err != nil {
		return nil, NewInvalidParams("session not found", "session_not_found")
	}

	text := types.JoinedText(req.Prompt)
	if text == "" {
		return nil, NewInvalidParams("prompt needs at least one non-empty content block", "")
	}
	if e.cfg.Turn.MaxPromptBytes > 0 && len(text) > e.cfg.Turn.MaxPromptBytes {
		return nil, NewInvalidParams("prompt content too large", "content_too_large")
	}

	for _, block := range req.Prompt {
		e.notify(sess.ID, types.NewUserMessageChunk(block))
	}

	// A cancellation from before this call belongs to the previous turn.
	// Resolve it now and start the next turn clean.
	if e.cancels.IsCancelled(sess.ID) {
		e.cancels.ResetForNewTurn(sess.ID)
		return &PromptResponse{StopReason: types.StopCancelled, Meta: turnMeta(0, 0)}, nil
	}

	requests, tokens := 0, 0
	if err := e.sessions.Update(sess.ID, func(s *session.Session) error {
		s.TurnRequestCount = 0
		s.TurnTokenCount = 0
		s.AppendHistory(types.NewUserMessageChunk(types.TextBlock(text)))

		s.TurnRequestCount++
		requests = s.TurnRequestCount
		return nil
	}); err != nil {
		return nil, NewInternalError(err)
	}

	if requests > e.cfg.Turn.MaxRequests {
		return &PromptResponse{StopReason: types.StopMaxTurnRequests, Meta: turnMeta(requests, 0)}, nil
	}

	if err := e.sessions.Update(sess.ID, func(s *session.Session) error {
		s.TurnTokenCount += estimateTokens(text)
		tokens = s.TurnTokenCount
		return nil
	}); err != nil {
		return nil, NewInternalError(err)
	}
	if tokens > e.cfg.Turn.MaxTokens {
		return &PromptResponse{StopReason: types.StopMaxTokens, Meta: turnMeta(requests, tokens)}, nil
	}

	stop, finalText, err := e.driveBackend(ctx, sess, text, &tokens)
	if err != nil {
		return nil, err
	}

	if isRefusal(finalText) {
		stop = types.StopRefusal
	}

	// Mid-turn persistence failures are logged, never abort the response.
	if finalText != "" {
		if err := e.sessions.Update(sess.ID, func(s *session.Session) error {
			s.AppendHistory(types.NewAgentMessageChunk(finalText))
			s.TurnTokenCount = tokens
			return nil
		}); err != nil {
			logging.Warn().Err(err).Str("session", sess.ID).Msg("final message not persisted")
		}
	}

	e.cancels.ResetForNewTurn(sess.ID)
	return &PromptResponse{StopReason: stop, Meta: turnMeta(requests, tokens)}, nil
}

// driveBackend consumes the backend chunk stream with a cancellation
// checkpoint before and after every chunk. It returns the stop reason and
// the accumulated response text.
func (e *Engine) driveBackend(ctx context.Context, sess *session.Session, prompt string, tokens *int) (types.StopReason, string, error) {
	opts := backend.QueryOptions{Context: historyContext(sess)}
	if sess.Mode != nil {
		opts.Mode = *sess.Mode
	}

	// The stream gets a per-turn context. Every early exit below abandons the
	// channel; cancelling on return unblocks the producer so the session is
	// not wedged for the next turn.
	ctx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	stream, err := e.backend.QueryStream(ctx, sess.ID, prompt, opts)
	if err != nil {
		return "", "", NewInternalError(err)
	}

	streaming := sess.Caps.Streaming
	stop := types.StopEndTurn
	var accumulated strings.Builder

	for {
		if e.cancels.IsCancelled(sess.ID) {
			return types.StopCancelled, accumulated.String(), nil
		}

		chunk, ok := <-stream
		if !ok {
			break
		}

		if chunk.Content != "" {
			accumulated.WriteString(chunk.Content)
			*tokens += estimateTokens(chunk.Content)
			if streaming {
				e.notify(sess.ID, types.NewAgentMessageChunk(chunk.Content))
			}
			if *tokens > e.cfg.Turn.MaxTokens {
				return types.StopMaxTokens, accumulated.String(), nil
			}
		}

		if chunk.ToolCall != nil {
			if cancelled := e.handleToolCall(ctx, sess, *chunk.ToolCall); cancelled {
				return types.StopCancelled, accumulated.String(), nil
			}
		}

		if chunk.StopReason != "" {
			stop = mapBackendStop(chunk.StopReason)
		}

		if e.cancels.IsCancelled(sess.ID) {
			return types.StopCancelled, accumulated.String(), nil
		}
	}

	if !streaming && accumulated.Len() > 0 {
		e.notify(sess.ID, types.NewAgentMessageChunk(accumulated.String()))
	}
	return stop, accumulated.String(), nil
}

// handleToolCall runs the permission flow for one tool call and executes it
// when allowed, broadcasting and persisting lifecycle updates. It reports
// whether the turn should resolve as cancelled.
func (e *Engine) handleToolCall(ctx context.Context, sess *session.Session, call types.ToolCall) bool {
	// The plan tool's side effect applies regardless of permission outcome.
	if call.Name == planToolName {
		e.applyPlanTool(sess.ID, call)
	}

	start := types.NewToolCallStart(call.ID, call.Name, call.ArgsMap())
	e.notify(sess.ID, start)
	e.appendHistory(sess.ID, start)

	result := e.permissions.Authorize(ctx, sess.ID, call, permission.DefaultOptions())
	switch {
	case result.Cancelled:
		e.recordToolProgress(sess.ID, types.NewToolCallProgress(call.ID, types.ToolCallFailed, "cancelled"))
		return true
	case !result.Allow:
		e.recordToolProgress(sess.ID, types.NewToolCallProgress(call.ID, types.ToolCallFailed, result.Reason))
		return false
	}

	e.recordToolProgress(sess.ID, types.NewToolCallProgress(call.ID, types.ToolCallInProgress, ""))

	output, err := e.executeTool(ctx, sess, call)
	if err != nil {
		logging.Warn().Err(err).Str("session", sess.ID).Str("tool", call.Name).Msg("tool execution failed")
		e.recordToolProgress(sess.ID, types.NewToolCallProgress(call.ID, types.ToolCallFailed, err.Error()))
		return false
	}

	e.recordToolProgress(sess.ID, types.NewToolCallProgress(call.ID, types.ToolCallCompleted, output))
	return false
}

// executeTool dispatches an approved tool call to the matching executor:
// the plan tool is a no-op here (already applied), execute runs through the
// terminal registry, fs tools through the file helpers, and anything else
// is tried against the session's MCP servers.
func (e *Engine) executeTool(ctx context.Context, sess *session.Session, call types.ToolCall) (string, error) {
	args := call.ArgsMap()

	switch call.Name {
	case planToolName:
		return "plan updated", nil

	case "execute", "bash":
		command, _ := args["command"].(string)
		id, err := e.terminals.Create(sess.ID, "/bin/sh", []string{"-c", command}, sess.Cwd, nil, 0)
		if err != nil {
			return "", err
		}
		defer func() { _ = e.terminals.Release(id) }()
		if _, err := e.terminals.WaitForExit(ctx, id); err != nil {
			return "", err
		}
		out, err := e.terminals.Output(id)
		if err != nil {
			return "", err
		}
		return out.Output, nil

	case "read_file":
		path, _ := args["path"].(string)
		resp, err := e.readTextFile(ReadTextFileRequest{SessionID: sess.ID, Path: path})
		if err != nil {
			return "", err
		}
		return resp.Content, nil

	case "write_file":
		path, _ := args["path"].(string)
		content, _ := args["content"].(string)
		if _, err := e.writeTextFile(WriteTextFileRequest{SessionID: sess.ID, Path: path, Content: content}); err != nil {
			return "", err
		}
		return "wrote " + path, nil

	default:
		if e.mcp != nil {
			return e.mcp.CallTool(ctx, sess.ID, call.Name, args)
		}
		return "", NewMethodNotFound("tool: " + call.Name)
	}
}

func (e *Engine) applyPlanTool(sessionID string, call types.ToolCall) {
	entries, err := plan.ParseToolInput(call.Args)
	if err != nil {
		logging.Warn().Err(err).Str("session", sessionID).Msg("plan tool arguments do not parse")
		return
	}
	merged := e.plans.UpdatePlan(sessionID, entries)
	update := types.NewPlanUpdate(plan.Wire(merged))
	e.notify(sessionID, update)
	e.appendHistory(sessionID, update)
}

func (e *Engine) recordToolProgress(sessionID string, update types.ToolCallUpdate) {
	e.notify(sessionID, update)
	e.appendHistory(sessionID, update)
}

func (e *Engine) appendHistory(sessionID string, update any) {
	if err := e.sessions.Update(sessionID, func(s *session.Session) error {
		s.AppendHistory(update)
		return nil
	}); err != nil {
		logging.Warn().Err(err).Str("session", sessionID).Msg("history append failed")
	}
}

// historyContext renders prior message history into backend context
// messages.
func historyContext(sess *session.Session) []backend.ContextMessage {
	var msgs []backend.ContextMessage
	for _, entry := range sess.History {
		switch update := entry.Update.(type) {
		case types.UserMessageChunk:
			msgs = append(msgs, backend.ContextMessage{Role: "user", Content: update.Content.Text})
		case types.AgentMessageChunk:
			msgs = append(msgs, backend.ContextMessage{Role: "assistant", Content: update.Content.Text})
		}
	}
	return msgs
}

func mapBackendStop(reason string) types.StopReason {
	switch types.StopReason(reason) {
	case types.StopEndTurn, types.StopMaxTokens, types.StopMaxTurnRequests, types.StopCancelled, types.StopRefusal:
		return types.StopReason(reason)
	default:
		return types.StopEndTurn
	}
}

// estimateTokens approximates the token cost of text as ceil(len/4).
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// isRefusal reports whether the response reads as a refusal. Leading phrase
// matches always count; contained matches only for short responses.
func isRefusal(text string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if trimmed == "" {
		return false
	}
	for _, phrase := range refusalPhrases {
		if strings.HasPrefix(trimmed, phrase) {
			return true
		}
	}
	if len(trimmed) < refusalShortLimit {
		for _, phrase := range refusalPhrases {
			if strings.Contains(trimmed, phrase) {
				return true
			}
		}
	}
	return false
}

func turnMeta(requests, tokens int) map[string]any {
	return map[string]any{
		"turnRequests": requests,
		"turnTokens":   tokens,
	}
}
