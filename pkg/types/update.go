package types

// Session update kinds carried in session/update notifications. The set is
// closed; every update struct below tags itself with one of these.
const (
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
	UpdateCurrentMode       = "current_mode_update"
)

// UserMessageChunk echoes one block of the user's prompt back as an update.
type UserMessageChunk struct {
	SessionUpdate string       `json:"sessionUpdate"`
	Content       ContentBlock `json:"content"`
}

// NewUserMessageChunk builds a user_message_chunk update.
func NewUserMessageChunk(content ContentBlock) UserMessageChunk {
	return UserMessageChunk{SessionUpdate: UpdateUserMessageChunk, Content: content}
}

// AgentMessageChunk carries one block of streamed assistant output.
type AgentMessageChunk struct {
	SessionUpdate string       `json:"sessionUpdate"`
	Content       ContentBlock `json:"content"`
}

// NewAgentMessageChunk builds an agent_message_chunk update.
func NewAgentMessageChunk(text string) AgentMessageChunk {
	return AgentMessageChunk{SessionUpdate: UpdateAgentMessageChunk, Content: TextBlock(text)}
}

// ToolCallStatus is the lifecycle state of a tool call surfaced to the client.
type ToolCallStatus string

const (
	ToolCallPending    ToolCallStatus = "pending"
	ToolCallInProgress ToolCallStatus = "in_progress"
	ToolCallCompleted  ToolCallStatus = "completed"
	ToolCallFailed     ToolCallStatus = "failed"
)

// ToolCallUpdate announces a tool call or a change to one.
type ToolCallUpdate struct {
	SessionUpdate string         `json:"sessionUpdate"`
	ToolCallID    string         `json:"toolCallId"`
	Title         string         `json:"title,omitempty"`
	Status        ToolCallStatus `json:"status,omitempty"`
	RawInput      map[string]any `json:"rawInput,omitempty"`
	RawOutput     string         `json:"rawOutput,omitempty"`
}

// NewToolCallStart builds a tool_call update for a freshly observed call.
func NewToolCallStart(id, title string, input map[string]any) ToolCallUpdate {
	return ToolCallUpdate{
		SessionUpdate: UpdateToolCall,
		ToolCallID:    id,
		Title:         title,
		Status:        ToolCallPending,
		RawInput:      input,
	}
}

// NewToolCallProgress builds a tool_call_update update.
func NewToolCallProgress(id string, status ToolCallStatus, output string) ToolCallUpdate {
	return ToolCallUpdate{
		SessionUpdate: UpdateToolCallUpdate,
		ToolCallID:    id,
		Status:        status,
		RawOutput:     output,
	}
}

// PlanUpdate carries the complete current plan entry set, never a delta.
type PlanUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Entries       []PlanEntryWire `json:"entries"`
}

// PlanEntryWire is one plan entry as it appears on the wire.
type PlanEntryWire struct {
	ID       string `json:"id,omitempty"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// NewPlanUpdate builds a plan update.
func NewPlanUpdate(entries []PlanEntryWire) PlanUpdate {
	return PlanUpdate{SessionUpdate: UpdatePlan, Entries: entries}
}

// CurrentModeUpdate announces a session mode change.
type CurrentModeUpdate struct {
	SessionUpdate string `json:"sessionUpdate"`
	CurrentModeID string `json:"currentModeId"`
}

// NewCurrentModeUpdate builds a current_mode_update update.
func NewCurrentModeUpdate(modeID string) CurrentModeUpdate {
	return CurrentModeUpdate{SessionUpdate: UpdateCurrentMode, CurrentModeID: modeID}
}
