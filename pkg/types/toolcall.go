package types

import "encoding/json"

// ToolCall is one tool invocation requested by the model backend. Arguments
// stay opaque; the engine only inspects them for designated tools (the plan
// tool) and hands them to executors otherwise.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ArgsMap decodes the arguments into a generic map for display purposes.
// Undecodable arguments yield an empty map, never an error.
func (tc ToolCall) ArgsMap() map[string]any {
	out := map[string]any{}
	if len(tc.Args) == 0 {
		return out
	}
	_ = json.Unmarshal(tc.Args, &out)
	return out
}
