package permission

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Action is a configured rule outcome.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Policy is the pure decision function gating tool execution. Implementations
// must not block on user interaction; consent is expressed through a
// RequireConsent outcome and orchestrated elsewhere.
type Policy interface {
	Evaluate(toolName string, args json.RawMessage) (Outcome, error)
}

// Rules configures the default policy.
type Rules struct {
	// Default applies when no more specific rule matches.
	Default Action `json:"default,omitempty"`
	// Tools maps tool names to actions.
	Tools map[string]Action `json:"tools,omitempty"`
	// Execute maps command patterns ("git commit *", "rm *", "*") to actions
	// for the shell execution tool.
	Execute map[string]Action `json:"execute,omitempty"`
	// Paths maps glob patterns to actions for file-writing tools.
	Paths map[string]Action `json:"paths,omitempty"`
}

// RulePolicy evaluates tool calls against configured rules. Shell commands
// are parsed so compound invocations are matched per simple command; file
// writes are matched by path glob. When rules for the same call disagree,
// the strictest wins: deny over ask over allow.
type RulePolicy struct {
	rules       Rules
	executeTool string
	writeTool   string
}

// NewRulePolicy builds a policy from rules. executeTool and writeTool name
// the tools whose arguments get command and path matching respectively.
func NewRulePolicy(rules Rules, executeTool, writeTool string) *RulePolicy {
	if rules.Default == "" {
		rules.Default = ActionAsk
	}
	return &RulePolicy{rules: rules, executeTool: executeTool, writeTool: writeTool}
}

// Evaluate implements Policy.
func (p *RulePolicy) Evaluate(toolName string, args json.RawMessage) (Outcome, error) {
	action := p.rules.Default
	if a, ok := p.rules.Tools[toolName]; ok {
		action = a
	}

	switch toolName {
	case p.executeTool:
		if a, err := p.evaluateExecute(args); err != nil {
			return Outcome{}, err
		} else if a != "" {
			action = a
		}
	case p.writeTool:
		if a := p.evaluatePath(args); a != "" {
			action = a
		}
	}

	switch action {
	case ActionAllow:
		return Allowed(), nil
	case ActionDeny:
		return Denied(fmt.Sprintf("tool %q denied by policy", toolName)), nil
	default:
		return RequireConsent(DefaultOptions()), nil
	}
}

// evaluateExecute matches every simple command in the invocation and returns
// the strictest action, or "" when no pattern rule matched.
func (p *RulePolicy) evaluateExecute(args json.RawMessage) (Action, error) {
	if len(p.rules.Execute) == 0 {
		return "", nil
	}

	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &input); err != nil || input.Command == "" {
		return "", nil
	}

	commands, err := ParseShellCommands(input.Command)
	if err != nil {
		return "", err
	}

	var matched []Action
	for _, cmd := range commands {
		if a, ok := p.matchExecuteRule(cmd); ok {
			matched = append(matched, a)
		}
	}
	return strictest(matched), nil
}

// matchExecuteRule tries patterns from most to least specific, the same
// hierarchy used for shell approvals: "git commit *", "git *", "git", "*".
func (p *RulePolicy) matchExecuteRule(cmd ShellCommand) (Action, bool) {
	if cmd.Subcommand != "" {
		if a, ok := p.rules.Execute[cmd.Name+" "+cmd.Subcommand+" *"]; ok {
			return a, true
		}
	}
	if a, ok := p.rules.Execute[cmd.Name+" *"]; ok {
		return a, true
	}
	if a, ok := p.rules.Execute[cmd.Name]; ok && matchCommandPattern(cmd.Name, cmd) {
		return a, true
	}
	if a, ok := p.rules.Execute["*"]; ok {
		return a, true
	}
	return "", false
}

func (p *RulePolicy) evaluatePath(args json.RawMessage) Action {
	if len(p.rules.Paths) == 0 {
		return ""
	}

	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil || input.Path == "" {
		return ""
	}

	// Deterministic order: check patterns sorted, collect all matches,
	// strictest wins.
	patterns := make([]string, 0, len(p.rules.Paths))
	for pattern := range p.rules.Paths {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)

	var matched []Action
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, input.Path); err == nil && ok {
			matched = append(matched, p.rules.Paths[pattern])
		}
	}
	return strictest(matched)
}

func strictest(actions []Action) Action {
	var result Action
	for _, a := range actions {
		switch a {
		case ActionDeny:
			return ActionDeny
		case ActionAsk:
			result = ActionAsk
		case ActionAllow:
			if result == "" {
				result = ActionAllow
			}
		}
	}
	return result
}
