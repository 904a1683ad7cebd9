package permission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulePolicyToolActions(t *testing.T) {
	p := NewRulePolicy(Rules{
		Default: ActionAsk,
		Tools: map[string]Action{
			"read_file":  ActionAllow,
			"dangertool": ActionDeny,
		},
	}, "execute", "write_file")

	out, err := p.Evaluate("read_file", nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllowed, out.Decision)

	out, err = p.Evaluate("dangertool", nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionDenied, out.Decision)
	assert.NotEmpty(t, out.Reason)

	out, err = p.Evaluate("unknown_tool", nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionRequireConsent, out.Decision)
	assert.Len(t, out.Options, 4)
}

func TestRulePolicyExecutePatterns(t *testing.T) {
	p := NewRulePolicy(Rules{
		Default: ActionAllow,
		Execute: map[string]Action{
			"git status *": ActionAllow,
			"git *":        ActionAsk,
			"rm *":         ActionDeny,
		},
	}, "execute", "write_file")

	args := func(cmd string) json.RawMessage {
		data, _ := json.Marshal(map[string]string{"command": cmd})
		return data
	}

	out, err := p.Evaluate("execute", args("git status --short"))
	require.NoError(t, err)
	assert.Equal(t, DecisionAllowed, out.Decision)

	out, err = p.Evaluate("execute", args("git push origin main"))
	require.NoError(t, err)
	assert.Equal(t, DecisionRequireConsent, out.Decision)

	out, err = p.Evaluate("execute", args("rm -rf /tmp/x"))
	require.NoError(t, err)
	assert.Equal(t, DecisionDenied, out.Decision)

	// Compound command: strictest component wins.
	out, err = p.Evaluate("execute", args("git status && rm -rf /"))
	require.NoError(t, err)
	assert.Equal(t, DecisionDenied, out.Decision)
}

func TestRulePolicyPathGlobs(t *testing.T) {
	p := NewRulePolicy(Rules{
		Default: ActionAllow,
		Paths: map[string]Action{
			"/etc/**":      ActionDeny,
			"/tmp/**/*.go": ActionAsk,
		},
	}, "execute", "write_file")

	args := func(path string) json.RawMessage {
		data, _ := json.Marshal(map[string]string{"path": path})
		return data
	}

	out, err := p.Evaluate("write_file", args("/etc/passwd"))
	require.NoError(t, err)
	assert.Equal(t, DecisionDenied, out.Decision)

	out, err = p.Evaluate("write_file", args("/tmp/proj/main.go"))
	require.NoError(t, err)
	assert.Equal(t, DecisionRequireConsent, out.Decision)

	out, err = p.Evaluate("write_file", args("/home/user/notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, DecisionAllowed, out.Decision)
}

func TestParseShellCommands(t *testing.T) {
	cmds, err := ParseShellCommands("git commit -m 'fix bug' && make test")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "git", cmds[0].Name)
	assert.Equal(t, "commit", cmds[0].Subcommand)
	assert.Equal(t, []string{"commit", "-m", "fix bug"}, cmds[0].Args)
	assert.Equal(t, "make", cmds[1].Name)

	_, err = ParseShellCommands("if then fi (")
	assert.Error(t, err)
}

func TestStrictest(t *testing.T) {
	assert.Equal(t, ActionDeny, strictest([]Action{ActionAllow, ActionDeny, ActionAsk}))
	assert.Equal(t, ActionAsk, strictest([]Action{ActionAllow, ActionAsk}))
	assert.Equal(t, ActionAllow, strictest([]Action{ActionAllow}))
	assert.Equal(t, Action(""), strictest(nil))
}
