// Package permission provides permission gating for tool execution:
// a pure policy evaluator, a cache of standing "always" preferences, and
// the orchestration of client consent round-trips.
package permission

// OptionKind classifies a consent option. Only the "always" kinds become
// standing preferences.
type OptionKind string

const (
	AllowOnce    OptionKind = "allow_once"
	AllowAlways  OptionKind = "allow_always"
	RejectOnce   OptionKind = "reject_once"
	RejectAlways OptionKind = "reject_always"
)

// IsAllow reports whether selecting this kind permits execution.
func (k OptionKind) IsAllow() bool {
	return k == AllowOnce || k == AllowAlways
}

// IsAlways reports whether selecting this kind persists a preference.
func (k OptionKind) IsAlways() bool {
	return k == AllowAlways || k == RejectAlways
}

// Option is one selectable entry in a client consent dialog.
type Option struct {
	ID   string     `json:"optionId"`
	Name string     `json:"name"`
	Kind OptionKind `json:"kind"`
}

// DefaultOptions is the standard four-way consent dialog.
func DefaultOptions() []Option {
	return []Option{
		{ID: "allow-once", Name: "Allow", Kind: AllowOnce},
		{ID: "allow-always", Name: "Always allow", Kind: AllowAlways},
		{ID: "reject-once", Name: "Reject", Kind: RejectOnce},
		{ID: "reject-always", Name: "Always reject", Kind: RejectAlways},
	}
}

// Decision is the tag of a policy outcome. The set is closed; call sites
// switch exhaustively.
type Decision string

const (
	DecisionAllowed        Decision = "allowed"
	DecisionDenied         Decision = "denied"
	DecisionRequireConsent Decision = "require_consent"
)

// Outcome is a policy evaluation result.
type Outcome struct {
	Decision Decision
	Reason   string   // set for Denied
	Options  []Option // set for RequireConsent
}

// Allowed builds an allow outcome.
func Allowed() Outcome {
	return Outcome{Decision: DecisionAllowed}
}

// Denied builds a deny outcome with a reason.
func Denied(reason string) Outcome {
	return Outcome{Decision: DecisionDenied, Reason: reason}
}

// RequireConsent builds a consent outcome carrying dialog options.
func RequireConsent(options []Option) Outcome {
	if len(options) == 0 {
		options = DefaultOptions()
	}
	return Outcome{Decision: DecisionRequireConsent, Options: options}
}
