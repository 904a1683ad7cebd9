package permission

import (
	"context"

	"github.com/ferry-agent/ferry/internal/cancel"
	"github.com/ferry-agent/ferry/internal/logging"
	"github.com/ferry-agent/ferry/pkg/types"
)

// RequestOutcome is the client's answer to a consent dialog.
type RequestOutcome struct {
	Cancelled bool
	OptionID  string
}

// Requester performs the client round-trip for a consent dialog.
type Requester interface {
	RequestPermission(ctx context.Context, sessionID string, call types.ToolCall, options []Option) (RequestOutcome, error)
}

// Result is the final authorization decision for one tool call.
type Result struct {
	Allow     bool
	Cancelled bool
	Reason    string
	OptionID  string // the selected consent option, when a dialog was shown or cached
}

// Flow orchestrates the permission decision for each tool call: preference
// cache first, then policy, then (only for RequireConsent) a client
// round-trip.
type Flow struct {
	policy    Policy
	cache     *PreferenceCache
	coord     *cancel.Coordinator
	requester Requester
}

// NewFlow wires the orchestrator.
func NewFlow(policy Policy, cache *PreferenceCache, coord *cancel.Coordinator, requester Requester) *Flow {
	return &Flow{policy: policy, cache: cache, coord: coord, requester: requester}
}

// Cache exposes the preference cache, mainly for tests and diagnostics.
func (f *Flow) Cache() *PreferenceCache {
	return f.cache
}

// Authorize decides whether the tool call may execute. callerOptions, when
// non-empty, replaces the evaluator's dialog options. A session cancelled at
// the moment permission is requested short-circuits to a cancelled result
// without contacting the evaluator or the client.
func (f *Flow) Authorize(ctx context.Context, sessionID string, call types.ToolCall, callerOptions []Option) Result {
	if f.cancelled(sessionID) {
		return Result{Cancelled: true}
	}

	if pref, ok := f.cache.Get(call.Name); ok {
		res := Result{Allow: pref.Allow, OptionID: pref.OptionID}
		if !pref.Allow {
			res.Reason = "rejected by standing preference"
		}
		return res
	}

	outcome, err := f.policy.Evaluate(call.Name, call.Args)
	if err != nil {
		// An evaluator failure is never surfaced as a protocol fault.
		logging.Warn().Err(err).Str("tool", call.Name).Msg("permission evaluation failed, treating as cancelled")
		return Result{Cancelled: true}
	}

	switch outcome.Decision {
	case DecisionAllowed:
		return Result{Allow: true}

	case DecisionDenied:
		return Result{Reason: outcome.Reason}

	case DecisionRequireConsent:
		options := callerOptions
		if len(options) == 0 {
			options = outcome.Options
		}
		return f.askClient(ctx, sessionID, call, options)

	default:
		logging.Error().Str("decision", string(outcome.Decision)).Msg("unknown policy decision")
		return Result{Cancelled: true}
	}
}

func (f *Flow) askClient(ctx context.Context, sessionID string, call types.ToolCall, options []Option) Result {
	if f.cancelled(sessionID) {
		return Result{Cancelled: true}
	}

	resp, err := f.requester.RequestPermission(ctx, sessionID, call, options)
	if err != nil {
		logging.Warn().Err(err).Str("tool", call.Name).Msg("permission round-trip failed, treating as cancelled")
		return Result{Cancelled: true}
	}
	if resp.Cancelled {
		// No preference is persisted for a cancelled dialog.
		return Result{Cancelled: true}
	}

	opt, ok := findOption(options, resp.OptionID)
	if !ok {
		return Result{Reason: "client selected an unknown option"}
	}

	if opt.Kind.IsAlways() {
		f.cache.Put(call.Name, Preference{Allow: opt.Kind.IsAllow(), OptionID: opt.ID})
	}

	res := Result{Allow: opt.Kind.IsAllow(), OptionID: opt.ID}
	if !res.Allow {
		res.Reason = "rejected by user"
	}
	return res
}

func (f *Flow) cancelled(sessionID string) bool {
	return f.coord.IsCancelled(sessionID) ||
		f.coord.OperationCancelled(sessionID, cancel.OpPermissionRequest)
}

func findOption(options []Option, id string) (Option, bool) {
	for _, opt := range options {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}
