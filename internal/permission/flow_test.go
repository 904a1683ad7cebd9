package permission

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferry-agent/ferry/internal/cancel"
	"github.com/ferry-agent/ferry/pkg/types"
)

// scriptedRequester answers consent dialogs from a queue.
type scriptedRequester struct {
	outcomes []RequestOutcome
	err      error
	calls    int
	lastOpts []Option
}

func (r *scriptedRequester) RequestPermission(_ context.Context, _ string, _ types.ToolCall, options []Option) (RequestOutcome, error) {
	r.calls++
	r.lastOpts = options
	if r.err != nil {
		return RequestOutcome{}, r.err
	}
	if len(r.outcomes) == 0 {
		return RequestOutcome{Cancelled: true}, nil
	}
	out := r.outcomes[0]
	r.outcomes = r.outcomes[1:]
	return out, nil
}

type fixedPolicy struct {
	outcome Outcome
	err     error
	calls   int
}

func (p *fixedPolicy) Evaluate(string, json.RawMessage) (Outcome, error) {
	p.calls++
	return p.outcome, p.err
}

func newTestFlow(policy Policy, req Requester) (*Flow, *cancel.Coordinator) {
	coord := cancel.NewCoordinator()
	return NewFlow(policy, NewPreferenceCache(), coord, req), coord
}

func TestAllowedSkipsClient(t *testing.T) {
	req := &scriptedRequester{}
	flow, _ := newTestFlow(&fixedPolicy{outcome: Allowed()}, req)

	res := flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t1", Name: "read_file"}, nil)
	assert.True(t, res.Allow)
	assert.Zero(t, req.calls)
}

func TestDeniedSurfacesReason(t *testing.T) {
	flow, _ := newTestFlow(&fixedPolicy{outcome: Denied("not on my watch")}, &scriptedRequester{})

	res := flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t1", Name: "execute"}, nil)
	assert.False(t, res.Allow)
	assert.False(t, res.Cancelled)
	assert.Equal(t, "not on my watch", res.Reason)
}

func TestConsentAllowOnceDoesNotPersist(t *testing.T) {
	req := &scriptedRequester{outcomes: []RequestOutcome{{OptionID: "allow-once"}}}
	flow, _ := newTestFlow(&fixedPolicy{outcome: RequireConsent(nil)}, req)

	res := flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t1", Name: "execute"}, nil)
	assert.True(t, res.Allow)
	assert.Equal(t, "allow-once", res.OptionID)
	assert.Zero(t, flow.Cache().Len(), "once decisions must not be cached")

	// Next call for the same tool goes back to the client.
	req.outcomes = []RequestOutcome{{OptionID: "allow-once"}}
	flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t2", Name: "execute"}, nil)
	assert.Equal(t, 2, req.calls)
}

func TestConsentAlwaysPersists(t *testing.T) {
	req := &scriptedRequester{outcomes: []RequestOutcome{{OptionID: "allow-always"}}}
	policy := &fixedPolicy{outcome: RequireConsent(nil)}
	flow, _ := newTestFlow(policy, req)

	res := flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t1", Name: "execute"}, nil)
	assert.True(t, res.Allow)
	require.Equal(t, 1, flow.Cache().Len())

	// Later evaluations resolve from the cache without policy or client.
	res = flow.Authorize(context.Background(), "s2", types.ToolCall{ID: "t2", Name: "execute"}, nil)
	assert.True(t, res.Allow)
	assert.Equal(t, "allow-always", res.OptionID)
	assert.Equal(t, 1, req.calls)
	assert.Equal(t, 1, policy.calls)
}

func TestConsentRejectAlwaysPersists(t *testing.T) {
	req := &scriptedRequester{outcomes: []RequestOutcome{{OptionID: "reject-always"}}}
	flow, _ := newTestFlow(&fixedPolicy{outcome: RequireConsent(nil)}, req)

	res := flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t1", Name: "execute"}, nil)
	assert.False(t, res.Allow)

	res = flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t2", Name: "execute"}, nil)
	assert.False(t, res.Allow)
	assert.NotEmpty(t, res.Reason)
	assert.Equal(t, 1, req.calls)
}

func TestConsentCancelledPersistsNothing(t *testing.T) {
	req := &scriptedRequester{outcomes: []RequestOutcome{{Cancelled: true}}}
	flow, _ := newTestFlow(&fixedPolicy{outcome: RequireConsent(nil)}, req)

	res := flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t1", Name: "execute"}, nil)
	assert.True(t, res.Cancelled)
	assert.Zero(t, flow.Cache().Len())
}

func TestCallerOptionsOverrideEvaluator(t *testing.T) {
	req := &scriptedRequester{outcomes: []RequestOutcome{{OptionID: "custom-yes"}}}
	flow, _ := newTestFlow(&fixedPolicy{outcome: RequireConsent(DefaultOptions())}, req)

	custom := []Option{
		{ID: "custom-yes", Name: "Go ahead", Kind: AllowOnce},
		{ID: "custom-no", Name: "Stop", Kind: RejectOnce},
	}
	res := flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t1", Name: "execute"}, custom)
	assert.True(t, res.Allow)
	assert.Equal(t, custom, req.lastOpts)
}

func TestCancelledSessionShortCircuits(t *testing.T) {
	req := &scriptedRequester{}
	policy := &fixedPolicy{outcome: RequireConsent(nil)}
	flow, coord := newTestFlow(policy, req)

	coord.MarkCancelled("s1", "stop")
	res := flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t1", Name: "execute"}, nil)
	assert.True(t, res.Cancelled)
	assert.Zero(t, policy.calls, "evaluator must not run for a cancelled session")
	assert.Zero(t, req.calls, "client must not be contacted for a cancelled session")
}

func TestCancelledOperationClassShortCircuits(t *testing.T) {
	req := &scriptedRequester{}
	flow, coord := newTestFlow(&fixedPolicy{outcome: Allowed()}, req)

	coord.AddOperation("s1", cancel.OpPermissionRequest)
	res := flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t1", Name: "execute"}, nil)
	assert.True(t, res.Cancelled)
}

func TestEvaluatorErrorBecomesCancelled(t *testing.T) {
	flow, _ := newTestFlow(&fixedPolicy{err: errors.New("boom")}, &scriptedRequester{})

	res := flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t1", Name: "execute"}, nil)
	assert.True(t, res.Cancelled)
	assert.False(t, res.Allow)
}

func TestRoundTripErrorBecomesCancelled(t *testing.T) {
	req := &scriptedRequester{err: errors.New("pipe closed")}
	flow, _ := newTestFlow(&fixedPolicy{outcome: RequireConsent(nil)}, req)

	res := flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t1", Name: "execute"}, nil)
	assert.True(t, res.Cancelled)
}

func TestUnknownOptionRejected(t *testing.T) {
	req := &scriptedRequester{outcomes: []RequestOutcome{{OptionID: "no-such-option"}}}
	flow, _ := newTestFlow(&fixedPolicy{outcome: RequireConsent(nil)}, req)

	res := flow.Authorize(context.Background(), "s1", types.ToolCall{ID: "t1", Name: "execute"}, nil)
	assert.False(t, res.Allow)
	assert.False(t, res.Cancelled)
	assert.Zero(t, flow.Cache().Len())
}
