// Package govern enforces the pre-execution checks: idempotency,
// authorization, and the final policy gate. Nothing dispatches without an
// approved governance result.
package govern

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/ports"
	"github.com/openprocess/cpgraph/internal/cpg/rtctx"
)

type CheckStatus string

const (
	CheckPassed          CheckStatus = "PASSED"
	CheckAlreadyExecuted CheckStatus = "ALREADY_EXECUTED"
	CheckAuthorized      CheckStatus = "AUTHORIZED"
	CheckUnauthorized    CheckStatus = "UNAUTHORIZED"
	CheckFailed          CheckStatus = "FAILED"
	CheckSkipped         CheckStatus = "SKIPPED"
)

type Result struct {
	Approved       bool                 `json:"approved"`
	Idempotency    CheckStatus          `json:"idempotency"`
	Authorization  CheckStatus          `json:"authorization"`
	PolicyGate     CheckStatus          `json:"policy_gate"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	PolicyResults  []ports.PolicyResult `json:"policy_results,omitempty"`
	Reasons        []string             `json:"reasons,omitempty"`
	CheckedAt      time.Time            `json:"checked_at"`
}

type Options struct {
	IdempotencyEnabled   bool
	AuthorizationEnabled bool
	PolicyGateEnabled    bool
}

type Governor struct {
	opts     Options
	ledger   Ledger
	policies ports.PolicyEvaluator
	now      func() time.Time
}

func New(opts Options, ledger Ledger, policies ports.PolicyEvaluator) *Governor {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Governor{
		opts:     opts,
		ledger:   ledger,
		policies: policies,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Govern runs the three checks in order. On approval the idempotency key is
// recorded; a later identical attempt reports ALREADY_EXECUTED.
func (g *Governor) Govern(ctx context.Context, node *graph.Node, instanceID string, executionCount int, rc rtctx.RuntimeContext) (Result, error) {
	res := Result{
		Idempotency:   CheckSkipped,
		Authorization: CheckSkipped,
		PolicyGate:    CheckSkipped,
		CheckedAt:     g.now(),
	}

	if g.opts.IdempotencyEnabled {
		contextHash, err := ContextHash(hashBindings(rc))
		if err != nil {
			return res, fmt.Errorf("context hash: %w", err)
		}
		res.IdempotencyKey = IdempotencyKey(instanceID, node.ID, executionCount, contextHash)
		seen, err := g.ledger.Seen(ctx, instanceID, res.IdempotencyKey)
		if err != nil {
			return res, fmt.Errorf("idempotency ledger: %w", err)
		}
		if seen {
			res.Idempotency = CheckAlreadyExecuted
			res.Reasons = append(res.Reasons, "identical execution already recorded")
			return res, nil
		}
		res.Idempotency = CheckPassed
	}

	if g.opts.AuthorizationEnabled {
		res.Authorization = CheckAuthorized
		required := []string{"execute:" + string(node.Action.Type)}
		if ref := strings.TrimSpace(node.Action.HandlerRef); ref != "" {
			required = append(required, "action:"+ref)
		}
		for _, perm := range required {
			if !rc.Principal.Has(perm) {
				res.Authorization = CheckUnauthorized
				res.Reasons = append(res.Reasons, "UNAUTHORIZED: principal "+rc.Principal.ID+" lacks "+perm)
			}
		}
		if res.Authorization == CheckUnauthorized {
			return res, nil
		}
	}

	if g.opts.PolicyGateEnabled {
		res.PolicyGate = CheckPassed
		bindings := rc.Bindings()
		for _, gate := range node.PolicyGates {
			pr, err := g.policies.EvaluatePolicy(ctx, gate.DecisionRef, bindings)
			if err != nil {
				pr = ports.PolicyResult{GateID: gate.ID, Outcome: graph.PolicyDenied, Reason: err.Error()}
			}
			pr.GateID = gate.ID
			res.PolicyResults = append(res.PolicyResults, pr)
			if pr.Outcome == graph.PolicyDenied {
				res.PolicyGate = CheckFailed
				res.Reasons = append(res.Reasons, fmt.Sprintf("policy gate %s denied: %s", gate.ID, pr.Reason))
			}
		}
		if res.PolicyGate == CheckFailed {
			return res, nil
		}
	}

	res.Approved = true
	if g.opts.IdempotencyEnabled {
		if _, err := g.ledger.Record(ctx, instanceID, res.IdempotencyKey); err != nil {
			return res, fmt.Errorf("record idempotency key: %w", err)
		}
	}
	return res, nil
}

// hashBindings drops the volatile operational signals (current time, active
// node count) so identical decision inputs hash identically across cycles.
func hashBindings(rc rtctx.RuntimeContext) map[string]any {
	b := rc.Bindings()
	delete(b, "signals")
	return b
}

// Cleanup forgets the instance's ledger partition; called on termination.
func (g *Governor) Cleanup(ctx context.Context, instanceID string) error {
	return g.ledger.CleanupInstance(ctx, instanceID)
}
