package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openprocess/cpgraph/internal/cpg/compensate"
	"github.com/openprocess/cpgraph/internal/cpg/coordinate"
	"github.com/openprocess/cpgraph/internal/cpg/decide"
	"github.com/openprocess/cpgraph/internal/cpg/eval"
	"github.com/openprocess/cpgraph/internal/cpg/govern"
	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/instance"
	"github.com/openprocess/cpgraph/internal/cpg/ports"
	"github.com/openprocess/cpgraph/internal/cpg/rtctx"
	"github.com/openprocess/cpgraph/internal/cpg/trace"
)

type StepStatus string

const (
	StepExecuted  StepStatus = "EXECUTED"
	StepWaiting   StepStatus = "WAITING"
	StepBlocked   StepStatus = "BLOCKED"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepNoop      StepStatus = "NOOP"
)

// StepResult summarizes one evaluate/decide/execute cycle.
type StepResult struct {
	Status          StepStatus
	ExecutedNodeIDs []string
	Decision        decide.NavigationDecision
	Reasons         []string
}

// Stepper drives one instance through a single orchestration cycle:
// assemble context, build the eligible space, decide, govern, dispatch,
// settle, compensate, trace. Callers serialize access per instance.
type Stepper struct {
	Assembler   *rtctx.Assembler
	Eligibility *eval.EligibilityEvaluator
	Decider     *decide.Decider
	Governor    *govern.Governor
	Registry    *ports.ActionHandlerRegistry
	Coordinator *coordinate.Coordinator
	Compensator *compensate.Handler
	Tracer      *trace.Tracer
	Publisher   ports.EventPublisher
	Expressions ports.ExpressionEvaluator
	Log         zerolog.Logger

	// FailureSignatureLimit breaks deterministic failure cycles: when the
	// same (node, error type) failure repeats this many times the instance
	// fails instead of retrying forever. Zero disables the breaker.
	FailureSignatureLimit int

	sigMu      sync.Mutex
	signatures map[string]map[string]int
}

// Step runs one cycle. Instances in a terminal or suspended status are a
// no-op; a cancelled instance produces no trace at all.
func (s *Stepper) Step(ctx context.Context, g *graph.Graph, in *instance.Instance, principal ports.Principal) (StepResult, error) {
	if in.Status != instance.StatusRunning {
		return StepResult{
			Status:  StepNoop,
			Reasons: []string{fmt.Sprintf("instance %s is %s", in.ID, in.Status)},
		}, nil
	}

	rc := s.Assembler.Assemble(in, principal)
	space := s.gateJoins(g, in.ID, s.Eligibility.Evaluate(ctx, g, in, rc))
	dec := s.Decider.Decide(g, in, space)

	if dec.Type == decide.DecisionWait {
		if _, err := s.Tracer.RecordWait(ctx, in.ID, rc, dec); err != nil {
			return StepResult{}, fmt.Errorf("record wait trace: %w", err)
		}
		return StepResult{Status: StepWaiting, Decision: dec, Reasons: []string{dec.SelectionReason}}, nil
	}

	// A navigation trace is recorded when the decision crossed at least one
	// edge; dispatching an entry or event-activated node is not navigation.
	for _, ca := range dec.SelectedActions {
		if ca.IncomingEdge != nil {
			if _, err := s.Tracer.RecordNavigation(ctx, in.ID, rc, space, dec); err != nil {
				return StepResult{}, fmt.Errorf("record navigation trace: %w", err)
			}
			break
		}
	}

	res := StepResult{Status: StepExecuted, Decision: dec}
	for _, ca := range dec.SelectedActions {
		outcome, err := s.dispatch(ctx, g, in, rc, ca)
		if err != nil {
			return res, err
		}
		res.Reasons = append(res.Reasons, outcome.reason)
		if outcome.executed {
			res.ExecutedNodeIDs = append(res.ExecutedNodeIDs, ca.Node.ID)
		} else if len(dec.SelectedActions) == 1 {
			res.Status = StepBlocked
		}
		if in.Status != instance.StatusRunning {
			break
		}
	}

	switch in.Status {
	case instance.StatusFailed:
		res.Status = StepFailed
		s.cleanupInstance(ctx, in.ID)
	case instance.StatusRunning:
		if s.reachedTerminal(g, in) && len(in.ActiveNodeIDs()) == 0 && !s.Coordinator.HasLiveBranches(in.ID) {
			if err := in.Complete(); err != nil {
				return res, err
			}
			s.publish(ctx, ports.ProcessEvent{
				Type:       "instance.completed",
				InstanceID: in.ID,
				Timestamp:  time.Now().UTC(),
			})
			s.cleanupInstance(ctx, in.ID)
			res.Status = StepCompleted
		}
	}
	return res, nil
}

// StepUntilQuiescent steps repeatedly while progress is being made, bounded
// by maxCycles.
func (s *Stepper) StepUntilQuiescent(ctx context.Context, g *graph.Graph, in *instance.Instance, principal ports.Principal, maxCycles int) (StepResult, error) {
	if maxCycles <= 0 {
		maxCycles = 1
	}
	var last StepResult
	for i := 0; i < maxCycles; i++ {
		res, err := s.Step(ctx, g, in, principal)
		if err != nil {
			return res, err
		}
		last = res
		if res.Status != StepExecuted {
			return last, nil
		}
	}
	return last, nil
}

type dispatchOutcome struct {
	executed bool
	reason   string
}

func (s *Stepper) dispatch(ctx context.Context, g *graph.Graph, in *instance.Instance, rc rtctx.RuntimeContext, ca eval.CandidateAction) (dispatchOutcome, error) {
	node := ca.Node
	wasActive := in.IsActive(node.ID)

	// The attempt index is the count of started executions, zero-based. A
	// redispatched active node reuses its pending record's index.
	attempt := in.ExecutionCount(node.ID)
	if wasActive {
		attempt--
	}
	if attempt < 0 {
		attempt = 0
	}

	gov, err := s.Governor.Govern(ctx, node, in.ID, attempt, rc)
	if err != nil {
		return dispatchOutcome{}, fmt.Errorf("govern node %s: %w", node.ID, err)
	}
	if !gov.Approved {
		if gov.Idempotency == govern.CheckAlreadyExecuted {
			// Identical attempt already recorded: nothing to do, nothing to
			// trace.
			return dispatchOutcome{reason: "node " + node.ID + ": identical execution already recorded"}, nil
		}
		if _, err := s.Tracer.RecordBlocked(ctx, in.ID, node.ID, rc, gov); err != nil {
			return dispatchOutcome{}, fmt.Errorf("record blocked trace: %w", err)
		}
		s.Log.Warn().Str("instance_id", in.ID).Str("node_id", node.ID).
			Strs("reasons", gov.Reasons).Msg("governance rejected dispatch")
		return dispatchOutcome{reason: "node " + node.ID + ": governance rejected"}, nil
	}

	if !wasActive {
		if err := in.StartNodeExecution(node.ID); err != nil {
			return dispatchOutcome{}, err
		}
		if ca.IncomingEdge != nil {
			if ca.IncomingEdge.IsParallel() {
				s.Coordinator.StartBranch(in.ID, ca.IncomingEdge)
			} else {
				s.Coordinator.Advance(in.ID, ca.IncomingEdge.From, node.ID)
			}
		}
		s.emit(ctx, in, node, graph.EmitOnStart, rc, nil)
	}

	result := s.execute(ctx, in, node, attempt, rc)
	return s.settle(ctx, g, in, rc, ca, gov, result)
}

// execute resolves and runs the node's handler, normalizing errors into a
// FAILED result with a failure class.
func (s *Stepper) execute(ctx context.Context, in *instance.Instance, node *graph.Node, attempt int, rc rtctx.RuntimeContext) ports.ActionResult {
	handler, err := s.Registry.Resolve(node.Action)
	if err != nil {
		return ports.ActionResult{Status: ports.ActionFailed, ErrorType: "HANDLER_NOT_FOUND", Err: err}
	}

	ac := ports.ActionContext{
		InstanceID:       in.ID,
		NodeID:           node.ID,
		Action:           node.Action,
		ExecutionCount:   attempt,
		Bindings:         rc.Bindings(),
		Principal:        rc.Principal,
		SubscribedEvents: subscribedTypes(node),
		OccurredEvents:   occurredTypes(rc),
	}

	if node.Action.Config.Async {
		if async, ok := handler.(ports.AsyncActionHandler); ok && async.SupportsAsync() {
			if err := async.ExecuteAsync(ctx, ac); err != nil {
				return ports.ActionResult{Status: ports.ActionFailed, ErrorType: "DISPATCH_FAILED", Err: err}
			}
			return ports.ActionResult{Status: ports.ActionPending}
		}
	}

	execCtx := ctx
	if d := node.Action.Config.Timeout(); d > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	result, err := handler.Execute(execCtx, ac)
	if err != nil {
		result.Status = ports.ActionFailed
		result.Err = err
		if result.ErrorType == "" {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
				result.ErrorType = "TIMEOUT"
			} else {
				result.ErrorType = "HANDLER_ERROR"
			}
		}
	}
	return result
}

func (s *Stepper) settle(ctx context.Context, g *graph.Graph, in *instance.Instance, rc rtctx.RuntimeContext, ca eval.CandidateAction, gov govern.Result, result ports.ActionResult) (dispatchOutcome, error) {
	node := ca.Node
	switch result.Status {
	case ports.ActionCompleted:
		if err := s.completeNode(ctx, g, in, rc, node, gov, result.Output); err != nil {
			return dispatchOutcome{}, err
		}
		return dispatchOutcome{executed: true, reason: "node " + node.ID + " completed"}, nil

	case ports.ActionWaiting, ports.ActionPending:
		status := instance.ExecWaiting
		if result.Status == ports.ActionPending {
			status = instance.ExecPending
		}
		if err := in.MarkNodeWaiting(node.ID, status); err != nil {
			return dispatchOutcome{}, err
		}
		if _, err := s.Tracer.RecordExecution(ctx, in.ID, node.ID, rc, gov, map[string]any{
			"status": string(result.Status),
		}); err != nil {
			return dispatchOutcome{}, fmt.Errorf("record execution trace: %w", err)
		}
		return dispatchOutcome{executed: true, reason: "node " + node.ID + " parked as " + string(status)}, nil

	default:
		errMsg := result.ErrorType
		if result.Err != nil {
			errMsg = fmt.Sprintf("%s: %v", result.ErrorType, result.Err)
		}
		if err := s.applyFailure(ctx, g, in, rc, node, ca.IncomingEdge, gov, result.ErrorType, errMsg); err != nil {
			return dispatchOutcome{}, err
		}
		return dispatchOutcome{executed: true, reason: "node " + node.ID + " failed: " + result.ErrorType}, nil
	}
}

// completeNode settles a successful execution: history, accumulated state,
// retry counters, branch bookkeeping, emissions, and the execution trace.
func (s *Stepper) completeNode(ctx context.Context, g *graph.Graph, in *instance.Instance, rc rtctx.RuntimeContext, node *graph.Node, gov govern.Result, output map[string]any) error {
	if err := in.CompleteNodeExecution(node.ID, output); err != nil {
		return err
	}
	if err := in.UpdateContext(in.Context.WithAccumulated(node.ID, output)); err != nil {
		return err
	}
	s.Compensator.ClearNode(in.ID, node.ID)
	s.Coordinator.NodeCompleted(g, in.ID, node.ID)
	s.clearSignatures(in.ID)
	s.emit(ctx, in, node, graph.EmitOnComplete, rc, output)
	s.publish(ctx, ports.ProcessEvent{
		Type:       "node.completed",
		InstanceID: in.ID,
		NodeID:     node.ID,
		Timestamp:  time.Now().UTC(),
		Payload:    output,
	})
	if _, err := s.Tracer.RecordExecution(ctx, in.ID, node.ID, rc, gov, map[string]any{
		"status": "COMPLETED",
		"output": output,
	}); err != nil {
		return fmt.Errorf("record execution trace: %w", err)
	}
	s.Log.Info().Str("instance_id", in.ID).Str("node_id", node.ID).Msg("node completed")
	return nil
}

// applyFailure resolves compensation for a failed execution and applies the
// chosen strategy. Also the entry point for externally reported failures
// (async handler failure, timer expiry).
func (s *Stepper) applyFailure(ctx context.Context, g *graph.Graph, in *instance.Instance, rc rtctx.RuntimeContext, node *graph.Node, inbound *graph.Edge, gov govern.Result, errorType, errMsg string) error {
	comp := s.Compensator.Resolve(ctx, g, in.ID, node, inbound, errorType, rc.Bindings())

	if limit := s.FailureSignatureLimit; limit > 0 && comp.Strategy == compensate.StrategyRetry {
		if count := s.bumpSignature(in.ID, node.ID, errorType); count >= limit {
			comp = compensate.Action{
				Strategy: compensate.StrategyFail,
				Reason: fmt.Sprintf("failure signature %s|%s repeated %d times (limit %d)",
					node.ID, errorType, count, limit),
			}
		}
	}

	s.Log.Warn().Str("instance_id", in.ID).Str("node_id", node.ID).
		Str("error_type", errorType).Str("strategy", string(comp.Strategy)).
		Msg("node failed, compensation resolved")

	s.publish(ctx, ports.ProcessEvent{
		Type:       "node.failed",
		InstanceID: in.ID,
		NodeID:     node.ID,
		Timestamp:  time.Now().UTC(),
		Payload:    map[string]any{"error_type": errorType, "strategy": string(comp.Strategy)},
	})

	switch comp.Strategy {
	case compensate.StrategyRetry:
		if err := in.FailNodeExecution(node.ID, errMsg); err != nil {
			return err
		}
		// A fresh pending record re-enters the candidate set next cycle
		// under a new attempt index.
		if err := in.StartNodeExecution(node.ID); err != nil {
			return err
		}
		if err := in.MarkNodeWaiting(node.ID, instance.ExecPending); err != nil {
			return err
		}

	case compensate.StrategySkip:
		if err := in.SkipNodeExecution(node.ID, comp.Reason); err != nil {
			return err
		}

	case compensate.StrategyAlternate, compensate.StrategyRollback:
		if err := in.FailNodeExecution(node.ID, errMsg); err != nil {
			return err
		}
		s.Coordinator.NodeFailed(in.ID, node.ID)
		if comp.TargetNodeID != "" && g.FindNode(comp.TargetNodeID) != nil {
			if err := in.StartNodeExecution(comp.TargetNodeID); err != nil {
				return err
			}
			if err := in.MarkNodeWaiting(comp.TargetNodeID, instance.ExecPending); err != nil {
				return err
			}
		}

	case compensate.StrategyEscalate:
		if err := in.FailNodeExecution(node.ID, errMsg); err != nil {
			return err
		}
		s.Coordinator.NodeFailed(in.ID, node.ID)
		if comp.TargetNodeID != "" && g.FindNode(comp.TargetNodeID) != nil {
			if err := in.StartNodeExecution(comp.TargetNodeID); err != nil {
				return err
			}
			if err := in.MarkNodeWaiting(comp.TargetNodeID, instance.ExecPending); err != nil {
				return err
			}
		} else if err := in.Suspend(); err != nil {
			return err
		}

	default:
		if err := in.FailNodeExecution(node.ID, errMsg); err != nil {
			return err
		}
		s.Coordinator.NodeFailed(in.ID, node.ID)
		if err := in.Fail(comp.Reason); err != nil {
			return err
		}
	}

	if _, err := s.Tracer.RecordExecution(ctx, in.ID, node.ID, rc, gov, map[string]any{
		"status":       "FAILED",
		"error_type":   errorType,
		"error":        errMsg,
		"compensation": compensationSnapshot(comp),
	}); err != nil {
		return fmt.Errorf("record execution trace: %w", err)
	}
	return nil
}

// gateJoins drops candidates whose join synchronization has not been
// reached yet.
func (s *Stepper) gateJoins(g *graph.Graph, instanceID string, space eval.EligibleSpace) eval.EligibleSpace {
	if len(space.CandidateActions) == 0 {
		return space
	}
	kept := space.CandidateActions[:0]
	for _, ca := range space.CandidateActions {
		if coordinate.IsJoinTarget(g, ca.Node.ID) {
			if js := s.Coordinator.EvaluateJoin(g, instanceID, ca.Node.ID); !js.CanProceed {
				s.Log.Debug().Str("instance_id", instanceID).Str("node_id", ca.Node.ID).
					Int("completed", js.Completed).Int("relevant", js.Relevant).
					Msg("join target held back")
				continue
			}
		}
		kept = append(kept, ca)
	}
	space.CandidateActions = kept
	return space
}

func (s *Stepper) emit(ctx context.Context, in *instance.Instance, node *graph.Node, timing graph.EmissionTiming, rc rtctx.RuntimeContext, output map[string]any) {
	for _, em := range node.Events.Emissions {
		if em.Timing != timing {
			continue
		}
		payload := output
		if !em.Payload.Empty() && s.Expressions != nil {
			bindings := rc.Bindings()
			if output != nil {
				bindings["output"] = output
			}
			if r := s.Expressions.Evaluate(ctx, em.Payload, bindings); r.Success && r.Result != nil {
				if m, ok := r.Result.(map[string]any); ok {
					payload = m
				} else {
					payload = map[string]any{"value": r.Result}
				}
			}
		}
		s.publish(ctx, ports.ProcessEvent{
			Type:       em.EventType,
			InstanceID: in.ID,
			NodeID:     node.ID,
			Timestamp:  time.Now().UTC(),
			Payload:    payload,
		})
	}
}

func (s *Stepper) publish(ctx context.Context, ev ports.ProcessEvent) {
	if s.Publisher == nil {
		return
	}
	if err := s.Publisher.Publish(ctx, ev); err != nil {
		s.Log.Warn().Err(err).Str("event_type", ev.Type).Msg("event publish failed")
	}
}

// cleanupInstance drops per-instance working state once the instance
// reaches a terminal status.
func (s *Stepper) cleanupInstance(ctx context.Context, instanceID string) {
	if err := s.Governor.Cleanup(ctx, instanceID); err != nil {
		s.Log.Warn().Err(err).Str("instance_id", instanceID).Msg("ledger cleanup failed")
	}
	s.Compensator.CleanupInstance(instanceID)
	s.Coordinator.CleanupInstance(instanceID)
	s.clearSignatures(instanceID)
}

func (s *Stepper) reachedTerminal(g *graph.Graph, in *instance.Instance) bool {
	for _, id := range g.TerminalNodeIDs() {
		if in.HasCompletedNode(id) {
			return true
		}
	}
	return false
}

func (s *Stepper) bumpSignature(instanceID, nodeID, errorType string) int {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	if s.signatures == nil {
		s.signatures = map[string]map[string]int{}
	}
	bucket := s.signatures[instanceID]
	if bucket == nil {
		bucket = map[string]int{}
		s.signatures[instanceID] = bucket
	}
	sig := nodeID + "|" + errorType
	bucket[sig]++
	return bucket[sig]
}

func (s *Stepper) clearSignatures(instanceID string) {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	delete(s.signatures, instanceID)
}

func compensationSnapshot(comp compensate.Action) map[string]any {
	out := map[string]any{
		"strategy": string(comp.Strategy),
		"reason":   comp.Reason,
	}
	if comp.TargetNodeID != "" {
		out["target_node_id"] = comp.TargetNodeID
	}
	if comp.Attempt > 0 {
		out["attempt"] = comp.Attempt
		out["delay_ms"] = comp.Delay.Milliseconds()
	}
	return out
}

func subscribedTypes(node *graph.Node) []string {
	if len(node.Events.Subscriptions) == 0 {
		return nil
	}
	out := make([]string, 0, len(node.Events.Subscriptions))
	for _, sub := range node.Events.Subscriptions {
		out = append(out, sub.EventType)
	}
	return out
}

func occurredTypes(rc rtctx.RuntimeContext) []string {
	if len(rc.Events) == 0 {
		return nil
	}
	out := make([]string, 0, len(rc.Events))
	for _, ev := range rc.Events {
		out = append(out, ev.EventType)
	}
	return out
}
