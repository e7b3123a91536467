// Package orchestrator is the top of the stack: the process orchestrator
// owns the event queue, per-instance serialization, timer expiry, and the
// instance lifecycle API; the stepper underneath it drives one instance
// through a single evaluate/decide/govern/execute cycle.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openprocess/cpgraph/internal/cpg/compensate"
	"github.com/openprocess/cpgraph/internal/cpg/coordinate"
	"github.com/openprocess/cpgraph/internal/cpg/cpgerr"
	"github.com/openprocess/cpgraph/internal/cpg/decide"
	"github.com/openprocess/cpgraph/internal/cpg/eval"
	"github.com/openprocess/cpgraph/internal/cpg/events"
	"github.com/openprocess/cpgraph/internal/cpg/govern"
	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/instance"
	"github.com/openprocess/cpgraph/internal/cpg/ports"
	"github.com/openprocess/cpgraph/internal/cpg/rtctx"
	"github.com/openprocess/cpgraph/internal/cpg/store"
	"github.com/openprocess/cpgraph/internal/cpg/trace"
)

type Options struct {
	// EventQueueCapacity bounds the signal queue; a full queue rejects
	// events after EnqueueTimeout.
	EventQueueCapacity int
	EnqueueTimeout     time.Duration

	// EvaluationInterval drives the timer sweep that fires TIMER_EXPIRED
	// for overdue waiting nodes. Zero disables the sweep.
	EvaluationInterval time.Duration

	// MaxCyclesPerSignal bounds how far one signal may advance an instance.
	MaxCyclesPerSignal int

	// FailureSignatureLimit breaks deterministic failure cycles.
	FailureSignatureLimit int

	Governance     govern.Options
	TracingEnabled bool

	// TraceRetention prunes traces older than this during the timer sweep.
	// Zero keeps everything.
	TraceRetention time.Duration
}

func (o *Options) applyDefaults() {
	if o.EventQueueCapacity <= 0 {
		o.EventQueueCapacity = 256
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = 2 * time.Second
	}
	if o.MaxCyclesPerSignal <= 0 {
		o.MaxCyclesPerSignal = 64
	}
	if o.FailureSignatureLimit <= 0 {
		o.FailureSignatureLimit = 5
	}
}

// Deps are the bound engines and stores. Nil repositories fall back to the
// in-memory implementations; a nil publisher discards events.
type Deps struct {
	Graphs      ports.GraphRepository
	Instances   ports.InstanceRepository
	Traces      trace.Repository
	Expressions ports.ExpressionEvaluator
	Rules       ports.RuleEvaluator
	Policies    ports.PolicyEvaluator
	Handlers    *ports.ActionHandlerRegistry
	Ledger      govern.Ledger
	Publisher   ports.EventPublisher
	Catalog     *events.Catalog
	Logger      zerolog.Logger
}

type Orchestrator struct {
	opts      Options
	graphs    ports.GraphRepository
	instances ports.InstanceRepository
	stepper   *Stepper
	tracer    *trace.Tracer
	bridge    *events.Bridge
	log       zerolog.Logger

	queue chan events.OrchestrationEvent

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	principals map[string]ports.Principal
	closed     bool

	progressMu   sync.Mutex
	progressSink func(map[string]any)

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(opts Options, deps Deps) *Orchestrator {
	opts.applyDefaults()
	if deps.Graphs == nil {
		deps.Graphs = store.NewMemoryGraphRepository()
	}
	if deps.Instances == nil {
		deps.Instances = store.NewMemoryInstanceRepository()
	}
	if deps.Traces == nil {
		deps.Traces = store.NewMemoryTraceRepository()
	}
	if deps.Handlers == nil {
		deps.Handlers = ports.NewRegistry()
	}
	if deps.Publisher == nil {
		deps.Publisher = ports.NopPublisher{}
	}
	if deps.Catalog == nil {
		deps.Catalog = events.DefaultCatalog()
	}

	tracer := trace.NewTracer(deps.Traces)
	tracer.Enabled = opts.TracingEnabled

	nodes := &eval.NodeEvaluator{Expressions: deps.Expressions, Rules: deps.Rules, Policies: deps.Policies}
	edges := &eval.EdgeEvaluator{Expressions: deps.Expressions}
	compensator := compensate.NewHandler()
	compensator.Expressions = deps.Expressions

	log := deps.Logger.With().Str("component", "orchestrator").Logger()

	stepper := &Stepper{
		Assembler:             rtctx.NewAssembler(),
		Eligibility:           eval.NewEligibilityEvaluator(nodes, edges),
		Decider:               decide.New(),
		Governor:              govern.New(opts.Governance, deps.Ledger, deps.Policies),
		Registry:              deps.Handlers,
		Coordinator:           coordinate.New(),
		Compensator:           compensator,
		Tracer:                tracer,
		Publisher:             deps.Publisher,
		Expressions:           deps.Expressions,
		Log:                   log,
		FailureSignatureLimit: opts.FailureSignatureLimit,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:       opts,
		graphs:     deps.Graphs,
		instances:  deps.Instances,
		stepper:    stepper,
		tracer:     tracer,
		bridge:     events.NewBridge(deps.Catalog),
		log:        log,
		queue:      make(chan events.OrchestrationEvent, opts.EventQueueCapacity),
		locks:      map[string]*sync.Mutex{},
		principals: map[string]ports.Principal{},
		runCtx:     runCtx,
		runCancel:  runCancel,
	}

	o.wg.Add(1)
	go o.worker()
	if opts.EvaluationInterval > 0 {
		o.wg.Add(1)
		go o.timerSweep()
	}
	return o
}

// SetProgressSink installs an observer for structured progress events.
func (o *Orchestrator) SetProgressSink(sink func(map[string]any)) {
	o.progressMu.Lock()
	o.progressSink = sink
	o.progressMu.Unlock()
}

func (o *Orchestrator) appendProgress(ev map[string]any) {
	o.progressMu.Lock()
	sink := o.progressSink
	o.progressMu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// Tracer exposes the trace read side.
func (o *Orchestrator) Tracer() *trace.Tracer { return o.tracer }

// RegisterGraph validates and stores a graph definition.
func (o *Orchestrator) RegisterGraph(ctx context.Context, g *graph.Graph) error {
	diags := g.Validate()
	if graph.Invalid(diags) {
		return cpgerr.New(cpgerr.KindInvalidInput, "graph %s: %s", g.Key(), graph.ValidationSummary(diags))
	}
	return o.graphs.SaveGraph(ctx, g)
}

// StartInstance creates a RUNNING instance pinned to the graph's version and
// drives it until it quiesces.
func (o *Orchestrator) StartInstance(ctx context.Context, g *graph.Graph, init instance.ExecutionContext, principal ports.Principal, correlationID string) (*instance.Instance, error) {
	if err := o.RegisterGraph(ctx, g); err != nil {
		return nil, err
	}
	if g.Status != graph.StatusPublished {
		return nil, cpgerr.New(cpgerr.KindInvalidState, "graph %s is %s, not PUBLISHED", g.Key(), g.Status)
	}

	in := instance.New(g.ID, g.Version, correlationID, init)
	o.mu.Lock()
	o.principals[in.ID] = principal
	o.mu.Unlock()

	o.appendProgress(map[string]any{
		"event":       "instance_started",
		"instance_id": in.ID,
		"graph":       g.Key(),
	})
	o.log.Info().Str("instance_id", in.ID).Str("graph", g.Key()).Msg("instance started")

	unlock := o.lockInstance(in.ID)
	defer unlock()
	if _, err := o.stepper.StepUntilQuiescent(ctx, g, in, principal, o.opts.MaxCyclesPerSignal); err != nil {
		return in, err
	}
	if err := o.instances.SaveInstance(ctx, in); err != nil {
		return in, err
	}
	return in, nil
}

// Signal enqueues an orchestration event. A full queue rejects the event
// after the enqueue timeout rather than blocking the caller.
func (o *Orchestrator) Signal(ctx context.Context, ev events.OrchestrationEvent) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return cpgerr.New(cpgerr.KindInvalidState, "orchestrator is shutting down")
	}
	if ev.Kind == events.KindDomainEvent {
		if err := o.bridge.Catalog().ValidatePayload(ev.EventType, ev.Payload); err != nil {
			return err
		}
	}
	timer := time.NewTimer(o.opts.EnqueueTimeout)
	defer timer.Stop()
	select {
	case o.queue <- ev:
		return nil
	case <-timer.C:
		return cpgerr.New(cpgerr.KindEventRejected, "event queue full (capacity %d)", o.opts.EventQueueCapacity)
	case <-ctx.Done():
		return ctx.Err()
	case <-o.runCtx.Done():
		return cpgerr.New(cpgerr.KindInvalidState, "orchestrator is shutting down")
	}
}

// SignalProcessEvent translates a low-level process event and enqueues it.
func (o *Orchestrator) SignalProcessEvent(ctx context.Context, pe ports.ProcessEvent) error {
	return o.Signal(ctx, o.bridge.Translate(pe))
}

// Status returns the persisted view of an instance.
func (o *Orchestrator) Status(ctx context.Context, instanceID string) (*instance.Instance, error) {
	return o.instances.FindInstance(ctx, instanceID)
}

func (o *Orchestrator) Suspend(ctx context.Context, instanceID string) error {
	return o.withInstance(ctx, instanceID, func(in *instance.Instance, _ *graph.Graph) error {
		if err := in.Suspend(); err != nil {
			return err
		}
		o.appendProgress(map[string]any{"event": "instance_suspended", "instance_id": instanceID})
		return nil
	})
}

// Resume moves a suspended instance back to RUNNING and re-evaluates it.
func (o *Orchestrator) Resume(ctx context.Context, instanceID string) error {
	return o.withInstance(ctx, instanceID, func(in *instance.Instance, g *graph.Graph) error {
		if err := in.Resume(); err != nil {
			return err
		}
		o.appendProgress(map[string]any{"event": "instance_resumed", "instance_id": instanceID})
		_, err := o.stepper.StepUntilQuiescent(ctx, g, in, o.principalFor(in.ID), o.opts.MaxCyclesPerSignal)
		return err
	})
}

// Cancel terminates an instance. Cancelling twice is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID string) error {
	return o.withInstance(ctx, instanceID, func(in *instance.Instance, _ *graph.Graph) error {
		if in.Status == instance.StatusCancelled {
			return nil
		}
		if err := in.Cancel(); err != nil {
			return err
		}
		o.stepper.Coordinator.CancelInstance(instanceID)
		o.stepper.cleanupInstance(ctx, instanceID)
		o.appendProgress(map[string]any{"event": "instance_cancelled", "instance_id": instanceID})
		return nil
	})
}

// StepInstance runs one manual cycle, for hosts that drive evaluation
// themselves instead of relying on signals.
func (o *Orchestrator) StepInstance(ctx context.Context, instanceID string) (StepResult, error) {
	var res StepResult
	err := o.withInstance(ctx, instanceID, func(in *instance.Instance, g *graph.Graph) error {
		var stepErr error
		res, stepErr = o.stepper.Step(ctx, g, in, o.principalFor(in.ID))
		return stepErr
	})
	return res, err
}

// Close stops accepting events, drains the queue, and suspends instances
// still RUNNING so a later host can resume them.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	for len(o.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	o.runCancel()
	o.wg.Wait()

	running, err := o.instances.ListInstances(ctx, instance.StatusRunning)
	if err != nil {
		return err
	}
	for _, in := range running {
		if err := in.Suspend(); err != nil {
			continue
		}
		if err := o.instances.SaveInstance(ctx, in); err != nil {
			o.log.Warn().Err(err).Str("instance_id", in.ID).Msg("suspend on shutdown failed")
		}
	}
	o.log.Info().Int("suspended", len(running)).Msg("orchestrator closed")
	return nil
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.runCtx.Done():
			// Drain whatever was accepted before shutdown.
			for {
				select {
				case ev := <-o.queue:
					o.handleEvent(ev)
				default:
					return
				}
			}
		case ev := <-o.queue:
			o.handleEvent(ev)
		}
	}
}

// handleEvent routes one queue entry to the instances it correlates with.
func (o *Orchestrator) handleEvent(ev events.OrchestrationEvent) {
	ctx := context.Background()
	targets, err := o.correlate(ctx, ev)
	if err != nil {
		o.log.Warn().Err(err).Str("event_id", ev.ID).Msg("event correlation failed")
		return
	}
	if len(targets) == 0 {
		o.log.Debug().Str("event_id", ev.ID).Str("event_type", ev.EventType).
			Msg("event matched no instances")
		return
	}
	for _, id := range targets {
		if err := o.applyEvent(ctx, id, ev); err != nil {
			o.log.Warn().Err(err).Str("instance_id", id).Str("event_id", ev.ID).
				Msg("event application failed")
		}
	}
}

// correlate resolves the instance ids an event addresses: an explicit
// instance id, a correlation id, or a broadcast narrowed to instances whose
// graph subscribes to the event type.
func (o *Orchestrator) correlate(ctx context.Context, ev events.OrchestrationEvent) ([]string, error) {
	if ev.InstanceID != "" {
		return []string{ev.InstanceID}, nil
	}
	running, err := o.instances.ListInstances(ctx, instance.StatusRunning)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, in := range running {
		if ev.CorrelationID != "" {
			if in.ID == ev.CorrelationID || (in.CorrelationID != "" && in.CorrelationID == ev.CorrelationID) {
				out = append(out, in.ID)
			}
			continue
		}
		if !ev.Broadcast() {
			continue
		}
		if ev.GraphID != "" && in.GraphID != ev.GraphID {
			continue
		}
		g, err := o.graphs.FindGraph(ctx, in.GraphID, in.GraphVersion)
		if err != nil {
			continue
		}
		if len(g.NodesSubscribedTo(ev.EventType)) > 0 || len(g.EdgesReevaluatedBy(ev.EventType)) > 0 {
			out = append(out, in.ID)
		}
	}
	return out, nil
}

func (o *Orchestrator) applyEvent(ctx context.Context, instanceID string, ev events.OrchestrationEvent) error {
	return o.withInstance(ctx, instanceID, func(in *instance.Instance, g *graph.Graph) error {
		// A cancelled instance ignores events without tracing.
		if in.Status.Terminal() {
			o.log.Debug().Str("instance_id", in.ID).Str("event_id", ev.ID).
				Str("status", string(in.Status)).Msg("event dropped, instance terminal")
			return nil
		}

		principal := o.principalFor(in.ID)
		rc := o.stepper.Assembler.Assemble(in, principal)

		switch ev.Kind {
		case events.KindNodeCompleted:
			if in.IsActive(ev.NodeID) {
				node := g.FindNode(ev.NodeID)
				if node == nil {
					return cpgerr.New(cpgerr.KindNotFound, "node %s not in graph %s", ev.NodeID, g.Key())
				}
				if err := o.stepper.completeNode(ctx, g, in, rc, node, govern.Result{Approved: true}, ev.Payload); err != nil {
					return err
				}
			}
		case events.KindNodeFailed, events.KindTimerExpired:
			if in.IsActive(ev.NodeID) {
				node := g.FindNode(ev.NodeID)
				if node == nil {
					return cpgerr.New(cpgerr.KindNotFound, "node %s not in graph %s", ev.NodeID, g.Key())
				}
				errorType := "TIMEOUT"
				if ev.Kind == events.KindNodeFailed {
					errorType = "HANDLER_ERROR"
					if v, ok := ev.Payload["error_type"].(string); ok && v != "" {
						errorType = v
					}
				}
				if err := o.stepper.applyFailure(ctx, g, in, rc, node, nil, govern.Result{Approved: true}, errorType, errorType); err != nil {
					return err
				}
				if in.Status == instance.StatusFailed {
					o.stepper.cleanupInstance(ctx, in.ID)
				}
			}
		default:
			received := instance.ReceivedEvent{
				EventType: ev.EventType,
				EventID:   ev.ID,
				Timestamp: ev.Timestamp,
				Payload:   ev.Payload,
			}
			if err := in.UpdateContext(in.Context.WithEvent(received)); err != nil {
				return err
			}
		}

		if in.Status != instance.StatusRunning {
			return nil
		}
		_, err := o.stepper.StepUntilQuiescent(ctx, g, in, principal, o.opts.MaxCyclesPerSignal)
		return err
	})
}

// timerSweep fires TIMER_EXPIRED for waiting nodes past their configured
// timeout.
func (o *Orchestrator) timerSweep() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.runCtx.Done():
			return
		case <-ticker.C:
			o.sweepOnce(context.Background())
		}
	}
}

func (o *Orchestrator) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	if o.opts.TraceRetention > 0 {
		if _, err := o.tracer.DeleteOlderThan(ctx, now.Add(-o.opts.TraceRetention)); err != nil {
			o.log.Warn().Err(err).Msg("trace retention sweep failed")
		}
	}
	running, err := o.instances.ListInstances(ctx, instance.StatusRunning)
	if err != nil {
		o.log.Warn().Err(err).Msg("timer sweep list failed")
		return
	}
	for _, in := range running {
		g, err := o.graphs.FindGraph(ctx, in.GraphID, in.GraphVersion)
		if err != nil {
			continue
		}
		for _, nodeID := range in.ActiveNodeIDs() {
			node := g.FindNode(nodeID)
			if node == nil {
				continue
			}
			d := node.Action.Config.Timeout()
			if d <= 0 {
				continue
			}
			ex := in.LatestExecution(nodeID)
			if ex == nil || ex.Status == instance.ExecInProgress {
				continue
			}
			if now.Sub(ex.StartedAt) > d {
				ev := events.NewTimerExpired(in.ID, nodeID)
				select {
				case o.queue <- ev:
					o.appendProgress(map[string]any{
						"event":       "timer_expired",
						"instance_id": in.ID,
						"node_id":     nodeID,
					})
				default:
					o.log.Warn().Str("instance_id", in.ID).Str("node_id", nodeID).
						Msg("timer event dropped, queue full")
				}
			}
		}
	}
}

// withInstance loads, locks, mutates, and persists one instance.
func (o *Orchestrator) withInstance(ctx context.Context, instanceID string, fn func(*instance.Instance, *graph.Graph) error) error {
	unlock := o.lockInstance(instanceID)
	defer unlock()

	in, err := o.instances.FindInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	g, err := o.graphs.FindGraph(ctx, in.GraphID, in.GraphVersion)
	if err != nil {
		return err
	}
	before := in.Revision
	if err := fn(in, g); err != nil {
		return err
	}
	if in.Revision == before {
		return nil
	}
	return o.instances.SaveInstance(ctx, in)
}

func (o *Orchestrator) lockInstance(instanceID string) func() {
	o.mu.Lock()
	lock := o.locks[instanceID]
	if lock == nil {
		lock = &sync.Mutex{}
		o.locks[instanceID] = lock
	}
	o.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (o *Orchestrator) principalFor(instanceID string) ports.Principal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.principals[instanceID]
}
