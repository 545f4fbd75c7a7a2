// Package timeline implements the layered plan executor.
//
// Plans arrive on the plan-ready topic and run on one of three layers with
// strict precedence: override > foreground > ambient. An override plan evicts
// the foreground plan and cancels the ambient layer's in-flight step, but the
// ambient run itself survives, parked at its cursor. A foreground plan pauses
// the ambient layer at its current step cursor. In both cases the ambient plan
// resumes from its cursor once every layer above it is clear. A new plan on a
// layer replaces the plan already running there.
//
// Each running plan is a single goroutine stepping through its steps in
// order, emitting step lifecycle events as it goes. Foreground pausing takes
// effect at step boundaries: an in-flight step completes before the layer
// yields. Only an override cuts a lower layer's step short.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/payload"
	"github.com/rexworks/cantina/internal/service"
)

// Default step deadlines.
const (
	DefaultSpeakTimeout = 20 * time.Second
	DefaultWaitTimeout  = 30 * time.Second
)

// errCancelled marks a step interrupted by plan cancellation, as opposed to a
// step that failed on its own.
var errCancelled = errors.New("timeline: step cancelled")

// Option configures an [Executor] during construction.
type Option func(*Executor)

// WithSpeakTimeout bounds how long a speak step waits for synthesis to end.
func WithSpeakTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.speakTimeout = d
		}
	}
}

// WithWaitTimeout bounds wait_for_event steps.
func WithWaitTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.waitTimeout = d
		}
	}
}

// WithGracePeriod forwards the service grace period option.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Executor) { e.svcOpts = append(e.svcOpts, service.WithGracePeriod(d)) }
}

// Executor is the timeline service.
type Executor struct {
	*service.Base

	speakTimeout time.Duration
	waitTimeout  time.Duration
	svcOpts      []service.Option

	mu     sync.Mutex
	layers map[string]*planRun

	waitMu  sync.Mutex
	waiters []*waiter
}

// waiter is one pending event await.
type waiter struct {
	topic string
	pred  func(bus.Event) bool
	ch    chan bus.Event
}

// planRun is the state of one executing plan.
type planRun struct {
	planID string
	layer  string
	steps  []payload.PlanStep

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	cursor       int
	resume       chan struct{} // non-nil while paused
	cancelReason string

	// Step-scoped cancellation: set while a step is executing so an override
	// can abort the step without killing the run.
	stepCancel    context.CancelFunc
	stepInterrupt string
}

// New creates the timeline executor.
func New(b *bus.Bus, opts ...Option) *Executor {
	e := &Executor{
		speakTimeout: DefaultSpeakTimeout,
		waitTimeout:  DefaultWaitTimeout,
		layers:       make(map[string]*planRun),
	}
	for _, o := range opts {
		o(e)
	}
	e.Base = service.New("timeline", b, service.Hooks{Setup: e.setup, Teardown: e.teardown}, e.svcOpts...)
	return e
}

func (e *Executor) setup(ctx context.Context) error {
	if err := e.Subscribe(bus.TopicPlanReady, e.onPlanReady); err != nil {
		return err
	}
	// Waiter fan-in: every topic feeds the await registry, so steps can block
	// on arbitrary events without per-step subscriptions.
	for _, topic := range bus.Topics() {
		if topic == bus.TopicPlanReady {
			continue
		}
		if err := e.Subscribe(topic, e.onAnyEvent); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) teardown(ctx context.Context) error {
	e.mu.Lock()
	runs := make([]*planRun, 0, len(e.layers))
	for _, r := range e.layers {
		runs = append(runs, r)
	}
	e.mu.Unlock()
	for _, r := range runs {
		r.stop("shutdown")
		<-r.done
	}
	return nil
}

// ActiveLayers returns the layers that currently have a plan, for status
// reporting and tests.
func (e *Executor) ActiveLayers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.layers))
	for l := range e.layers {
		out = append(out, l)
	}
	return out
}

// ─── plan intake ───

func (e *Executor) onPlanReady(ctx context.Context, evt bus.Event) error {
	var plan payload.PlanReady
	if err := decodePlan(evt.Payload, &plan); err != nil {
		e.ReportError(ctx, payload.ErrKindValidation, err)
		return err
	}

	rctx, cancel := context.WithCancel(context.Background())
	run := &planRun{
		planID: plan.PlanID,
		layer:  plan.Layer,
		steps:  plan.Steps,
		ctx:    rctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	var evict []*planRun
	switch plan.Layer {
	case payload.LayerOverride:
		// Override evicts the foreground plan, but only interrupts the
		// ambient one: its in-flight step is cancelled and the run parks at
		// its cursor, resuming once the layers above are clear again.
		for _, l := range []string{payload.LayerOverride, payload.LayerForeground} {
			if cur := e.layers[l]; cur != nil {
				cur.stop("preempted")
				evict = append(evict, cur)
				delete(e.layers, l)
			}
		}
		if amb := e.layers[payload.LayerAmbient]; amb != nil {
			amb.pause()
			amb.interruptStep("preempted")
		}
	case payload.LayerForeground:
		if cur := e.layers[payload.LayerForeground]; cur != nil {
			cur.stop("replaced")
			evict = append(evict, cur)
		}
		if amb := e.layers[payload.LayerAmbient]; amb != nil {
			amb.pause()
		}
	case payload.LayerAmbient:
		if cur := e.layers[payload.LayerAmbient]; cur != nil {
			cur.stop("replaced")
			evict = append(evict, cur)
		}
		if e.layers[payload.LayerForeground] != nil || e.layers[payload.LayerOverride] != nil {
			run.pause()
		}
	}
	e.layers[plan.Layer] = run
	e.mu.Unlock()

	// Let evicted goroutines finish their lifecycle events before the new
	// plan starts emitting.
	for _, old := range evict {
		<-old.done
	}

	go e.runPlan(run)
	return nil
}

// decodePlan extracts the typed plan from the dict view.
func decodePlan(d payload.Dict, plan *payload.PlanReady) error {
	plan.PlanID, _ = d["plan_id"].(string)
	plan.Layer, _ = d["layer"].(string)
	if plan.PlanID == "" || plan.Layer == "" {
		return errors.New("timeline: plan missing plan_id or layer")
	}
	rawSteps, _ := d["steps"].([]any)
	for i, raw := range rawSteps {
		m, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("timeline: plan %s: steps[%d] is not an object", plan.PlanID, i)
		}
		step := payload.PlanStep{}
		step.ID, _ = m["id"].(string)
		step.Type, _ = m["type"].(string)
		step.Text, _ = m["text"].(string)
		step.ClipID, _ = m["clip_id"].(string)
		step.Event, _ = m["event"].(string)
		step.Pattern, _ = m["pattern"].(string)
		step.DelaySeconds, _ = m["delay_seconds"].(float64)
		if step.ID == "" || step.Type == "" {
			return fmt.Errorf("timeline: plan %s: steps[%d] missing id or type", plan.PlanID, i)
		}
		plan.Steps = append(plan.Steps, step)
	}
	return nil
}

// ─── plan execution ───

func (e *Executor) runPlan(r *planRun) {
	defer close(r.done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	e.emitPlanEvent(ctx, bus.TopicPlanStarted, r)
	cancel()

	for {
		r.mu.Lock()
		if r.cursor >= len(r.steps) {
			r.mu.Unlock()
			break
		}
		step := r.steps[r.cursor]
		r.mu.Unlock()

		if !r.waitGate() {
			e.emitStepEvent(bus.TopicStepCancelled, r, step, r.reason())
			break
		}

		e.emitStepEvent(bus.TopicStepReady, r, step, "")
		sctx := r.beginStep()
		err := e.execStep(sctx, step)
		interrupt := r.endStep()

		runCancelled := errors.Is(err, errCancelled) && r.ctx.Err() != nil
		switch {
		case runCancelled:
			e.emitStepEvent(bus.TopicStepCancelled, r, step, r.reason())
		case errors.Is(err, errCancelled):
			// Step-level interrupt: the step is gone but the run survives and
			// parks at the gate until the layer above clears.
			e.emitStepEvent(bus.TopicStepCancelled, r, step, interrupt)
		case err != nil:
			e.emitStepEvent(bus.TopicStepFailed, r, step, err.Error())
		default:
			e.emitStepEvent(bus.TopicStepExecuted, r, step, "")
		}
		if runCancelled {
			break
		}
		// A failed step does not abort the plan; the show goes on with the
		// next step.
		r.mu.Lock()
		r.cursor++
		r.mu.Unlock()
	}

	e.mu.Lock()
	if e.layers[r.layer] == r {
		delete(e.layers, r.layer)
	}
	// Ambient resumes only when nothing above it remains.
	if amb := e.layers[payload.LayerAmbient]; amb != nil &&
		e.layers[payload.LayerForeground] == nil && e.layers[payload.LayerOverride] == nil {
		amb.unpause()
	}
	e.mu.Unlock()

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	e.emitPlanEvent(ctx, bus.TopicPlanEnded, r)
	cancel()
}

func (e *Executor) execStep(ctx context.Context, step payload.PlanStep) error {
	switch step.Type {
	case payload.StepSpeak:
		return e.execSpeak(ctx, step)
	case payload.StepPlayMusic:
		return e.emitStepCommand(ctx, bus.TopicMusicCommand,
			&payload.MusicCommand{Action: "play", TrackQuery: step.ClipID})
	case payload.StepWaitForEvent:
		if !bus.KnownTopic(step.Event) {
			return fmt.Errorf("timeline: wait_for_event on unknown topic %q", step.Event)
		}
		_, err := e.await(ctx, step.Event, nil, e.waitTimeout)
		return err
	case payload.StepDelay:
		select {
		case <-ctx.Done():
			return errCancelled
		case <-time.After(time.Duration(step.DelaySeconds * float64(time.Second))):
			return nil
		}
	case payload.StepEyePattern, payload.StepMove:
		return e.emitStepCommand(ctx, bus.TopicEyeCommand,
			&payload.EyeCommand{Action: "pattern", Pattern: step.Pattern})
	default:
		return fmt.Errorf("timeline: unknown step type %q", step.Type)
	}
}

// execSpeak ducks the music, requests synthesis, and waits for the matching
// synthesis-ended event. The duck is always released, timeout or not.
func (e *Executor) execSpeak(ctx context.Context, step payload.PlanStep) error {
	reqID := uuid.NewString()

	duck := &payload.DuckingCommand{Reason: "speech"}
	if err := e.Emit(ctx, bus.TopicDuckingStart, duck); err != nil {
		slog.Warn("duck start emit failed", "err", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		unduck := &payload.DuckingCommand{Reason: "speech"}
		if err := e.Emit(dctx, bus.TopicDuckingStop, unduck); err != nil {
			slog.Warn("duck stop emit failed", "err", err)
		}
	}()

	req := &payload.SynthesisRequest{RequestID: reqID, Text: step.Text}
	if err := e.Emit(ctx, bus.TopicSynthesisRequest, req); err != nil {
		return fmt.Errorf("timeline: synthesis request: %w", err)
	}

	evt, err := e.await(ctx, bus.TopicSynthesisEnded, func(evt bus.Event) bool {
		return evt.Payload["request_id"] == reqID
	}, e.speakTimeout)
	if err != nil {
		return err
	}
	if ok, _ := evt.Payload["success"].(bool); !ok {
		msg, _ := evt.Payload["error"].(string)
		return fmt.Errorf("timeline: synthesis failed: %s", msg)
	}
	return nil
}

func (e *Executor) emitStepCommand(ctx context.Context, topic string, pl any) error {
	if err := e.Emit(ctx, topic, pl); err != nil {
		return fmt.Errorf("timeline: emit %s: %w", topic, err)
	}
	return nil
}

// ─── event awaiting ───

func (e *Executor) onAnyEvent(_ context.Context, evt bus.Event) error {
	e.waitMu.Lock()
	for _, w := range e.waiters {
		if w.topic != evt.Topic {
			continue
		}
		if w.pred != nil && !w.pred(evt) {
			continue
		}
		select {
		case w.ch <- evt:
		default:
		}
	}
	e.waitMu.Unlock()
	return nil
}

// await blocks until an event on topic matches pred, the timeout fires, or
// ctx is cancelled. Cancellation returns errCancelled.
func (e *Executor) await(ctx context.Context, topic string, pred func(bus.Event) bool, timeout time.Duration) (bus.Event, error) {
	w := &waiter{topic: topic, pred: pred, ch: make(chan bus.Event, 1)}
	e.waitMu.Lock()
	e.waiters = append(e.waiters, w)
	e.waitMu.Unlock()
	defer func() {
		e.waitMu.Lock()
		for i, cand := range e.waiters {
			if cand == w {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				break
			}
		}
		e.waitMu.Unlock()
	}()

	select {
	case evt := <-w.ch:
		return evt, nil
	case <-time.After(timeout):
		return bus.Event{}, fmt.Errorf("timeline: timed out waiting for %s after %s", topic, timeout)
	case <-ctx.Done():
		return bus.Event{}, errCancelled
	}
}

// ─── planRun controls ───

// stop cancels the run with a reason. Safe to call more than once.
func (r *planRun) stop(reason string) {
	r.mu.Lock()
	if r.cancelReason == "" {
		r.cancelReason = reason
	}
	resume := r.resume
	r.resume = nil
	r.mu.Unlock()
	// A paused run must wake up to observe the cancellation.
	if resume != nil {
		close(resume)
	}
	r.cancel()
}

func (r *planRun) reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelReason == "" {
		return "cancelled"
	}
	return r.cancelReason
}

// beginStep opens a step-scoped context derived from the run context. An
// interrupt that landed between the gate and here cancels the step at birth.
func (r *planRun) beginStep() context.Context {
	sctx, cancel := context.WithCancel(r.ctx)
	r.mu.Lock()
	r.stepCancel = cancel
	if r.stepInterrupt != "" {
		cancel()
	}
	r.mu.Unlock()
	return sctx
}

// endStep closes the step scope and returns the interrupt reason, if any.
func (r *planRun) endStep() string {
	r.mu.Lock()
	cancel := r.stepCancel
	r.stepCancel = nil
	reason := r.stepInterrupt
	r.stepInterrupt = ""
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if reason == "" {
		reason = "interrupted"
	}
	return reason
}

// interruptStep cancels the in-flight step without cancelling the run.
func (r *planRun) interruptStep(reason string) {
	r.mu.Lock()
	cancel := r.stepCancel
	if r.stepInterrupt == "" {
		r.stepInterrupt = reason
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *planRun) pause() {
	r.mu.Lock()
	if r.resume == nil {
		r.resume = make(chan struct{})
	}
	r.mu.Unlock()
}

func (r *planRun) unpause() {
	r.mu.Lock()
	resume := r.resume
	r.resume = nil
	r.mu.Unlock()
	if resume != nil {
		close(resume)
	}
}

// waitGate blocks while the run is paused. Returns false when the run was
// cancelled instead of resumed.
func (r *planRun) waitGate() bool {
	r.mu.Lock()
	resume := r.resume
	r.mu.Unlock()
	if resume != nil {
		select {
		case <-resume:
			// An interrupt recorded while parked targeted the previous step;
			// the next step starts clean.
			r.mu.Lock()
			r.stepInterrupt = ""
			r.mu.Unlock()
		case <-r.ctx.Done():
			return false
		}
	}
	return r.ctx.Err() == nil
}

// ─── event helpers ───

func (e *Executor) emitPlanEvent(ctx context.Context, topic string, r *planRun) {
	pl := &payload.PlanEvent{PlanID: r.planID, Layer: r.layer}
	if err := e.Emit(ctx, topic, pl); err != nil {
		slog.Warn("plan event emit failed", "topic", topic, "err", err)
	}
}

func (e *Executor) emitStepEvent(topic string, r *planRun, step payload.PlanStep, reason string) {
	pl := &payload.StepEvent{PlanID: r.planID, StepID: step.ID, Type: step.Type, Reason: reason}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Emit(ctx, topic, pl); err != nil {
		slog.Warn("step event emit failed", "topic", topic, "err", err)
	}
}
