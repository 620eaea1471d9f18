package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/openedx/pie/pkg/transports"
	"github.com/rs/zerolog/log"
)

// ExecuteOptions control a single run.
type ExecuteOptions struct {
	// Kind labels the run in the ledger (e.g., "run", "provision").
	Kind string

	// Jobs bounds how many targets of one level run concurrently, like make -j.
	// Values <= 1 run targets one at a time in make order.
	Jobs int

	// KeepGoing continues after a failure, skipping only the dependents of
	// the failed target, like make -k.
	KeepGoing bool

	// DryRun prints each step instead of executing it.
	DryRun bool

	// Retries is how many times a step that failed with a transient error
	// (e.g., a dropped SSH connection) is retried.
	Retries int

	// LookupEnv resolves RequiredEnv variables. Defaults to os.LookupEnv.
	LookupEnv LookupFunc
}

// Scheduler executes plans. It runs targets level by level, with up to Jobs
// targets of a level in flight, and records every step.
type Scheduler struct {
	// runner executes commands for targets that do not set their own
	runner transports.Runner

	// eventPublisher publishes execution events
	eventPublisher EventPublisher

	// recorder persists runs and step results
	recorder RunRecorder

	// instrumenter wraps runs, targets, and steps with spans and metrics
	instrumenter Instrumenter

	// out receives the echoed command lines
	out io.Writer

	// newBackOff returns the retry policy for transient step failures
	newBackOff func() backoff.BackOff

	// mu protects shared state during execution
	mu sync.RWMutex

	// results maps target names to their results
	results map[string]*TargetResult

	// status tracks the current status of each target
	status map[string]TargetStatus
}

// NewScheduler creates a scheduler. publisher and recorder may be nil.
func NewScheduler(runner transports.Runner, publisher EventPublisher, recorder RunRecorder) *Scheduler {
	return &Scheduler{
		runner:         runner,
		eventPublisher: publisher,
		recorder:       recorder,
		instrumenter:   noopInstrumenter{},
		out:            io.Discard,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// WithOutput sets where command lines are echoed before they run.
func (s *Scheduler) WithOutput(w io.Writer) *Scheduler {
	if w != nil {
		s.out = w
	}
	return s
}

// WithInstrumenter attaches tracing and metrics.
func (s *Scheduler) WithInstrumenter(i Instrumenter) *Scheduler {
	if i != nil {
		s.instrumenter = i
	}
	return s
}

// Execute runs plan to completion and returns the finished run. The returned
// error is nil only when every target succeeded.
func (s *Scheduler) Execute(ctx context.Context, plan *Plan, opts ExecuteOptions) (*Run, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if plan.Graph == nil {
		return nil, NewPermanentError("plan has no execution graph", nil).
			WithCode(ErrCodeValidation)
	}
	if opts.Kind == "" {
		opts.Kind = "run"
	}

	s.mu.Lock()
	s.results = make(map[string]*TargetResult, len(plan.Order))
	s.status = make(map[string]TargetStatus, len(plan.Order))
	for _, name := range plan.Order {
		s.status[name] = TargetStatusPending
	}
	s.mu.Unlock()

	run := &Run{
		ID:        uuid.New().String(),
		Kind:      opts.Kind,
		Targets:   plan.Roots,
		Status:    RunStatusPending,
		StartedAt: time.Now(),
		DryRun:    opts.DryRun,
		Summary: RunSummary{
			Total:   len(plan.Order),
			Pending: len(plan.Order),
		},
	}

	ctx = WithRunID(ctx, run.ID)
	ctx, endRun := s.instrumenter.StartRun(ctx, run)
	defer func() { endRun(run) }()

	// Required variables are checked before any command runs
	if err := s.checkEnvironment(plan, opts.LookupEnv); err != nil {
		s.finishRun(ctx, run, plan, err)
		return run, err
	}

	run.Status = RunStatusRunning
	s.saveRun(ctx, run)
	s.publishEvent(ctx, run.ID, "", EventTypeRunStarted,
		fmt.Sprintf("Run started: %s", strings.Join(plan.Roots, " ")), nil)

	var err error
	if opts.Jobs <= 1 {
		err = s.executeSequential(ctx, run, plan, opts)
	} else {
		err = s.executePlanLevels(ctx, run, plan, opts)
	}

	return run, s.finishRun(ctx, run, plan, err)
}

// checkEnvironment verifies RequiredEnv for every target in the plan.
func (s *Scheduler) checkEnvironment(plan *Plan, lookup LookupFunc) error {
	var missing []string
	seen := make(map[string]bool)
	for _, name := range plan.Order {
		for _, key := range plan.Targets[name].MissingEnv(lookup) {
			if !seen[key] {
				seen[key] = true
				missing = append(missing, key)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return NewPermanentError(
		fmt.Sprintf("required environment variables are not set: %s", strings.Join(missing, ", ")),
		nil,
	).WithCode(ErrCodeValidation).WithDetail("missing", missing)
}

// executeSequential runs targets one at a time in make order.
func (s *Scheduler) executeSequential(ctx context.Context, run *Run, plan *Plan, opts ExecuteOptions) error {
	var firstErr error

	for _, name := range plan.Order {
		target := plan.Targets[name]

		if ctx.Err() != nil {
			return s.handleCancellation(ctx, run, plan)
		}

		if firstErr != nil && !opts.KeepGoing {
			s.markTargetSkipped(ctx, run, target, "run stopped after an earlier failure")
			continue
		}

		if !s.checkDependencies(target) {
			s.markTargetSkipped(ctx, run, target, "prerequisites failed")
			continue
		}

		if err := s.executeTarget(ctx, run, target, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if ctx.Err() != nil {
		return s.handleCancellation(ctx, run, plan)
	}
	return firstErr
}

// executePlanLevels executes the plan level by level, with parallelism within each level.
func (s *Scheduler) executePlanLevels(ctx context.Context, run *Run, plan *Plan, opts ExecuteOptions) error {
	var firstErr error
	var stopped atomic.Bool

	for level, names := range plan.Graph.Levels {
		if len(names) == 0 {
			continue
		}

		if err := s.executeLevelParallel(ctx, run, plan, names, opts, &stopped); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("level %d failed: %w", level, err)
			}
			if !opts.KeepGoing {
				stopped.Store(true)
			}
		}

		// Check for cancellation
		select {
		case <-ctx.Done():
			return s.handleCancellation(ctx, run, plan)
		default:
		}
	}

	return firstErr
}

// executeLevelParallel executes all targets at a level using a worker pool.
func (s *Scheduler) executeLevelParallel(
	ctx context.Context,
	run *Run,
	plan *Plan,
	names []string,
	opts ExecuteOptions,
	stopped *atomic.Bool,
) error {
	workerCount := opts.Jobs
	if len(names) < workerCount {
		workerCount = len(names)
	}

	workQueue := make(chan *Target, len(names))
	for _, name := range names {
		workQueue <- plan.Targets[name]
	}
	close(workQueue)

	var wg sync.WaitGroup
	errChan := make(chan error, len(names))

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for target := range workQueue {
				if ctx.Err() != nil {
					return
				}

				if stopped.Load() {
					s.markTargetSkipped(ctx, run, target, "run stopped after an earlier failure")
					continue
				}

				if !s.checkDependencies(target) {
					s.markTargetSkipped(ctx, run, target, "prerequisites failed")
					continue
				}

				if err := s.executeTarget(ctx, run, target, opts); err != nil {
					errChan <- err
					if !opts.KeepGoing {
						stopped.Store(true)
					}
				}
			}
		}()
	}

	wg.Wait()
	close(errChan)

	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// executeTarget runs the steps of a single target in order.
func (s *Scheduler) executeTarget(ctx context.Context, run *Run, target *Target, opts ExecuteOptions) error {
	ctx, finish := s.instrumenter.StartTarget(ctx, run.ID, target.Name)

	s.updateTargetStatus(target.Name, TargetStatusRunning)
	s.publishEvent(ctx, run.ID, target.Name, EventTypeTargetStarted,
		fmt.Sprintf("Started %s", target.Name), nil)

	result := &TargetResult{
		Target:    target.Name,
		Status:    TargetStatusRunning,
		StartedAt: time.Now(),
	}

	runner := target.Runner
	if runner == nil {
		runner = s.runner
	}

	var err error
	for i, step := range target.Steps {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			break
		}

		stepResult, stepErr := s.executeStep(ctx, run, target, i, step, runner, opts)
		result.Steps = append(result.Steps, stepResult)

		if stepErr != nil && !step.IgnoreError {
			err = stepErr
			break
		}
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	switch {
	case err == nil:
		result.Status = TargetStatusSucceeded
		s.publishEvent(ctx, run.ID, target.Name, EventTypeTargetCompleted,
			fmt.Sprintf("Completed %s", target.Name), map[string]interface{}{"duration_ms": result.Duration.Milliseconds()})
	case errors.Is(err, context.Canceled):
		result.Status = TargetStatusCancelled
		result.Error = Classify(err).WithTarget(target.Name)
	default:
		result.Status = TargetStatusFailed
		result.Error = Classify(err).WithTarget(target.Name)
		s.publishEvent(ctx, run.ID, target.Name, EventTypeTargetFailed,
			fmt.Sprintf("Failed %s: %v", target.Name, err), nil)
	}

	s.storeTargetResult(result)
	finish(result)

	if err != nil {
		return result.Error
	}
	return nil
}

// executeStep runs one step, retrying transient failures.
func (s *Scheduler) executeStep(
	ctx context.Context,
	run *Run,
	target *Target,
	index int,
	step Step,
	runner transports.Runner,
	opts ExecuteOptions,
) (*StepResult, error) {
	ctx, finish := s.instrumenter.StartStep(ctx, target.Name, index, step.Description)

	result := &StepResult{
		Target:      target.Name,
		Index:       index,
		Description: step.Description,
		StartedAt:   time.Now(),
	}
	if step.Command != nil {
		result.Command = step.Command.String()
	}

	// Echo the step like make does
	fmt.Fprintln(s.out, step.Display())

	var err error
	if opts.DryRun {
		result.Status = TargetStatusSucceeded
	} else {
		s.publishEvent(ctx, run.ID, target.Name, EventTypeStepStarted,
			fmt.Sprintf("Step %d: %s", index, firstNonEmpty(step.Description, result.Command)), nil)
		err = s.runStep(ctx, run, target, step, runner, opts, result)
	}

	result.Duration = time.Since(result.StartedAt)

	if err != nil {
		result.Status = TargetStatusFailed
		result.Error = err.Error()
		result.Ignored = step.IgnoreError
		if result.ExitCode == 0 {
			result.ExitCode = transports.ExitCode(err)
		}
		s.publishEvent(ctx, run.ID, target.Name, EventTypeStepFailed,
			fmt.Sprintf("Step %d failed: %v", index, err),
			map[string]interface{}{"exit_code": result.ExitCode, "ignored": step.IgnoreError})
		if step.IgnoreError {
			fmt.Fprintf(s.out, "pie: [%s] Error %d (ignored)\n", target.Name, result.ExitCode)
		}
	} else if !opts.DryRun {
		result.Status = TargetStatusSucceeded
		s.publishEvent(ctx, run.ID, target.Name, EventTypeStepCompleted,
			fmt.Sprintf("Step %d completed", index), nil)
	}

	if s.recorder != nil && !opts.DryRun {
		if recErr := s.recorder.SaveStepResult(ctx, run.ID, result); recErr != nil {
			log.Warn().Err(recErr).Str("run_id", run.ID).Str("target", target.Name).Msg("failed to record step result")
		}
	}

	finish(result)
	return result, err
}

// runStep executes the command or action of a step.
func (s *Scheduler) runStep(
	ctx context.Context,
	run *Run,
	target *Target,
	step Step,
	runner transports.Runner,
	opts ExecuteOptions,
	result *StepResult,
) error {
	if step.Action != nil {
		result.Attempts = 1
		return step.Action(ctx)
	}

	if runner == nil {
		return NewPermanentError("no runner configured", nil).
			WithCode(ErrCodeInternal).
			WithTarget(target.Name)
	}

	res, err := backoff.Retry(ctx, func() (*transports.Result, error) {
		result.Attempts++
		res, err := runner.Run(ctx, *step.Command)
		if err != nil && !IsRetryable(Classify(err)) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(uint(opts.Retries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.publishEvent(ctx, run.ID, target.Name, EventTypeWarning,
				fmt.Sprintf("Retrying after transient failure in %s: %v", wait, err), nil)
		}),
	)

	if res != nil {
		result.ExitCode = res.ExitCode
		result.Stdout = step.Command.Redact(res.Stdout)
		result.Stderr = step.Command.Redact(res.Stderr)
	}
	return err
}

// checkDependencies verifies that all prerequisites succeeded.
func (s *Scheduler) checkDependencies(target *Target) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, prereq := range target.Prerequisites {
		if s.status[prereq] != TargetStatusSucceeded {
			return false
		}
	}
	return true
}

// handleCancellation marks all pending targets as cancelled.
func (s *Scheduler) handleCancellation(ctx context.Context, run *Run, plan *Plan) error {
	s.mu.Lock()
	for _, name := range plan.Order {
		if s.status[name] == TargetStatusPending {
			s.status[name] = TargetStatusCancelled
			s.results[name] = &TargetResult{
				Target:      name,
				Status:      TargetStatusCancelled,
				CompletedAt: time.Now(),
			}
		}
	}
	s.mu.Unlock()

	return NewPermanentError("execution cancelled", ctx.Err()).
		WithCode(ErrCodeCancelled)
}

// finishRun computes the summary and final status, then records the run.
func (s *Scheduler) finishRun(ctx context.Context, run *Run, plan *Plan, err error) error {
	s.mu.RLock()
	summary := s.calculateRunSummary(plan.Order)
	results := make(map[string]*TargetResult, len(s.results))
	for name, r := range s.results {
		results[name] = r
	}
	s.mu.RUnlock()

	run.Summary = summary
	run.Results = results
	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	switch {
	case CodeOf(err) == ErrCodeCancelled:
		run.Status = RunStatusCancelled
	case err != nil && summary.Succeeded > 0:
		run.Status = RunStatusPartial
	case err != nil:
		run.Status = RunStatusFailed
	case summary.Failed > 0 || summary.Skipped > 0:
		run.Status = RunStatusPartial
	default:
		run.Status = RunStatusSucceeded
	}
	if err != nil {
		run.Error = err.Error()
	}

	// Record with a context that survives cancellation of the run
	saveCtx := context.WithoutCancel(ctx)
	s.saveRun(saveCtx, run)

	if run.Status == RunStatusSucceeded {
		s.publishEvent(saveCtx, run.ID, "", EventTypeRunCompleted,
			fmt.Sprintf("Run completed: %s", summary), nil)
	} else {
		s.publishEvent(saveCtx, run.ID, "", EventTypeRunFailed,
			fmt.Sprintf("Run completed with status %s: %s", run.Status, summary), nil)
	}

	return err
}

// updateTargetStatus updates the status of a target.
func (s *Scheduler) updateTargetStatus(name string, status TargetStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[name] = status
}

// storeTargetResult stores the result and final status of a target.
func (s *Scheduler) storeTargetResult(result *TargetResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.Target] = result
	s.status[result.Target] = result.Status
}

// markTargetSkipped marks a target as skipped.
func (s *Scheduler) markTargetSkipped(ctx context.Context, run *Run, target *Target, reason string) {
	now := time.Now()
	s.storeTargetResult(&TargetResult{
		Target:      target.Name,
		Status:      TargetStatusSkipped,
		StartedAt:   now,
		CompletedAt: now,
		Error: NewPermanentError(reason, nil).
			WithCode(ErrCodeDependencyFailed).
			WithTarget(target.Name),
	})
	s.publishEvent(ctx, run.ID, target.Name, EventTypeTargetSkipped,
		fmt.Sprintf("Skipped %s: %s", target.Name, reason), nil)
}

// calculateRunSummary counts targets by status.
func (s *Scheduler) calculateRunSummary(order []string) RunSummary {
	summary := RunSummary{Total: len(order)}

	for _, name := range order {
		switch s.status[name] {
		case TargetStatusSucceeded:
			summary.Succeeded++
		case TargetStatusFailed:
			summary.Failed++
		case TargetStatusSkipped:
			summary.Skipped++
		case TargetStatusCancelled:
			summary.Cancelled++
		default:
			summary.Pending++
		}
	}

	return summary
}

func (s *Scheduler) saveRun(ctx context.Context, run *Run) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.SaveRun(ctx, run); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to record run")
	}
}

// publishEvent publishes an execution event.
func (s *Scheduler) publishEvent(
	ctx context.Context,
	runID, target string,
	eventType EventType,
	message string,
	data map[string]interface{},
) {
	if s.eventPublisher == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Target:    target,
		Message:   message,
		Level:     eventType.Severity(),
		Data:      data,
	}

	if err := s.eventPublisher.Publish(ctx, event); err != nil {
		log.Debug().Err(err).Str("event", string(eventType)).Msg("failed to publish event")
	}
}

// Results returns the per-target results of the last execution.
func (s *Scheduler) Results() map[string]*TargetResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*TargetResult, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
