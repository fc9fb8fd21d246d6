package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/objectcache"
	"github.com/whamcloud/lmgr/internal/scheduler/steps"
)

// execute runs the steps of a job in order on a worker and reports the outcome to the scheduling loop.
func (s *Scheduler) execute(ctx *mgrcontext.Context, r *run, job *model.Job, specs []model.StepSpec, view objectcache.View) {
	defer close(r.done)
	var changes []steps.AttributeChange
	err := s.workers.Acquire(ctx, 1)
	if err == nil {
		defer s.workers.Release(1)
		for i, spec := range specs {
			var stepChanges []steps.AttributeChange
			stepChanges, err = s.runStep(ctx, job.ID, i, spec, view)
			if err != nil {
				break
			}
			changes = append(changes, stepChanges...)
		}
	}
	if ctx.Err() != nil {
		err = mgrerrors.ErrCancelled
	}
	select {
	case s.completions <- completion{jobID: job.ID, err: err, changes: changes}:
	case <-s.stopped:
	}
}

// runStep runs one step, retrying idempotent steps that failed for a retryable reason, and records the latest
// attempt. It returns the attribute changes of the successful attempt.
func (s *Scheduler) runStep(
	ctx *mgrcontext.Context,
	jobID int64,
	index int,
	spec model.StepSpec,
	view objectcache.View,
) ([]steps.AttributeChange, error) {
	def, _ := s.steps.Get(spec.Class)
	ctx = mgrcontext.WithLogFields(ctx, map[string]interface{}{"step": index, "step_class": spec.Class})
	record := &model.StepResult{
		JobID:     jobID,
		StepIndex: index,
		StepClass: spec.Class,
		Args:      spec.Args,
	}

	var changes []steps.AttributeChange
	var lastErr error
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			changes, lastErr = s.attempt(ctx, def, record, attempt, view)
			return lastErr
		},
		retry.Attempts(uint(s.config.Retry.MaxRetries+1)),
		retry.Delay(s.config.Retry.BaseDelay),
		retry.MaxDelay(s.config.Retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return def.Idempotent && ctx.Err() == nil && mgrerrors.IsRetryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.metrics.stepRetries.WithLabelValues(spec.Class).Inc()
			ctx.Log.WithError(err).Warnf("Step attempt %d failed, retrying", n+1)
		}),
	)
	if err == nil {
		return changes, nil
	}
	if lastErr != nil {
		err = lastErr
	}
	if ctx.Err() != nil {
		return nil, mgrerrors.ErrCancelled
	}
	return nil, err
}

// attempt runs the step once under the step timeout, recording the attempt before and after.
func (s *Scheduler) attempt(
	ctx *mgrcontext.Context,
	def steps.Definition,
	record *model.StepResult,
	attempt int,
	view objectcache.View,
) ([]steps.AttributeChange, error) {
	record.Attempt = attempt
	record.State = model.StepIncomplete
	record.Log, record.Console, record.Backtrace, record.Result = "", "", "", nil
	if err := s.repo.UpsertStepResult(ctx, record); err != nil {
		return nil, errors.WithStack(&mgrerrors.ErrFatalInternal{Message: "recording step start", Cause: err})
	}

	attemptCtx, cancel := mgrcontext.WithTimeout(ctx, s.config.StepTimeout)
	defer cancel()
	stepCtx := steps.NewContext(attemptCtx, record.JobID, record.StepIndex, view, s.agent)
	start := s.clock.Now()
	result, err := invoke(stepCtx, def, record.Args)
	if err != nil && ctx.Err() == nil && attemptCtx.Err() != nil {
		err = errors.WithStack(&mgrerrors.ErrTimeout{Action: def.Name, Timeout: s.config.StepTimeout})
	}

	record.Log = stepCtx.LogText()
	record.Console = stepCtx.ConsoleText()
	switch {
	case err == nil:
		record.State = model.StepSuccess
		record.Result = result
	case ctx.Err() != nil:
		record.State = model.StepCancelled
	default:
		record.State = model.StepFailed
		record.Backtrace = backtrace(err)
	}
	s.metrics.stepDuration.WithLabelValues(def.Name, string(record.State)).Observe(s.clock.Since(start).Seconds())
	// the job's context may be cancelled by now
	if recordErr := s.repo.UpsertStepResult(context.Background(), record); recordErr != nil {
		ctx.Log.WithError(recordErr).Error("Failed to record step result")
	}
	if err != nil {
		return nil, err
	}
	return stepCtx.AttributeChanges(), nil
}

// invoke runs a step, converting a panic into a step failure.
func invoke(ctx *steps.Context, def steps.Definition, args map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &mgrerrors.ErrStepFailed{
				Step:      def.Name,
				Message:   fmt.Sprintf("panic: %v", r),
				Backtrace: string(debug.Stack()),
			}
		}
	}()
	return def.Run(ctx, args)
}

func backtrace(err error) string {
	var stepErr *mgrerrors.ErrStepFailed
	if errors.As(err, &stepErr) && stepErr.Backtrace != "" {
		return stepErr.Backtrace
	}
	return fmt.Sprintf("%+v", err)
}
