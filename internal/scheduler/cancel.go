package scheduler

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

// Cancel cancels a job. A pending job completes as cancelled straight away. A tasked job has its context
// cancelled and stays tasked, holding its locks, until its worker reports back or CancelTimeout passes; it
// then completes as cancelled. Jobs waiting for a cancelled job are cancelled in turn. Cancelling a complete
// job does nothing.
func (s *Scheduler) Cancel(ctx *mgrcontext.Context, jobID int64) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		defer s.mu.Unlock()
		if _, err := s.completedJob(ctx, jobID); err != nil {
			var notFound *mgrerrors.ErrNotFound
			if errors.As(err, &notFound) {
				return errors.WithStack(&mgrerrors.ErrNotFound{Type: "job", Value: strconv.FormatInt(jobID, 10)})
			}
			return err
		}
		return nil
	}
	ctx = mgrcontext.WithLogField(ctx, "job", jobID)
	if r, running := s.running[jobID]; running {
		ctx.Log.Info("Cancelling running job")
		r.cancel()
		s.mu.Unlock()
		s.awaitCancelled(ctx, jobID, r)
		return nil
	}
	ctx.Log.Info("Cancelling pending job")
	s.completeJob(ctx, job, model.ResultCancelled, mgrerrors.KindCancelled, "cancelled by user")
	s.mu.Unlock()
	s.signal()
	return nil
}

// awaitCancelled waits for the worker of a cancelled job to return; the loop completes the job when it takes
// the worker's completion. A step that ignores cancellation for longer than CancelTimeout has its job
// completed and its locks released without it.
func (s *Scheduler) awaitCancelled(ctx *mgrcontext.Context, jobID int64, r *run) {
	timer := s.clock.NewTimer(s.config.CancelTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return
	case <-ctx.Done():
		return
	case <-timer.C():
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.running[jobID]; ok && current == r {
		ctx.Log.Warnf("Job did not stop within %s of being cancelled; releasing its locks", s.config.CancelTimeout)
		delete(s.running, jobID)
		if job, ok := s.jobs[jobID]; ok {
			s.completeJob(ctx, job, model.ResultCancelled, mgrerrors.KindCancelled, "cancelled by user")
		} else {
			s.locks.Release(jobID)
			s.drainBuffered(ctx)
		}
	}
	s.signal()
}
