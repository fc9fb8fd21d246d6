package scheduler

import (
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/planner"
)

// SetState plans bringing every intent's object to its state and queues the jobs as one command. A dry run
// returns the plan without creating anything. Intents that are already satisfied give a command with no jobs,
// which is complete from the start.
func (s *Scheduler) SetState(ctx *mgrcontext.Context, intents []planner.Intent, message string, dryRun bool) (*model.Command, *planner.Plan, error) {
	refs := make([]model.ObjectRef, len(intents))
	for i, intent := range intents {
		refs[i] = intent.Object
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRefs(refs); err != nil {
		return nil, nil, err
	}
	plan, err := planner.New(s.registry, s.locks).PlanStateChanges(s.cache.Snapshot(), intents)
	if err != nil {
		return nil, nil, err
	}
	if dryRun {
		return nil, plan, nil
	}
	command, err := s.submit(ctx, plan, message)
	if err != nil {
		return nil, nil, err
	}
	return command, plan, nil
}

// RunJobs plans the given jobs, and whatever they depend on, as one command.
func (s *Scheduler) RunJobs(ctx *mgrcontext.Context, specs []planner.JobSpec, message string) (*model.Command, error) {
	var refs []model.ObjectRef
	for _, spec := range specs {
		if _, ok := s.registry.Job(spec.Class); !ok {
			return nil, errors.WithStack(&mgrerrors.ErrScheduling{
				Reason:  mgrerrors.ReasonUnknownJobClass,
				Object:  spec.Class,
				Message: "no such job class",
			})
		}
		if ref, err := model.ObjectFromArgs(spec.Args); err == nil {
			refs = append(refs, ref)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRefs(refs); err != nil {
		return nil, err
	}
	plan, err := planner.New(s.registry, s.locks).PlanJobs(s.cache.Snapshot(), specs)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, plan, message)
}

// Consequences returns the jobs that SetState would create to move object to state.
func (s *Scheduler) Consequences(object model.ObjectRef, state string) (*planner.Consequences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRefs([]model.ObjectRef{object}); err != nil {
		return nil, err
	}
	return planner.New(s.registry, s.locks).Consequences(s.cache.Snapshot(), object, state)
}

// checkRefs returns an ErrNotFound for every ref that is not in the cache.
func (s *Scheduler) checkRefs(refs []model.ObjectRef) error {
	var result *multierror.Error
	for _, ref := range refs {
		if _, ok := s.cache.Get(ref); !ok {
			result = multierror.Append(result, &mgrerrors.ErrNotFound{Type: string(ref.Class), Value: strconv.FormatInt(ref.ID, 10)})
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// submit persists the plan as a command and queues its jobs. Must be called with s.mu held.
func (s *Scheduler) submit(ctx *mgrcontext.Context, plan *planner.Plan, message string) (*model.Command, error) {
	now := s.clock.Now()
	command := &model.Command{
		ID:        s.lastCommandID + 1,
		Message:   message,
		CreatedAt: now,
		Complete:  len(plan.Jobs) == 0,
	}
	jobs := make([]*model.Job, len(plan.Jobs))
	for i, planned := range plan.Jobs {
		waitFor := append([]int64(nil), planned.WaitForJobs...)
		for _, index := range planned.WaitFor {
			waitFor = append(waitFor, s.lastJobID+int64(index)+1)
		}
		jobs[i] = &model.Job{
			ID:          s.lastJobID + int64(i) + 1,
			CommandID:   command.ID,
			Class:       planned.Class,
			Args:        planned.Args,
			State:       model.JobPending,
			WaitFor:     waitFor,
			Locks:       planned.Locks,
			Description: planned.Description,
			CreatedAt:   now,
			ModifiedAt:  now,
		}
		command.JobIDs = append(command.JobIDs, jobs[i].ID)
	}
	if err := s.repo.CreateCommand(ctx, command, jobs); err != nil {
		return nil, errors.WithMessage(err, "creating command")
	}
	s.lastCommandID = command.ID
	s.lastJobID += int64(len(jobs))
	if !command.Complete {
		s.commands[command.ID] = command
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
		s.locks.Enqueue(job)
	}
	s.metrics.commands.Inc()
	s.fabric.Bump(CommandTable)
	if len(jobs) > 0 {
		s.fabric.Bump(JobTable)
	}
	ctx.Log.WithField("command", command.ID).Infof("Created command %q with %d jobs", message, len(jobs))
	s.signal()
	return command.DeepCopy(), nil
}
