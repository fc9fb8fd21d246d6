package scheduler

import (
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/whamcloud/lmgr/internal/common/logging"
	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/locks"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/objectcache"
	"github.com/whamcloud/lmgr/internal/scheduler/statemachine"
)

// JobDetails is a job with the results of its steps and, while pending, the jobs blocking its locks.
type JobDetails struct {
	Job       *model.Job
	Steps     []*model.StepResult
	BlockedBy []int64
}

func (s *Scheduler) GetJob(ctx *mgrcontext.Context, id int64) (*JobDetails, error) {
	s.mu.Lock()
	var job *model.Job
	if incomplete, ok := s.jobs[id]; ok {
		job = incomplete.DeepCopy()
	} else {
		completed, err := s.completedJob(ctx, id)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		job = completed.DeepCopy()
	}
	s.mu.Unlock()

	details := &JobDetails{Job: job}
	if job.State == model.JobPending {
		details.BlockedBy = s.locks.BlockedBy(id)
	}
	stepResults, err := s.repo.GetStepResults(ctx, id)
	if err != nil {
		return nil, err
	}
	details.Steps = stepResults
	return details, nil
}

func (s *Scheduler) GetCommand(ctx *mgrcontext.Context, id int64) (*model.Command, error) {
	s.mu.Lock()
	if command, ok := s.commands[id]; ok {
		defer s.mu.Unlock()
		return command.DeepCopy(), nil
	}
	s.mu.Unlock()
	return s.repo.GetCommand(ctx, id)
}

// DismissCommand hides a complete command from the user's list of recent commands.
func (s *Scheduler) DismissCommand(ctx *mgrcontext.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, incomplete := s.commands[id]; incomplete {
		return errors.WithStack(&mgrerrors.ErrInvalidArgument{
			Name:    "command",
			Value:   id,
			Message: "cannot dismiss a command that has not completed",
		})
	}
	command, err := s.repo.GetCommand(ctx, id)
	if err != nil {
		return err
	}
	if command.Dismissed {
		return nil
	}
	command.Dismissed = true
	if err := s.repo.UpdateCommand(ctx, command); err != nil {
		return err
	}
	s.fabric.Bump(CommandTable)
	return nil
}

// AvailableTransitions returns the transitions offered for each object. Objects write locked by an incomplete
// job offer none.
func (s *Scheduler) AvailableTransitions(refs []model.ObjectRef) (map[model.ObjectRef][]statemachine.AvailableTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRefs(refs); err != nil {
		return nil, err
	}
	view := s.cache.Snapshot()
	result := make(map[model.ObjectRef][]statemachine.AvailableTransition, len(refs))
	for _, ref := range refs {
		result[ref] = []statemachine.AvailableTransition{}
		if s.locks.IsWriteLocked(ref) {
			continue
		}
		obj, _ := view.Get(ref)
		if available := s.registry.AvailableTransitions(view, obj); available != nil {
			result[ref] = available
		}
	}
	return result, nil
}

// AvailableJobs returns the advertised jobs that can run against each object. Objects write locked by an
// incomplete job offer none.
func (s *Scheduler) AvailableJobs(refs []model.ObjectRef) (map[model.ObjectRef][]statemachine.AvailableJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRefs(refs); err != nil {
		return nil, err
	}
	view := s.cache.Snapshot()
	result := make(map[model.ObjectRef][]statemachine.AvailableJob, len(refs))
	for _, ref := range refs {
		result[ref] = []statemachine.AvailableJob{}
		if s.locks.IsWriteLocked(ref) {
			continue
		}
		obj, _ := view.Get(ref)
		if available := s.registry.AvailableJobs(view, obj); available != nil {
			result[ref] = available
		}
	}
	return result, nil
}

// Locks returns every queued and held lock.
func (s *Scheduler) Locks() []locks.LockInfo {
	return s.locks.Snapshot()
}

func (s *Scheduler) GetObject(ref model.ObjectRef) (*model.StatefulObject, error) {
	obj, ok := s.cache.Get(ref)
	if !ok {
		return nil, errors.WithStack(&mgrerrors.ErrNotFound{Type: string(ref.Class), Value: strconv.FormatInt(ref.ID, 10)})
	}
	return obj.DeepCopy(), nil
}

// ListObjects returns the objects of a class ordered by id.
func (s *Scheduler) ListObjects(class model.Class) []*model.StatefulObject {
	return s.cache.Filter(class, nil)
}

// CreateObject adds a new object of a registered class. An empty state means the class's initial state.
func (s *Scheduler) CreateObject(ctx *mgrcontext.Context, obj *model.StatefulObject) (*model.StatefulObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createObject(ctx, obj)
}

// CreateObjects creates root and then each of related with linkAttr set to root's id. check, if set, runs
// first against the current objects and can refuse the creation. Nothing else creates objects or runs jobs
// in the meantime. If an object cannot be created, those already created are deleted again.
func (s *Scheduler) CreateObjects(
	ctx *mgrcontext.Context,
	check func(view objectcache.View) error,
	root *model.StatefulObject,
	linkAttr string,
	related []*model.StatefulObject,
) ([]*model.StatefulObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if check != nil {
		if err := check(s.cache.Snapshot()); err != nil {
			return nil, err
		}
	}
	created, err := s.createObject(ctx, root)
	if err != nil {
		return nil, err
	}
	results := []*model.StatefulObject{created}
	for _, obj := range related {
		linked := obj.WithAttributes(map[string]interface{}{linkAttr: created.Ref.ID})
		result, err := s.createObject(ctx, linked)
		if err != nil {
			s.rollBack(ctx, results)
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// rollBack deletes objects created by a CreateObjects that failed part way, newest first.
func (s *Scheduler) rollBack(ctx *mgrcontext.Context, created []*model.StatefulObject) {
	for i := len(created) - 1; i >= 0; i-- {
		ref := created[i].Ref
		if err := s.cache.Invalidate(ctx, ref); err != nil {
			logging.WithStacktrace(ctx.Log, err).Errorf("Failed to delete %s after a failed creation", ref)
			continue
		}
		ctx.Log.WithField("object", ref.String()).Warn("Deleted object after a failed creation")
	}
}

func (s *Scheduler) createObject(ctx *mgrcontext.Context, obj *model.StatefulObject) (*model.StatefulObject, error) {
	def, ok := s.registry.Class(obj.Ref.Class)
	if !ok {
		return nil, errors.WithStack(&mgrerrors.ErrInvalidArgument{
			Name:    "class",
			Value:   obj.Ref.Class,
			Message: "not a managed class",
		})
	}
	created := obj.DeepCopy()
	if created.State == "" {
		created.State = def.InitialState
	}
	if !slices.Contains(def.States, created.State) {
		return nil, errors.WithStack(&mgrerrors.ErrInvalidArgument{
			Name:    "state",
			Value:   created.State,
			Message: "not a state of " + string(obj.Ref.Class),
		})
	}
	if created.StateModifiedAt.IsZero() {
		created.StateModifiedAt = s.clock.Now()
	}
	created.Ref.ID = 0
	result, err := s.cache.Create(ctx, created)
	if err != nil {
		return nil, err
	}
	ctx.Log.WithField("object", result.Ref.String()).Infof("Created object in state %s", result.State)
	return result.DeepCopy(), nil
}
