package server

import (
	"time"

	"github.com/whamcloud/lmgr/internal/scheduler"
	"github.com/whamcloud/lmgr/internal/scheduler/locks"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/notify"
	"github.com/whamcloud/lmgr/internal/scheduler/planner"
	"github.com/whamcloud/lmgr/internal/scheduler/statemachine"
	"github.com/whamcloud/lmgr/pkg/api"
)

func fromApiRef(ref api.ObjectRef) model.ObjectRef {
	return model.NewRef(model.Class(ref.Class), ref.ID)
}

func toApiRef(ref model.ObjectRef) api.ObjectRef {
	return api.ObjectRef{Class: string(ref.Class), ID: ref.ID}
}

func toApiObject(obj *model.StatefulObject) *api.Object {
	return &api.Object{
		Ref:             toApiRef(obj.Ref),
		State:           obj.State,
		StateModifiedAt: obj.StateModifiedAt,
		ImmutableState:  obj.ImmutableState,
		Attributes:      obj.Attributes,
	}
}

func toApiObjects(objs []*model.StatefulObject) []*api.Object {
	out := make([]*api.Object, 0, len(objs))
	for _, obj := range objs {
		out = append(out, toApiObject(obj))
	}
	return out
}

func toApiCommand(command *model.Command) *api.Command {
	if command == nil {
		return nil
	}
	return &api.Command{
		ID:        command.ID,
		Message:   command.Message,
		CreatedAt: command.CreatedAt,
		Complete:  command.Complete,
		Cancelled: command.Cancelled,
		Errored:   command.Errored,
		Dismissed: command.Dismissed,
		JobIDs:    command.JobIDs,
	}
}

func toApiPlannedJob(job *planner.PlannedJob) *api.PlannedJob {
	if job == nil {
		return nil
	}
	out := &api.PlannedJob{
		Index:                job.Index,
		Class:                job.Class,
		Args:                 job.Args,
		FromState:            job.FromState,
		ToState:              job.ToState,
		Description:          job.Description,
		RequiresConfirmation: job.RequiresConfirmation,
		WaitFor:              job.WaitFor,
		WaitForJobs:          job.WaitForJobs,
	}
	if !job.Object.IsZero() {
		ref := toApiRef(job.Object)
		out.Object = &ref
	}
	return out
}

func toApiPlannedJobs(jobs []*planner.PlannedJob) []*api.PlannedJob {
	out := make([]*api.PlannedJob, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toApiPlannedJob(job))
	}
	return out
}

func toApiLock(lock model.StateLock) api.Lock {
	return api.Lock{
		Object:     toApiRef(lock.Object),
		Mode:       string(lock.Mode),
		BeginState: lock.BeginState,
		EndState:   lock.EndState,
	}
}

func toApiLockInfo(info locks.LockInfo) api.Lock {
	return api.Lock{
		JobID:      info.JobID,
		Object:     toApiRef(info.Object),
		Mode:       string(info.Mode),
		BeginState: info.BeginState,
		EndState:   info.EndState,
		Held:       info.Held,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toApiJob(details *scheduler.JobDetails) *api.JobResponse {
	job := details.Job
	out := &api.Job{
		ID:           job.ID,
		CommandID:    job.CommandID,
		Class:        job.Class,
		Args:         job.Args,
		State:        string(job.State),
		Result:       string(job.Result),
		ErrorKind:    job.ErrorKind,
		ErrorMessage: job.ErrorMessage,
		WaitFor:      job.WaitFor,
		Description:  job.Description,
		CreatedAt:    job.CreatedAt,
		ModifiedAt:   job.ModifiedAt,
		StartedAt:    optionalTime(job.StartedAt),
		FinishedAt:   optionalTime(job.FinishedAt),
	}
	for _, lock := range job.Locks {
		l := toApiLock(lock)
		l.JobID = job.ID
		out.Locks = append(out.Locks, l)
	}
	steps := make([]*api.Step, 0, len(details.Steps))
	for _, step := range details.Steps {
		steps = append(steps, &api.Step{
			Index:      step.StepIndex,
			Class:      step.StepClass,
			Args:       step.Args,
			State:      string(step.State),
			Attempt:    step.Attempt,
			Result:     step.Result,
			Log:        step.Log,
			Console:    step.Console,
			Backtrace:  step.Backtrace,
			CreatedAt:  step.CreatedAt,
			ModifiedAt: step.ModifiedAt,
		})
	}
	return &api.JobResponse{Job: out, Steps: steps, BlockedBy: details.BlockedBy}
}

func toApiTransition(t statemachine.AvailableTransition) api.AvailableTransition {
	return api.AvailableTransition{
		State:                t.State,
		Verb:                 t.Verb,
		JobClass:             t.JobClass,
		LongDescription:      t.LongDescription,
		RequiresConfirmation: t.RequiresConfirmation,
		DisplayGroup:         t.DisplayGroup,
		DisplayOrder:         t.DisplayOrder,
	}
}

func toApiAvailableJob(j statemachine.AvailableJob) api.AvailableJob {
	return api.AvailableJob{
		Class:                j.Class,
		Verb:                 j.Verb,
		Args:                 j.Args,
		LongDescription:      j.LongDescription,
		RequiresConfirmation: j.RequiresConfirmation,
		DisplayGroup:         j.DisplayGroup,
		DisplayOrder:         j.DisplayOrder,
	}
}

func fromApiTimestamps(ts api.Timestamps) notify.Timestamps {
	return notify.Timestamps{Tables: ts.Tables, Max: ts.Max}
}

func toApiTimestamps(ts notify.Timestamps) api.Timestamps {
	return api.Timestamps{Tables: ts.Tables, Max: ts.Max}
}
