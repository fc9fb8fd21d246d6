// Package server implements the command façade, the gRPC service the REST layer calls to change and query
// cluster state.
package server

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/lustre"
	"github.com/whamcloud/lmgr/internal/scheduler"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/notify"
	"github.com/whamcloud/lmgr/internal/scheduler/objectcache"
	"github.com/whamcloud/lmgr/internal/scheduler/planner"
	"github.com/whamcloud/lmgr/pkg/api"
)

type ManagerServer struct {
	scheduler       *scheduler.Scheduler
	fabric          *notify.Fabric
	longPollTimeout time.Duration
}

func NewManagerServer(scheduler *scheduler.Scheduler, fabric *notify.Fabric, longPollTimeout time.Duration) *ManagerServer {
	return &ManagerServer{
		scheduler:       scheduler,
		fabric:          fabric,
		longPollTimeout: longPollTimeout,
	}
}

func (s *ManagerServer) SetState(grpcCtx context.Context, req *api.SetStateRequest) (*api.SetStateResponse, error) {
	ctx := mgrcontext.FromGrpcCtx(grpcCtx)
	if len(req.Intents) == 0 {
		return nil, errors.WithStack(&mgrerrors.ErrInvalidArgument{Name: "intents", Value: req.Intents, Message: "at least one intent is required"})
	}
	intents := make([]planner.Intent, 0, len(req.Intents))
	for _, intent := range req.Intents {
		intents = append(intents, planner.Intent{Object: fromApiRef(intent.Object), State: intent.State})
	}
	command, plan, err := s.scheduler.SetState(ctx, intents, req.Message, req.DryRun)
	if err != nil {
		return nil, err
	}
	return &api.SetStateResponse{Command: toApiCommand(command), Plan: toApiPlannedJobs(plan.Jobs)}, nil
}

func (s *ManagerServer) RunJobs(grpcCtx context.Context, req *api.RunJobsRequest) (*api.CommandResponse, error) {
	ctx := mgrcontext.FromGrpcCtx(grpcCtx)
	if len(req.Jobs) == 0 {
		return nil, errors.WithStack(&mgrerrors.ErrInvalidArgument{Name: "jobs", Value: req.Jobs, Message: "at least one job is required"})
	}
	specs := make([]planner.JobSpec, 0, len(req.Jobs))
	for _, job := range req.Jobs {
		specs = append(specs, planner.JobSpec{Class: job.Class, Args: job.Args, DependsOn: job.DependsOn})
	}
	command, err := s.scheduler.RunJobs(ctx, specs, req.Message)
	if err != nil {
		return nil, err
	}
	return &api.CommandResponse{Command: toApiCommand(command)}, nil
}

func (s *ManagerServer) CancelJob(grpcCtx context.Context, req *api.JobRequest) (*api.Empty, error) {
	if err := s.scheduler.Cancel(mgrcontext.FromGrpcCtx(grpcCtx), req.ID); err != nil {
		return nil, err
	}
	return &api.Empty{}, nil
}

func (s *ManagerServer) AvailableTransitions(_ context.Context, req *api.ObjectsRequest) (*api.AvailableTransitionsResponse, error) {
	refs := fromApiRefs(req.Objects)
	available, err := s.scheduler.AvailableTransitions(refs)
	if err != nil {
		return nil, err
	}
	response := &api.AvailableTransitionsResponse{Objects: make([]api.ObjectTransitions, 0, len(refs))}
	for _, ref := range refs {
		transitions := make([]api.AvailableTransition, 0, len(available[ref]))
		for _, t := range available[ref] {
			transitions = append(transitions, toApiTransition(t))
		}
		response.Objects = append(response.Objects, api.ObjectTransitions{Object: toApiRef(ref), Transitions: transitions})
	}
	return response, nil
}

func (s *ManagerServer) AvailableJobs(_ context.Context, req *api.ObjectsRequest) (*api.AvailableJobsResponse, error) {
	refs := fromApiRefs(req.Objects)
	available, err := s.scheduler.AvailableJobs(refs)
	if err != nil {
		return nil, err
	}
	response := &api.AvailableJobsResponse{Objects: make([]api.ObjectJobs, 0, len(refs))}
	for _, ref := range refs {
		jobs := make([]api.AvailableJob, 0, len(available[ref]))
		for _, j := range available[ref] {
			jobs = append(jobs, toApiAvailableJob(j))
		}
		response.Objects = append(response.Objects, api.ObjectJobs{Object: toApiRef(ref), Jobs: jobs})
	}
	return response, nil
}

func (s *ManagerServer) TransitionConsequences(_ context.Context, req *api.ConsequencesRequest) (*api.ConsequencesResponse, error) {
	consequences, err := s.scheduler.Consequences(fromApiRef(req.Object), req.State)
	if err != nil {
		return nil, err
	}
	return &api.ConsequencesResponse{
		TransitionJob:  toApiPlannedJob(consequences.TransitionJob),
		DependencyJobs: toApiPlannedJobs(consequences.DependencyJobs),
	}, nil
}

func (s *ManagerServer) GetLocks(_ context.Context, _ *api.Empty) (*api.LocksResponse, error) {
	infos := s.scheduler.Locks()
	response := &api.LocksResponse{Locks: make([]api.Lock, 0, len(infos))}
	for _, info := range infos {
		response.Locks = append(response.Locks, toApiLockInfo(info))
	}
	return response, nil
}

func (s *ManagerServer) GetCommand(grpcCtx context.Context, req *api.CommandRequest) (*api.CommandResponse, error) {
	command, err := s.scheduler.GetCommand(mgrcontext.FromGrpcCtx(grpcCtx), req.ID)
	if err != nil {
		return nil, err
	}
	return &api.CommandResponse{Command: toApiCommand(command)}, nil
}

func (s *ManagerServer) DismissCommand(grpcCtx context.Context, req *api.CommandRequest) (*api.Empty, error) {
	if err := s.scheduler.DismissCommand(mgrcontext.FromGrpcCtx(grpcCtx), req.ID); err != nil {
		return nil, err
	}
	return &api.Empty{}, nil
}

func (s *ManagerServer) GetJob(grpcCtx context.Context, req *api.JobRequest) (*api.JobResponse, error) {
	details, err := s.scheduler.GetJob(mgrcontext.FromGrpcCtx(grpcCtx), req.ID)
	if err != nil {
		return nil, err
	}
	return toApiJob(details), nil
}

// CreateHost adds a host in its initial state together with its LNet, Corosync and Pacemaker configuration
// objects.
func (s *ManagerServer) CreateHost(grpcCtx context.Context, req *api.CreateHostRequest) (*api.CreateHostResponse, error) {
	ctx := mgrcontext.WithLogField(mgrcontext.FromGrpcCtx(grpcCtx), "fqdn", req.Fqdn)
	if req.Fqdn == "" {
		return nil, errors.WithStack(&mgrerrors.ErrInvalidArgument{Name: "fqdn", Value: req.Fqdn, Message: "a host needs an fqdn"})
	}
	nodename := req.Nodename
	if nodename == "" {
		nodename = req.Fqdn
	}
	address := req.Address
	if address == "" {
		address = req.Fqdn
	}
	host := &model.StatefulObject{
		Ref: model.ObjectRef{Class: lustre.Host},
		Attributes: map[string]interface{}{
			lustre.AttrFqdn:     req.Fqdn,
			lustre.AttrNodename: nodename,
			lustre.AttrAddress:  address,
			lustre.AttrContact:  false,
		},
	}
	var related []*model.StatefulObject
	for _, class := range []model.Class{lustre.LNetConfiguration, lustre.CorosyncConfiguration, lustre.PacemakerConfiguration} {
		related = append(related, &model.StatefulObject{Ref: model.ObjectRef{Class: class}})
	}
	created, err := s.scheduler.CreateObjects(ctx, uniqueFqdn(req.Fqdn), host, lustre.AttrHostID, related)
	if err != nil {
		return nil, err
	}
	response := &api.CreateHostResponse{Host: toApiObject(created[0])}
	for _, obj := range created[1:] {
		response.Related = append(response.Related, toApiObject(obj))
	}
	return response, nil
}

// uniqueFqdn refuses a host whose fqdn is already used by a host that has not been removed.
func uniqueFqdn(fqdn string) func(view objectcache.View) error {
	return func(view objectcache.View) error {
		existing := view.Filter(lustre.Host, func(obj *model.StatefulObject) bool {
			return obj.StringAttr(lustre.AttrFqdn) == fqdn && !model.IsTerminal(obj.State)
		})
		if len(existing) > 0 {
			return errors.WithStack(&mgrerrors.ErrAlreadyExists{Type: string(lustre.Host), Value: fqdn})
		}
		return nil
	}
}

func (s *ManagerServer) CreateObject(grpcCtx context.Context, req *api.CreateObjectRequest) (*api.ObjectResponse, error) {
	created, err := s.scheduler.CreateObject(mgrcontext.FromGrpcCtx(grpcCtx), &model.StatefulObject{
		Ref:        model.ObjectRef{Class: model.Class(req.Class)},
		State:      req.State,
		Attributes: req.Attributes,
	})
	if err != nil {
		return nil, err
	}
	return &api.ObjectResponse{Object: toApiObject(created)}, nil
}

func (s *ManagerServer) GetObject(_ context.Context, req *api.ObjectRequest) (*api.ObjectResponse, error) {
	obj, err := s.scheduler.GetObject(fromApiRef(req.Object))
	if err != nil {
		return nil, err
	}
	return &api.ObjectResponse{Object: toApiObject(obj)}, nil
}

func (s *ManagerServer) ListObjects(_ context.Context, req *api.ListObjectsRequest) (*api.ObjectsResponse, error) {
	return &api.ObjectsResponse{Objects: toApiObjects(s.scheduler.ListObjects(model.Class(req.Class)))}, nil
}

func (s *ManagerServer) Notify(grpcCtx context.Context, req *api.NotifyRequest) (*api.NotifyResponse, error) {
	applied, err := s.scheduler.Notify(mgrcontext.FromGrpcCtx(grpcCtx), scheduler.Observation{
		Object:     fromApiRef(req.Object),
		At:         req.At,
		State:      req.State,
		Attributes: req.Attributes,
		FromStates: req.FromStates,
	})
	if err != nil {
		return nil, err
	}
	return &api.NotifyResponse{Applied: applied}, nil
}

// WaitForChanges blocks until one of the requested tables changes after LastSeen, or the timeout passes.
func (s *ManagerServer) WaitForChanges(grpcCtx context.Context, req *api.WaitRequest) (*api.WaitResponse, error) {
	timeout := s.longPollTimeout
	if req.TimeoutMillis > 0 {
		timeout = time.Duration(req.TimeoutMillis) * time.Millisecond
	}
	tables := req.Tables
	if len(tables) == 0 {
		tables = []string{scheduler.JobTable, scheduler.CommandTable}
	}
	ts, timedOut, err := s.fabric.Wait(grpcCtx, fromApiTimestamps(req.LastSeen), tables, timeout)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if timedOut {
		return &api.WaitResponse{Timestamps: toApiTimestamps(s.fabric.Snapshot()), TimedOut: true}, nil
	}
	return &api.WaitResponse{Timestamps: toApiTimestamps(ts)}, nil
}

func fromApiRefs(refs []api.ObjectRef) []model.ObjectRef {
	out := make([]model.ObjectRef, 0, len(refs))
	for _, ref := range refs {
		out = append(out, fromApiRef(ref))
	}
	return out
}
