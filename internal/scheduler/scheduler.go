package scheduler

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/whamcloud/lmgr/internal/common/logging"
	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/database"
	"github.com/whamcloud/lmgr/internal/scheduler/locks"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/notify"
	"github.com/whamcloud/lmgr/internal/scheduler/objectcache"
	"github.com/whamcloud/lmgr/internal/scheduler/statemachine"
	"github.com/whamcloud/lmgr/internal/scheduler/steps"
)

// Tables bumped in the notification fabric for rows other than stateful objects, which use their class.
const (
	JobTable     = "job"
	CommandTable = "command"
)

// completion is sent by a worker to the scheduling loop once a job's steps have finished.
type completion struct {
	jobID   int64
	err     error
	changes []steps.AttributeChange
}

// RemovalListener is called for every object that has reached a terminal state and left the cache. It runs on
// the scheduling loop and must not call back into the scheduler.
type RemovalListener func(ctx *mgrcontext.Context, obj *model.StatefulObject)

// run is a tasked job.
type run struct {
	cancel context.CancelFunc
	// closed once the worker has returned
	done chan struct{}
}

// Scheduler runs jobs. Scheduling decisions happen on one goroutine, the loop started by Run, which is woken
// by submissions, cancellations and job completions. Steps run on a bounded pool of workers; their effects on
// stateful objects are applied by the loop.
type Scheduler struct {
	registry *statemachine.Registry
	steps    *steps.Registry
	repo     database.Repository
	cache    *objectcache.ObjectCache
	locks    *locks.Manager
	fabric   *notify.Fabric
	agent    steps.AgentCaller
	config   Config
	clock    clock.Clock
	metrics  *schedulerMetrics
	workers  *semaphore.Weighted

	mu sync.Mutex
	// incomplete jobs and commands
	jobs     map[int64]*model.Job
	commands map[int64]*model.Command
	running  map[int64]*run
	// recently completed jobs
	completed *lru.Cache
	// attribute updates reported for objects that were locked at the time
	buffered      map[model.ObjectRef][]Observation
	lastCommandID int64
	lastJobID     int64
	onRemoved     []RemovalListener

	wake        chan struct{}
	completions chan completion
	// closed when the loop exits
	stopped chan struct{}
	// root context of workers, set by Run
	runCtx *mgrcontext.Context
}

func New(
	registry *statemachine.Registry,
	stepRegistry *steps.Registry,
	repo database.Repository,
	cache *objectcache.ObjectCache,
	lockManager *locks.Manager,
	fabric *notify.Fabric,
	agent steps.AgentCaller,
	config Config,
	clock clock.Clock,
	registerer prometheus.Registerer,
) (*Scheduler, error) {
	completed, err := lru.New(config.CompletedJobCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Scheduler{
		registry:    registry,
		steps:       stepRegistry,
		repo:        repo,
		cache:       cache,
		locks:       lockManager,
		fabric:      fabric,
		agent:       agent,
		config:      config,
		clock:       clock,
		metrics:     newSchedulerMetrics(registerer),
		workers:     semaphore.NewWeighted(int64(config.WorkerPoolSize)),
		jobs:        map[int64]*model.Job{},
		commands:    map[int64]*model.Command{},
		running:     map[int64]*run{},
		completed:   completed,
		buffered:    map[model.ObjectRef][]Observation{},
		wake:        make(chan struct{}, 1),
		completions: make(chan completion, config.WorkerPoolSize),
		stopped:     make(chan struct{}),
	}, nil
}

// OnRemoved registers a listener for objects removed by jobs.
func (s *Scheduler) OnRemoved(listener RemovalListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemoved = append(s.onRemoved, listener)
}

// Recover loads the state left by a previous process: objects into the cache, table timestamps, id counters
// and every incomplete command and job. Jobs that were tasked cannot be resumed mid step and are errored.
// Must be called once, before Run.
func (s *Scheduler) Recover(ctx *mgrcontext.Context) error {
	start := s.clock.Now()
	objects, err := s.repo.LoadObjects(ctx)
	if err != nil {
		return errors.WithMessage(err, "loading objects")
	}
	if err := s.cache.Load(objects); err != nil {
		return err
	}
	if err := s.fabric.Load(ctx, s.repo); err != nil {
		return errors.WithMessage(err, "loading table timestamps")
	}
	lastCommandID, lastJobID, err := s.repo.MaxIDs(ctx)
	if err != nil {
		return errors.WithMessage(err, "loading id counters")
	}
	commands, err := s.repo.LoadIncompleteCommands(ctx)
	if err != nil {
		return errors.WithMessage(err, "loading incomplete commands")
	}
	jobs, err := s.repo.LoadIncompleteJobs(ctx)
	if err != nil {
		return errors.WithMessage(err, "loading incomplete jobs")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCommandID, s.lastJobID = lastCommandID, lastJobID
	for _, command := range commands {
		s.commands[command.ID] = command
	}
	var interrupted []*model.Job
	for _, job := range jobs {
		s.jobs[job.ID] = job
		// queue in id order so that lock fairness survives the restart
		s.locks.Enqueue(job)
		if job.State == model.JobTasked {
			interrupted = append(interrupted, job)
		}
	}
	// outcomes of the jobs of incomplete commands that had already completed
	for _, command := range commands {
		for _, id := range command.JobIDs {
			if _, ok := s.jobs[id]; ok {
				continue
			}
			job, err := s.repo.GetJob(ctx, id)
			if err != nil {
				return errors.WithMessagef(err, "loading job %d of command %d", id, command.ID)
			}
			s.completed.Add(job.ID, job)
			command.Errored = command.Errored || job.Result == model.ResultErrored
			command.Cancelled = command.Cancelled || job.Result == model.ResultCancelled
		}
	}
	for _, job := range interrupted {
		ctx.Log.WithField("job", job.ID).Warn("Job was running when the manager stopped; marking it errored")
		s.completeJob(ctx, job, model.ResultErrored, mgrerrors.KindFatalInternal,
			"interrupted: the manager restarted while the job was running")
	}
	// commands whose jobs had all completed before the restart
	for _, command := range maps.Values(s.commands) {
		s.updateCommand(ctx, command)
	}
	ctx.Log.Infof("Recovered %d objects, %d commands and %d jobs in %s",
		len(objects), len(commands), len(jobs), s.clock.Since(start))
	s.signal()
	return nil
}

// Run is the scheduling loop. It returns when ctx is cancelled.
func (s *Scheduler) Run(ctx *mgrcontext.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	defer close(s.stopped)

	ctx.Log.Info("Scheduler started")
	for {
		select {
		case <-ctx.Done():
			ctx.Log.Info("Scheduler stopping")
			return nil
		case <-s.wake:
		case c := <-s.completions:
			s.complete(ctx, c)
		}
		s.runNext(ctx)
	}
}

// signal wakes the loop without blocking.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// runNext starts every pending job whose dependencies have succeeded and whose locks can be granted, and
// cancels those whose dependencies did not succeed. It repeats until nothing changes since a cancellation
// may unblock later jobs.
func (s *Scheduler) runNext(ctx *mgrcontext.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for progressed := true; progressed; {
		progressed = false
		for _, job := range s.pendingJobs() {
			ready, failed := s.waitStatus(ctx, job)
			if failed != 0 {
				ctx.Log.WithField("job", job.ID).Warnf("Cancelling job because job %d did not succeed", failed)
				s.completeJob(ctx, job, model.ResultCancelled, mgrerrors.KindCancelled,
					"a job it depends on did not succeed")
				progressed = true
				continue
			}
			if !ready || !s.locks.Acquire(job) {
				continue
			}
			if err := s.start(ctx, job); err != nil {
				logging.WithStacktrace(ctx.Log.WithField("job", job.ID), err).Warn("Job could not start")
				s.completeJob(ctx, job, model.ResultErrored, mgrerrors.KindOf(err), err.Error())
				progressed = true
			}
		}
	}
	s.metrics.setJobCounts(len(s.jobs)-len(s.running), len(s.running))
}

func (s *Scheduler) pendingJobs() []*model.Job {
	var pending []*model.Job
	for _, job := range s.jobs {
		if job.State == model.JobPending {
			pending = append(pending, job)
		}
	}
	slices.SortFunc(pending, func(a, b *model.Job) bool { return a.ID < b.ID })
	return pending
}

// waitStatus reports whether every job in job.WaitFor has succeeded, or else the id of one that completed
// without success.
func (s *Scheduler) waitStatus(ctx *mgrcontext.Context, job *model.Job) (ready bool, failed int64) {
	ready = true
	for _, id := range job.WaitFor {
		if _, incomplete := s.jobs[id]; incomplete {
			ready = false
			continue
		}
		dep, err := s.completedJob(ctx, id)
		if err != nil {
			ctx.Log.WithError(err).Errorf("Cannot find job %d that job %d waits for", id, job.ID)
			return false, id
		}
		if !dep.Succeeded() {
			return false, id
		}
	}
	return ready, 0
}

func (s *Scheduler) completedJob(ctx *mgrcontext.Context, id int64) (*model.Job, error) {
	if cached, ok := s.completed.Get(id); ok {
		return cached.(*model.Job), nil
	}
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.IsComplete() {
		s.completed.Add(id, job)
	}
	return job, nil
}

// start checks the begin state of every write lock the job has just been granted, expands its steps and hands
// it to a worker.
func (s *Scheduler) start(ctx *mgrcontext.Context, job *model.Job) error {
	for _, l := range job.WriteLocks() {
		if l.BeginState == "" {
			continue
		}
		obj, ok := s.cache.Get(l.Object)
		actual := "deleted"
		if ok {
			actual = obj.State
		}
		if actual != l.BeginState {
			return errors.WithStack(&mgrerrors.ErrStateDrift{Object: l.Object.String(), Expected: l.BeginState, Actual: actual})
		}
	}
	def, ok := s.registry.Job(job.Class)
	if !ok {
		return errors.WithStack(&mgrerrors.ErrFatalInternal{Message: "unknown job class " + job.Class})
	}
	view := s.cache.Snapshot()
	var specs []model.StepSpec
	if def.Steps != nil {
		var err error
		if specs, err = def.Steps(view, job); err != nil {
			return errors.WithStack(&mgrerrors.ErrFatalInternal{Message: "expanding steps", Cause: err})
		}
	}
	for _, spec := range specs {
		if _, ok := s.steps.Get(spec.Class); !ok {
			return errors.WithStack(&mgrerrors.ErrFatalInternal{Message: "unknown step class " + spec.Class})
		}
	}

	now := s.clock.Now()
	job.State = model.JobTasked
	job.StartedAt = now
	job.ModifiedAt = now
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		return err
	}
	s.fabric.Bump(JobTable)

	parent := s.runCtx
	if parent == nil {
		parent = ctx
	}
	jobCtx, cancel := mgrcontext.WithCancel(mgrcontext.WithLogFields(parent, map[string]interface{}{
		"job":     job.ID,
		"command": job.CommandID,
		"class":   job.Class,
	}))
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.running[job.ID] = r
	jobCtx.Log.Infof("Starting job with %d steps: %s", len(specs), job.Description)
	go s.execute(jobCtx, r, job.DeepCopy(), specs, view)
	return nil
}

// complete applies the outcome reported by a worker.
func (s *Scheduler) complete(ctx *mgrcontext.Context, c completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.running[c.jobID]; ok {
		delete(s.running, c.jobID)
		r.cancel()
	}
	job, ok := s.jobs[c.jobID]
	if !ok {
		// given up on after CancelTimeout
		s.locks.Release(c.jobID)
		s.drainBuffered(ctx)
		return
	}
	ctx = mgrcontext.WithLogField(ctx, "job", job.ID)
	if c.err != nil {
		kind := mgrerrors.KindOf(c.err)
		result := model.ResultErrored
		if kind == mgrerrors.KindCancelled {
			result = model.ResultCancelled
		}
		logging.WithStacktrace(ctx.Log, c.err).Warnf("Job %s", result)
		s.completeJob(ctx, job, result, kind, c.err.Error())
		return
	}
	if err := s.applyEffects(ctx, job, c.changes); err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("Job succeeded but its effects could not be applied")
		s.completeJob(ctx, job, model.ResultErrored, mgrerrors.KindOf(err), err.Error())
		return
	}
	ctx.Log.Info("Job succeeded")
	s.completeJob(ctx, job, model.ResultSuccess, mgrerrors.KindNone, "")
}

// applyEffects writes the attribute changes recorded by the job's steps and its class, then moves every
// write locked object to its end state. An object deleted in the meantime counts as state drift and nothing
// is applied.
func (s *Scheduler) applyEffects(ctx *mgrcontext.Context, job *model.Job, changes []steps.AttributeChange) error {
	updated := map[model.ObjectRef]*model.StatefulObject{}
	current := func(ref model.ObjectRef) (*model.StatefulObject, bool) {
		if obj, ok := updated[ref]; ok {
			return obj, true
		}
		obj, ok := s.cache.Get(ref)
		if !ok {
			return nil, false
		}
		return obj.DeepCopy(), true
	}
	var order []model.ObjectRef
	track := func(obj *model.StatefulObject) {
		if _, seen := updated[obj.Ref]; !seen {
			order = append(order, obj.Ref)
		}
		updated[obj.Ref] = obj
	}

	for _, l := range job.WriteLocks() {
		if _, ok := s.cache.Get(l.Object); !ok {
			return errors.WithStack(&mgrerrors.ErrStateDrift{Object: l.Object.String(), Expected: l.BeginState, Actual: "deleted"})
		}
	}
	for _, change := range changes {
		obj, ok := current(change.Object)
		if !ok {
			ctx.Log.Warnf("Dropping attribute changes for %s, which no longer exists", change.Object)
			continue
		}
		track(obj.WithAttributes(change.Attributes))
	}
	if def, ok := s.registry.Job(job.Class); ok && def.OnSuccess != nil {
		for _, obj := range def.OnSuccess(s.cache.Snapshot(), job) {
			base, ok := current(obj.Ref)
			if !ok {
				continue
			}
			track(base.WithAttributes(obj.Attributes))
		}
	}
	now := s.clock.Now()
	for _, l := range job.WriteLocks() {
		if l.EndState == "" {
			continue
		}
		obj, _ := current(l.Object)
		obj.State = l.EndState
		obj.StateModifiedAt = now
		track(obj)
	}

	for _, ref := range order {
		obj := updated[ref]
		if err := s.cache.Update(ctx, obj); err != nil {
			return errors.WithStack(&mgrerrors.ErrFatalInternal{Message: "updating " + ref.String(), Cause: err})
		}
		if model.IsTerminal(obj.State) {
			if err := s.cache.Invalidate(ctx, ref); err != nil {
				return errors.WithStack(&mgrerrors.ErrFatalInternal{Message: "removing " + ref.String(), Cause: err})
			}
			for _, listener := range s.onRemoved {
				listener(ctx, obj)
			}
		}
	}
	return nil
}

// completeJob records the outcome of a job, releases its locks and completes its command if this was its last
// job. Must be called with s.mu held.
func (s *Scheduler) completeJob(ctx *mgrcontext.Context, job *model.Job, result model.JobResult, kind mgrerrors.Kind, message string) {
	now := s.clock.Now()
	job.State = model.JobComplete
	job.Result = result
	if result != model.ResultSuccess {
		job.ErrorKind = string(kind)
		job.ErrorMessage = message
	}
	job.FinishedAt = now
	job.ModifiedAt = now
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		logging.WithStacktrace(ctx.Log, err).Errorf("Failed to record completion of job %d", job.ID)
	}
	delete(s.jobs, job.ID)
	s.completed.Add(job.ID, job)
	if _, running := s.running[job.ID]; !running {
		s.locks.Release(job.ID)
	}
	s.metrics.jobCompleted(job)
	s.fabric.Bump(JobTable)

	if command, ok := s.commands[job.CommandID]; ok {
		command.Errored = command.Errored || result == model.ResultErrored
		command.Cancelled = command.Cancelled || result == model.ResultCancelled
		s.updateCommand(ctx, command)
	}
	s.drainBuffered(ctx)
}

// updateCommand completes the command once none of its jobs is incomplete.
func (s *Scheduler) updateCommand(ctx *mgrcontext.Context, command *model.Command) {
	for _, id := range command.JobIDs {
		if _, incomplete := s.jobs[id]; incomplete {
			return
		}
	}
	command.Complete = true
	if err := s.repo.UpdateCommand(ctx, command); err != nil {
		logging.WithStacktrace(ctx.Log, err).Errorf("Failed to record completion of command %d", command.ID)
	}
	delete(s.commands, command.ID)
	s.fabric.Bump(CommandTable)
	ctx.Log.WithField("command", command.ID).Infof("Command complete (errored=%t, cancelled=%t)", command.Errored, command.Cancelled)
}
