package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/lustre"
	"github.com/whamcloud/lmgr/internal/lustre/lustretest"
	"github.com/whamcloud/lmgr/internal/scheduler/database"
	"github.com/whamcloud/lmgr/internal/scheduler/locks"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/notify"
	"github.com/whamcloud/lmgr/internal/scheduler/objectcache"
	"github.com/whamcloud/lmgr/internal/scheduler/planner"
)

const testTimeout = 5 * time.Second

type agentHandler func(ctx context.Context, fqdn string, args map[string]interface{}) (interface{}, error)

// fakeAgent succeeds every action that has no handler.
type fakeAgent struct {
	mu       sync.Mutex
	handlers map[string]agentHandler
	calls    map[string][]string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{handlers: map[string]agentHandler{}, calls: map[string][]string{}}
}

func (a *fakeAgent) Call(ctx context.Context, fqdn string, action string, args map[string]interface{}) (interface{}, error) {
	a.mu.Lock()
	a.calls[action] = append(a.calls[action], fqdn)
	handler := a.handlers[action]
	a.mu.Unlock()
	if handler == nil {
		return nil, nil
	}
	return handler(ctx, fqdn, args)
}

func (a *fakeAgent) AwaitSession(context.Context, string) error {
	return nil
}

func (a *fakeAgent) handle(action string, handler agentHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[action] = handler
}

func (a *fakeAgent) callsOf(action string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls[action]...)
}

// block makes action hang on fqdn (or on every host if fqdn is empty) until released or cancelled. The
// returned channel is closed once the first such call has started.
func (a *fakeAgent) block(action, fqdn string) (<-chan struct{}, func()) {
	started := make(chan struct{})
	release := make(chan struct{})
	var startOnce, releaseOnce sync.Once
	a.handle(action, func(ctx context.Context, host string, _ map[string]interface{}) (interface{}, error) {
		if fqdn != "" && host != fqdn {
			return nil, nil
		}
		startOnce.Do(func() { close(started) })
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	return started, func() { releaseOnce.Do(func() { close(release) }) }
}

type testEnv struct {
	ctx       *mgrcontext.Context
	scheduler *Scheduler
	repo      *database.MemoryRepository
	agent     *fakeAgent
}

func testConfig() Config {
	config := DefaultConfig()
	config.StepTimeout = testTimeout
	config.CancelTimeout = testTimeout
	config.Retry.BaseDelay = time.Millisecond
	config.Retry.MaxDelay = 5 * time.Millisecond
	return config
}

// newTestEnv starts a scheduler over a memory repository holding the cluster's objects. seed, if set, can add
// rows to the repository before the scheduler recovers from it.
func newTestEnv(t *testing.T, cluster *lustretest.Cluster, seed func(repo *database.MemoryRepository)) *testEnv {
	t.Helper()
	ctx := mgrcontext.Background()
	repo := database.NewMemoryRepository()
	for _, obj := range cluster.Objects() {
		id, err := repo.CreateObject(ctx, obj)
		require.NoError(t, err)
		require.Equal(t, obj.Ref.ID, id)
	}
	if seed != nil {
		seed(repo)
	}

	sm, st, err := lustre.NewRegistries()
	require.NoError(t, err)
	fabric := notify.NewFabric(clock.RealClock{}, 0)
	cache, err := objectcache.New(repo, fabric)
	require.NoError(t, err)
	agent := newFakeAgent()
	s, err := New(sm, st, repo, cache, locks.NewManager(), fabric, agent, testConfig(), clock.RealClock{}, prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, s.Recover(ctx))

	runCtx, cancel := mgrcontext.WithCancel(ctx)
	go func() {
		_ = s.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-s.stopped
	})
	return &testEnv{ctx: ctx, scheduler: s, repo: repo, agent: agent}
}

func (e *testEnv) setState(t *testing.T, ref model.ObjectRef, state string) *model.Command {
	t.Helper()
	command, _, err := e.scheduler.SetState(e.ctx, []planner.Intent{{Object: ref, State: state}}, "test", false)
	require.NoError(t, err)
	return command
}

func (e *testEnv) awaitCommand(t *testing.T, id int64) *model.Command {
	t.Helper()
	var command *model.Command
	require.Eventually(t, func() bool {
		c, err := e.scheduler.GetCommand(e.ctx, id)
		if err != nil {
			return false
		}
		command = c
		return c.Complete
	}, testTimeout, 5*time.Millisecond, "command %d did not complete", id)
	return command
}

func (e *testEnv) job(t *testing.T, command *model.Command, class string, object model.ObjectRef) *JobDetails {
	t.Helper()
	for _, id := range command.JobIDs {
		details, err := e.scheduler.GetJob(e.ctx, id)
		require.NoError(t, err)
		ref, err := model.ObjectFromArgs(details.Job.Args)
		if err == nil && details.Job.Class == class && ref == object {
			return details
		}
	}
	t.Fatalf("command %d has no %s for %s", command.ID, class, object)
	return nil
}

func (e *testEnv) state(t *testing.T, ref model.ObjectRef) string {
	t.Helper()
	obj, err := e.scheduler.GetObject(ref)
	require.NoError(t, err)
	return obj.State
}

func TestScheduler_StartFilesystem(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)

	command := env.setState(t, lustretest.FS, "started")
	require.Len(t, command.JobIDs, 4)
	command = env.awaitCommand(t, command.ID)

	assert.False(t, command.Errored)
	assert.False(t, command.Cancelled)
	for _, ref := range []model.ObjectRef{lustretest.MDT, lustretest.OST0, lustretest.OST1} {
		assert.Equal(t, "mounted", env.state(t, ref), ref.String())
	}
	assert.Equal(t, "started", env.state(t, lustretest.FS))
	assert.ElementsMatch(t,
		[]string{"mds1.lustre.local", "oss1.lustre.local", "oss2.lustre.local"},
		env.agent.callsOf("mount_target"))

	finished := map[int64]time.Time{}
	var jobs []*model.Job
	for _, id := range command.JobIDs {
		details, err := env.scheduler.GetJob(env.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.ResultSuccess, details.Job.Result)
		require.Len(t, details.Steps, 1)
		assert.Equal(t, model.StepSuccess, details.Steps[0].State)
		finished[id] = details.Job.FinishedAt
		jobs = append(jobs, details.Job)
	}
	for _, job := range jobs {
		for _, dep := range job.WaitFor {
			assert.False(t, job.StartedAt.Before(finished[dep]), "job %d started before job %d finished", job.ID, dep)
		}
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(env.scheduler.metrics.jobsCompleted.WithLabelValues("StartTargetJob", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.scheduler.metrics.commands))
}

func TestScheduler_SetStateToCurrentState(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)

	command := env.setState(t, lustretest.MGT, "mounted")
	assert.Empty(t, command.JobIDs)
	assert.True(t, command.Complete)
}

func TestScheduler_SetStateDryRun(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)

	command, plan, err := env.scheduler.SetState(env.ctx, []planner.Intent{{Object: lustretest.FS, State: "started"}}, "test", true)
	require.NoError(t, err)
	assert.Nil(t, command)
	assert.Len(t, plan.Jobs, 4)
	assert.Empty(t, env.scheduler.Locks())
	assert.Equal(t, "stopped", env.state(t, lustretest.FS))
}

func TestScheduler_UnknownObject(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)
	missing := model.NewRef(lustre.Target, 99)

	_, _, err := env.scheduler.SetState(env.ctx, []planner.Intent{{Object: missing, State: "mounted"}}, "test", false)
	var notFound *mgrerrors.ErrNotFound
	assert.True(t, errors.As(err, &notFound), "expected not found, got %v", err)

	_, err = env.scheduler.AvailableTransitions([]model.ObjectRef{lustretest.OST0, missing})
	assert.True(t, errors.As(err, &notFound), "expected not found, got %v", err)

	_, err = env.scheduler.RunJobs(env.ctx, []planner.JobSpec{{Class: "NoSuchJob"}}, "test")
	var schedErr *mgrerrors.ErrScheduling
	require.True(t, errors.As(err, &schedErr))
	assert.Equal(t, mgrerrors.ReasonUnknownJobClass, schedErr.Reason)
}

func TestScheduler_LockConflictAndStateDrift(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)
	started, release := env.agent.block("mount_target", "")
	defer release()

	first := env.setState(t, lustretest.OST0, "mounted")
	<-started
	// planned from the cached state, formatted, which will no longer hold once the first command is done
	second := env.setState(t, lustretest.OST0, "unmounted")
	startAgain := env.job(t, second, "StartTargetJob", lustretest.OST0)
	assert.Equal(t, model.JobPending, startAgain.Job.State)
	assert.Contains(t, startAgain.BlockedBy, first.JobIDs[0])

	release()
	first = env.awaitCommand(t, first.ID)
	assert.False(t, first.Errored)
	second = env.awaitCommand(t, second.ID)
	assert.True(t, second.Errored)

	drifted := env.job(t, second, "StartTargetJob", lustretest.OST0)
	assert.Equal(t, model.ResultErrored, drifted.Job.Result)
	assert.Equal(t, string(mgrerrors.KindStateDrift), drifted.Job.ErrorKind)
	stop := env.job(t, second, "StopTargetJob", lustretest.OST0)
	assert.Equal(t, model.ResultCancelled, stop.Job.Result)
	assert.Equal(t, "mounted", env.state(t, lustretest.OST0))
}

func TestScheduler_DependencyMovedAwayByEarlierCommand(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)
	started, release := env.agent.block("unmount_target", "")
	defer release()

	first := env.setState(t, lustretest.MGT, "unmounted")
	<-started
	// the MGT is still mounted in the cache, but will not be once the first command is done
	second := env.setState(t, lustretest.MDT, "mounted")
	restart := env.job(t, second, "StartTargetJob", lustretest.MGT)
	assert.Contains(t, restart.Job.WaitFor, first.JobIDs[0])
	mdt := env.job(t, second, "StartTargetJob", lustretest.MDT)
	assert.Contains(t, mdt.Job.WaitFor, restart.Job.ID)

	release()
	first = env.awaitCommand(t, first.ID)
	assert.False(t, first.Errored)
	second = env.awaitCommand(t, second.ID)
	assert.False(t, second.Errored)
	assert.Equal(t, "mounted", env.state(t, lustretest.MGT))
	assert.Equal(t, "mounted", env.state(t, lustretest.MDT))
	assert.Len(t, env.agent.callsOf("mount_target"), 2)
}

func TestScheduler_RetriesAfterSessionLoss(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)
	var calls int32
	env.agent.handle("mount_target", func(_ context.Context, fqdn string, _ map[string]interface{}) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &mgrerrors.ErrSessionLost{Fqdn: fqdn, SessionID: "a4b5"}
		}
		return nil, nil
	})

	command := env.awaitCommand(t, env.setState(t, lustretest.OST0, "mounted").ID)
	assert.False(t, command.Errored)
	details := env.job(t, command, "StartTargetJob", lustretest.OST0)
	assert.Equal(t, model.ResultSuccess, details.Job.Result)
	require.Len(t, details.Steps, 1)
	assert.Equal(t, 2, details.Steps[0].Attempt)
	assert.Equal(t, model.StepSuccess, details.Steps[0].State)
	assert.Empty(t, details.Steps[0].Backtrace)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.scheduler.metrics.stepRetries.WithLabelValues("mount_target")))
	assert.Equal(t, "mounted", env.state(t, lustretest.OST0))
}

func TestScheduler_StepFailures(t *testing.T) {
	tests := map[string]struct {
		cluster          *lustretest.Cluster
		object           model.ObjectRef
		state            string
		action           string
		err              error
		expectedAttempts int
		expectedKind     mgrerrors.Kind
		expectedState    string
	}{
		"retries exhausted": {
			cluster:          lustretest.NewCluster(),
			object:           lustretest.OST0,
			state:            "mounted",
			action:           "mount_target",
			err:              &mgrerrors.ErrStepFailed{Step: "mount_target", Message: "device busy", Backtrace: "Traceback: mount"},
			expectedAttempts: 4,
			expectedKind:     mgrerrors.KindStepFailed,
			expectedState:    "formatted",
		},
		"non idempotent step is not retried": {
			cluster:          lustretest.NewCluster().Set(lustretest.OST0, "unformatted"),
			object:           lustretest.OST0,
			state:            "formatted",
			action:           "format_target",
			err:              &mgrerrors.ErrSessionLost{Fqdn: "oss1.lustre.local"},
			expectedAttempts: 1,
			expectedKind:     mgrerrors.KindSessionLost,
			expectedState:    "unformatted",
		},
		"internal errors are not retried": {
			cluster:          lustretest.NewCluster(),
			object:           lustretest.OST0,
			state:            "mounted",
			action:           "mount_target",
			err:              &mgrerrors.ErrFatalInternal{Message: "bad args"},
			expectedAttempts: 1,
			expectedKind:     mgrerrors.KindFatalInternal,
			expectedState:    "formatted",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, tc.cluster, nil)
			env.agent.handle(tc.action, func(context.Context, string, map[string]interface{}) (interface{}, error) {
				return nil, tc.err
			})

			command := env.awaitCommand(t, env.setState(t, tc.object, tc.state).ID)
			assert.True(t, command.Errored)
			assert.Len(t, env.agent.callsOf(tc.action), tc.expectedAttempts)
			for _, id := range command.JobIDs {
				details, err := env.scheduler.GetJob(env.ctx, id)
				require.NoError(t, err)
				assert.Equal(t, model.ResultErrored, details.Job.Result)
				assert.Equal(t, string(tc.expectedKind), details.Job.ErrorKind)
				require.Len(t, details.Steps, 1)
				assert.Equal(t, tc.expectedAttempts, details.Steps[0].Attempt)
				assert.Equal(t, model.StepFailed, details.Steps[0].State)
				assert.NotEmpty(t, details.Steps[0].Backtrace)
			}
			assert.Equal(t, tc.expectedState, env.state(t, tc.object))
		})
	}
}

func TestScheduler_StepResultStoredAsAttribute(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster().Set(lustretest.OST0, "unformatted"), nil)
	env.agent.handle("format_target", func(context.Context, string, map[string]interface{}) (interface{}, error) {
		return "4a1e0c59-ost0", nil
	})

	command := env.awaitCommand(t, env.setState(t, lustretest.OST0, "formatted").ID)
	assert.False(t, command.Errored)
	obj, err := env.scheduler.GetObject(lustretest.OST0)
	require.NoError(t, err)
	assert.Equal(t, "formatted", obj.State)
	assert.Equal(t, "4a1e0c59-ost0", obj.StringAttr(lustre.AttrUUID))
}

func TestScheduler_CancelRunningJob(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)
	started, release := env.agent.block("mount_target", "mds1.lustre.local")
	defer release()

	command := env.setState(t, lustretest.FS, "started")
	<-started
	mdt := env.job(t, command, "StartTargetJob", lustretest.MDT)
	require.NoError(t, env.scheduler.Cancel(env.ctx, mdt.Job.ID))

	command = env.awaitCommand(t, command.ID)
	assert.True(t, command.Cancelled)
	assert.False(t, command.Errored)

	mdt = env.job(t, command, "StartTargetJob", lustretest.MDT)
	assert.Equal(t, model.ResultCancelled, mdt.Job.Result)
	require.Len(t, mdt.Steps, 1)
	assert.Equal(t, model.StepCancelled, mdt.Steps[0].State)
	assert.Equal(t, model.ResultCancelled, env.job(t, command, "StartFilesystemJob", lustretest.FS).Job.Result)
	assert.Equal(t, model.ResultSuccess, env.job(t, command, "StartTargetJob", lustretest.OST0).Job.Result)
	assert.Equal(t, "formatted", env.state(t, lustretest.MDT))
	assert.Equal(t, "stopped", env.state(t, lustretest.FS))
	assert.Eventually(t, func() bool { return len(env.scheduler.Locks()) == 0 }, testTimeout, 5*time.Millisecond)

	// a second cancel of a complete job is a no-op
	assert.NoError(t, env.scheduler.Cancel(env.ctx, mdt.Job.ID))
}

func TestScheduler_CancelledJobStaysTaskedUntilStepReturns(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)
	started := make(chan struct{})
	release := make(chan struct{})
	env.agent.handle("mount_target", func(context.Context, string, map[string]interface{}) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})

	command := env.setState(t, lustretest.OST0, "mounted")
	<-started
	job := env.job(t, command, "StartTargetJob", lustretest.OST0)
	cancelled := make(chan error, 1)
	go func() { cancelled <- env.scheduler.Cancel(env.ctx, job.Job.ID) }()

	assert.Never(t, func() bool {
		details, err := env.scheduler.GetJob(env.ctx, job.Job.ID)
		return err != nil || details.Job.State != model.JobTasked || len(env.scheduler.Locks()) == 0
	}, 100*time.Millisecond, 5*time.Millisecond)
	current, err := env.scheduler.GetCommand(env.ctx, command.ID)
	require.NoError(t, err)
	assert.False(t, current.Complete)

	close(release)
	require.NoError(t, <-cancelled)
	command = env.awaitCommand(t, command.ID)
	assert.True(t, command.Cancelled)
	assert.Equal(t, model.ResultCancelled, env.job(t, command, "StartTargetJob", lustretest.OST0).Job.Result)
	assert.Equal(t, "formatted", env.state(t, lustretest.OST0))
	assert.Eventually(t, func() bool { return len(env.scheduler.Locks()) == 0 }, testTimeout, 5*time.Millisecond)
}

func TestScheduler_CancelPendingJob(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)
	started, release := env.agent.block("mount_target", "")
	defer release()

	first := env.setState(t, lustretest.OST0, "mounted")
	<-started
	second := env.setState(t, lustretest.OST0, "unmounted")
	pending := env.job(t, second, "StartTargetJob", lustretest.OST0)
	require.NoError(t, env.scheduler.Cancel(env.ctx, pending.Job.ID))

	second = env.awaitCommand(t, second.ID)
	assert.True(t, second.Cancelled)
	assert.Equal(t, model.ResultCancelled, env.job(t, second, "StopTargetJob", lustretest.OST0).Job.Result)

	release()
	first = env.awaitCommand(t, first.ID)
	assert.False(t, first.Cancelled)
	assert.Equal(t, "mounted", env.state(t, lustretest.OST0))
}

func TestScheduler_CancelUnknownJob(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)
	err := env.scheduler.Cancel(env.ctx, 1234)
	var notFound *mgrerrors.ErrNotFound
	assert.True(t, errors.As(err, &notFound), "expected not found, got %v", err)
}

func TestScheduler_Recover(t *testing.T) {
	createdAt := time.Now().Add(-time.Hour)
	env := newTestEnv(t, lustretest.NewCluster(), func(repo *database.MemoryRepository) {
		command := &model.Command{ID: 3, Message: "Start fs1", CreatedAt: createdAt, JobIDs: []int64{7, 8}}
		jobs := []*model.Job{
			{
				ID:        7,
				CommandID: 3,
				Class:     "StartTargetJob",
				Args:      model.ObjectArgs(lustretest.OST0),
				State:     model.JobTasked,
				Locks:     []model.StateLock{model.WriteLock(lustretest.OST0, "formatted", "mounted")},
				CreatedAt: createdAt,
				StartedAt: createdAt,
			},
			{
				ID:        8,
				CommandID: 3,
				Class:     "StartFilesystemJob",
				Args:      model.ObjectArgs(lustretest.FS),
				State:     model.JobPending,
				WaitFor:   []int64{7},
				Locks:     []model.StateLock{model.WriteLock(lustretest.FS, "stopped", "started")},
				CreatedAt: createdAt,
			},
		}
		require.NoError(t, repo.CreateCommand(context.Background(), command, jobs))
	})

	command := env.awaitCommand(t, 3)
	assert.True(t, command.Errored)
	assert.True(t, command.Cancelled)

	interrupted := env.job(t, command, "StartTargetJob", lustretest.OST0)
	assert.Equal(t, model.ResultErrored, interrupted.Job.Result)
	assert.Equal(t, string(mgrerrors.KindFatalInternal), interrupted.Job.ErrorKind)
	assert.Contains(t, interrupted.Job.ErrorMessage, "interrupted")
	assert.Equal(t, model.ResultCancelled, env.job(t, command, "StartFilesystemJob", lustretest.FS).Job.Result)
	assert.Empty(t, env.agent.callsOf("mount_target"))
	assert.Empty(t, env.scheduler.Locks())

	// ids carry on from the recovered ones
	next := env.setState(t, lustretest.OST1, "mounted")
	assert.Equal(t, int64(4), next.ID)
	assert.Equal(t, []int64{9}, next.JobIDs)
}

func TestScheduler_Notify(t *testing.T) {
	now := time.Now()
	tests := map[string]struct {
		observations  []Observation
		expectApplied []bool
		expectedState string
		expectedAttrs map[string]interface{}
	}{
		"attributes are merged": {
			observations: []Observation{
				{Object: lustretest.OST0, At: now, Attributes: map[string]interface{}{"uuid": "ab12"}},
			},
			expectApplied: []bool{true},
			expectedState: "formatted",
			expectedAttrs: map[string]interface{}{"uuid": "ab12", "kind": "ost"},
		},
		"state change": {
			observations: []Observation{
				{Object: lustretest.OST0, At: now, State: "mounted"},
			},
			expectApplied: []bool{true},
			expectedState: "mounted",
		},
		"stale observation is dropped": {
			observations: []Observation{
				{Object: lustretest.OST0, At: now, State: "mounted"},
				{Object: lustretest.OST0, At: now.Add(-time.Second), State: "unmounted"},
			},
			expectApplied: []bool{true, false},
			expectedState: "mounted",
		},
		"from states must match": {
			observations: []Observation{
				{Object: lustretest.OST0, At: now, State: "unmounted", FromStates: []string{"mounted"}},
			},
			expectApplied: []bool{false},
			expectedState: "formatted",
		},
		"unknown object is ignored": {
			observations: []Observation{
				{Object: model.NewRef(lustre.Target, 99), At: now, State: "mounted"},
			},
			expectApplied: []bool{false},
			expectedState: "formatted",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, lustretest.NewCluster(), nil)
			for i, obs := range tc.observations {
				applied, err := env.scheduler.Notify(env.ctx, obs)
				require.NoError(t, err)
				assert.Equal(t, tc.expectApplied[i], applied, "observation %d", i)
			}
			obj, err := env.scheduler.GetObject(lustretest.OST0)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedState, obj.State)
			for k, v := range tc.expectedAttrs {
				assert.Equal(t, v, obj.Attributes[k], k)
			}
		})
	}
}

func TestScheduler_NotifyInvalidState(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)
	_, err := env.scheduler.Notify(env.ctx, Observation{Object: lustretest.OST0, At: time.Now(), State: "exploded"})
	var invalid *mgrerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid), "expected invalid argument, got %v", err)
}

func TestScheduler_NotifyLockedObject(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)
	started, release := env.agent.block("mount_target", "")
	defer release()

	command := env.setState(t, lustretest.OST0, "mounted")
	<-started
	applied, err := env.scheduler.Notify(env.ctx, Observation{
		Object:     lustretest.OST0,
		At:         time.Now(),
		State:      "unmounted",
		Attributes: map[string]interface{}{"uuid": "77c0"},
	})
	require.NoError(t, err)
	assert.False(t, applied)
	obj, err := env.scheduler.GetObject(lustretest.OST0)
	require.NoError(t, err)
	assert.Equal(t, "formatted", obj.State)
	assert.Nil(t, obj.Attributes["uuid"])

	release()
	env.awaitCommand(t, command.ID)
	obj, err = env.scheduler.GetObject(lustretest.OST0)
	require.NoError(t, err)
	assert.Equal(t, "mounted", obj.State)
	assert.Equal(t, "77c0", obj.Attributes["uuid"])
}

func TestScheduler_AvailableActionsOfLockedObject(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)

	transitions, err := env.scheduler.AvailableTransitions([]model.ObjectRef{lustretest.OST0})
	require.NoError(t, err)
	assert.NotEmpty(t, transitions[lustretest.OST0])

	started, release := env.agent.block("mount_target", "")
	defer release()
	command := env.setState(t, lustretest.OST0, "mounted")
	<-started

	transitions, err = env.scheduler.AvailableTransitions([]model.ObjectRef{lustretest.OST0, lustretest.OST1})
	require.NoError(t, err)
	assert.Empty(t, transitions[lustretest.OST0])
	assert.NotEmpty(t, transitions[lustretest.OST1])
	jobs, err := env.scheduler.AvailableJobs([]model.ObjectRef{lustretest.OST0})
	require.NoError(t, err)
	assert.Empty(t, jobs[lustretest.OST0])

	release()
	env.awaitCommand(t, command.ID)
	transitions, err = env.scheduler.AvailableTransitions([]model.ObjectRef{lustretest.OST0})
	require.NoError(t, err)
	assert.NotEmpty(t, transitions[lustretest.OST0])
}

func TestScheduler_DismissCommand(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)
	started, release := env.agent.block("mount_target", "")
	defer release()

	command := env.setState(t, lustretest.OST0, "mounted")
	<-started
	var invalid *mgrerrors.ErrInvalidArgument
	assert.True(t, errors.As(env.scheduler.DismissCommand(env.ctx, command.ID), &invalid))

	release()
	env.awaitCommand(t, command.ID)
	require.NoError(t, env.scheduler.DismissCommand(env.ctx, command.ID))
	command, err := env.scheduler.GetCommand(env.ctx, command.ID)
	require.NoError(t, err)
	assert.True(t, command.Dismissed)
}

func TestScheduler_CreateObject(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)

	created, err := env.scheduler.CreateObject(env.ctx, &model.StatefulObject{
		Ref:        model.ObjectRef{Class: lustre.Host},
		Attributes: map[string]interface{}{lustre.AttrFqdn: "oss3.lustre.local"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.NewRef(lustre.Host, 5), created.Ref)
	assert.Equal(t, "undeployed", created.State)
	assert.Len(t, env.scheduler.ListObjects(lustre.Host), 5)

	_, err = env.scheduler.CreateObject(env.ctx, &model.StatefulObject{Ref: model.ObjectRef{Class: "toaster"}})
	var invalid *mgrerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
	_, err = env.scheduler.CreateObject(env.ctx, &model.StatefulObject{Ref: model.ObjectRef{Class: lustre.Host}, State: "exploded"})
	assert.True(t, errors.As(err, &invalid))
}

func TestScheduler_RunJobs(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)

	command, err := env.scheduler.RunJobs(env.ctx, []planner.JobSpec{
		{Class: "UpdateDevicesJob", Args: model.ObjectArgs(lustretest.OSS0)},
		{Class: "UpdateDevicesJob", Args: model.ObjectArgs(lustretest.OSS1), DependsOn: []int{0}},
	}, "Update devices")
	require.NoError(t, err)
	command = env.awaitCommand(t, command.ID)
	assert.False(t, command.Errored)
	assert.Len(t, env.agent.callsOf("device_scan"), 2)
	second := env.job(t, command, "UpdateDevicesJob", lustretest.OSS1)
	assert.Equal(t, []int64{command.JobIDs[0]}, second.Job.WaitFor)
}

func TestScheduler_OnRemoved(t *testing.T) {
	env := newTestEnv(t, lustretest.NewCluster(), nil)
	var mu sync.Mutex
	var removed []model.ObjectRef
	env.scheduler.OnRemoved(func(_ *mgrcontext.Context, obj *model.StatefulObject) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, model.StateRemoved, obj.State)
		removed = append(removed, obj.Ref)
	})

	command, err := env.scheduler.RunJobs(env.ctx, []planner.JobSpec{
		{Class: "ForceRemoveHostJob", Args: model.ObjectArgs(lustretest.OSS0)},
	}, "Force remove oss1")
	require.NoError(t, err)
	command = env.awaitCommand(t, command.ID)
	assert.False(t, command.Errored)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, removed, lustretest.OSS0)
	assert.Contains(t, removed, lustretest.OST0)
	assert.NotContains(t, removed, lustretest.OSS1)
	_, err = env.scheduler.GetObject(lustretest.OSS0)
	assert.Error(t, err)
}

// failingObjectStore refuses to create objects of one class.
type failingObjectStore struct {
	objectcache.ObjectStore
	class model.Class
}

func (f failingObjectStore) CreateObject(ctx context.Context, obj *model.StatefulObject) (int64, error) {
	if obj.Ref.Class == f.class {
		return 0, errors.New("disk full")
	}
	return f.ObjectStore.CreateObject(ctx, obj)
}

func TestScheduler_CreateObjects(t *testing.T) {
	refuse := errors.New("refused")
	tests := map[string]struct {
		failClass   model.Class
		check       func(view objectcache.View) error
		expectError error
	}{
		"created and linked": {},
		"refused by check": {
			check:       func(objectcache.View) error { return refuse },
			expectError: refuse,
		},
		"rolled back when a related object fails": {
			failClass: lustre.PacemakerConfiguration,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := mgrcontext.Background()
			repo := database.NewMemoryRepository()
			for _, obj := range lustretest.NewCluster().Objects() {
				_, err := repo.CreateObject(ctx, obj)
				require.NoError(t, err)
			}
			sm, st, err := lustre.NewRegistries()
			require.NoError(t, err)
			fabric := notify.NewFabric(clock.RealClock{}, 0)
			cache, err := objectcache.New(failingObjectStore{ObjectStore: repo, class: tc.failClass}, fabric)
			require.NoError(t, err)
			s, err := New(sm, st, repo, cache, locks.NewManager(), fabric, newFakeAgent(), testConfig(), clock.RealClock{}, prometheus.NewRegistry())
			require.NoError(t, err)
			require.NoError(t, s.Recover(ctx))
			related := []model.Class{lustre.LNetConfiguration, lustre.CorosyncConfiguration, lustre.PacemakerConfiguration}
			before := map[model.Class]int{lustre.Host: len(s.ListObjects(lustre.Host))}
			for _, class := range related {
				before[class] = len(s.ListObjects(class))
			}

			host := &model.StatefulObject{
				Ref:        model.ObjectRef{Class: lustre.Host},
				Attributes: map[string]interface{}{lustre.AttrFqdn: "oss3.lustre.local"},
			}
			var objs []*model.StatefulObject
			for _, class := range related {
				objs = append(objs, &model.StatefulObject{Ref: model.ObjectRef{Class: class}})
			}
			created, err := s.CreateObjects(ctx, tc.check, host, lustre.AttrHostID, objs)

			if tc.expectError != nil {
				assert.ErrorIs(t, err, tc.expectError)
			}
			if tc.expectError != nil || tc.failClass != "" {
				require.Error(t, err)
				for class, count := range before {
					assert.Len(t, s.ListObjects(class), count, "%s", class)
				}
				live, err := repo.LoadObjects(ctx)
				require.NoError(t, err)
				assert.Len(t, live, len(lustretest.NewCluster().Objects()))
				return
			}
			require.NoError(t, err)
			require.Len(t, created, 4)
			assert.Equal(t, lustre.Host, created[0].Ref.Class)
			for i, obj := range created[1:] {
				assert.Equal(t, related[i], obj.Ref.Class)
				hostID, ok := obj.IntAttr(lustre.AttrHostID)
				require.True(t, ok)
				assert.Equal(t, created[0].Ref.ID, hostID)
			}
			assert.Len(t, s.ListObjects(lustre.Host), before[lustre.Host]+1)
		})
	}
}
