package database

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

var baseTime = time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)

func testCommand(id int64, complete bool, createdAt time.Time) (*model.Command, []*model.Job) {
	command := &model.Command{ID: id, Message: "Starting filesystem", CreatedAt: createdAt, Complete: complete}
	jobs := []*model.Job{
		{
			ID:          id * 10,
			CommandID:   id,
			Class:       "StartTargetJob",
			Args:        model.StateChangeArgs(model.NewRef("target", 1), "unmounted", "mounted"),
			State:       model.JobPending,
			Locks:       []model.StateLock{model.WriteLock(model.NewRef("target", 1), "unmounted", "mounted")},
			Description: "Start target 1",
			CreatedAt:   createdAt,
			ModifiedAt:  createdAt,
		},
		{
			ID:          id*10 + 1,
			CommandID:   id,
			Class:       "StartFilesystemJob",
			Args:        model.StateChangeArgs(model.NewRef("filesystem", 1), "stopped", "started"),
			State:       model.JobPending,
			WaitFor:     []int64{id * 10},
			Locks:       []model.StateLock{model.WriteLock(model.NewRef("filesystem", 1), "stopped", "started")},
			Description: "Start filesystem 1",
			CreatedAt:   createdAt,
			ModifiedAt:  createdAt,
		},
	}
	if complete {
		for _, job := range jobs {
			job.State = model.JobComplete
			job.Result = model.ResultSuccess
		}
	}
	return command, jobs
}

// exerciseRepository runs the same assertions against every Repository implementation.
func exerciseRepository(t *testing.T, repo Repository) {
	ctx := context.Background()

	t.Run("objects", func(t *testing.T) {
		id, err := repo.CreateObject(ctx, &model.StatefulObject{
			Ref:             model.ObjectRef{Class: "host"},
			State:           "undeployed",
			StateModifiedAt: baseTime,
			NotDeleted:      true,
			Attributes:      map[string]interface{}{"fqdn": "oss0.local"},
		})
		require.NoError(t, err)
		assert.Positive(t, id)

		updated := &model.StatefulObject{
			Ref:             model.NewRef("host", id),
			State:           "lnet_up",
			StateModifiedAt: baseTime.Add(time.Minute),
			NotDeleted:      true,
			Attributes:      map[string]interface{}{"fqdn": "oss0.local"},
		}
		require.NoError(t, repo.UpdateObject(ctx, updated))

		objects, err := repo.LoadObjects(ctx)
		require.NoError(t, err)
		require.Len(t, objects, 1)
		assert.Equal(t, "lnet_up", objects[0].State)
		assert.Equal(t, "oss0.local", objects[0].StringAttr("fqdn"))
		assert.True(t, objects[0].StateModifiedAt.Equal(baseTime.Add(time.Minute)))

		deleted := updated.DeepCopy()
		deleted.State = model.StateRemoved
		deleted.NotDeleted = false
		require.NoError(t, repo.UpdateObject(ctx, deleted))
		objects, err = repo.LoadObjects(ctx)
		require.NoError(t, err)
		assert.Empty(t, objects)

		err = repo.UpdateObject(ctx, &model.StatefulObject{Ref: model.NewRef("host", 999), State: "lnet_up"})
		var notFound *mgrerrors.ErrNotFound
		assert.True(t, errors.As(err, &notFound))
	})

	t.Run("commands and jobs", func(t *testing.T) {
		command, jobs := testCommand(1, false, baseTime)
		require.NoError(t, repo.CreateCommand(ctx, command, jobs))

		loaded, err := repo.GetCommand(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Starting filesystem", loaded.Message)
		assert.Equal(t, []int64{10, 11}, loaded.JobIDs)

		job, err := repo.GetJob(ctx, 11)
		require.NoError(t, err)
		assert.Equal(t, "StartFilesystemJob", job.Class)
		assert.Equal(t, []int64{10}, job.WaitFor)
		require.Len(t, job.Locks, 1)
		assert.Equal(t, model.NewRef("filesystem", 1), job.Locks[0].Object)
		assert.Equal(t, "started", model.StringArg(job.Args, model.ArgNewState))
		assert.True(t, job.StartedAt.IsZero())

		incomplete, err := repo.LoadIncompleteJobs(ctx)
		require.NoError(t, err)
		assert.Len(t, incomplete, 2)

		job.State = model.JobComplete
		job.Result = model.ResultErrored
		job.ErrorKind = "state_drift"
		job.ErrorMessage = "filesystem 1 is started"
		job.StartedAt = baseTime.Add(time.Second)
		job.FinishedAt = baseTime.Add(2 * time.Second)
		require.NoError(t, repo.UpdateJob(ctx, job))
		job, err = repo.GetJob(ctx, 11)
		require.NoError(t, err)
		assert.Equal(t, model.ResultErrored, job.Result)
		assert.Equal(t, "state_drift", job.ErrorKind)
		assert.True(t, job.FinishedAt.Equal(baseTime.Add(2*time.Second)))

		incomplete, err = repo.LoadIncompleteJobs(ctx)
		require.NoError(t, err)
		require.Len(t, incomplete, 1)
		assert.Equal(t, int64(10), incomplete[0].ID)

		commands, err := repo.LoadIncompleteCommands(ctx)
		require.NoError(t, err)
		require.Len(t, commands, 1)
		loaded.Complete = true
		loaded.Errored = true
		require.NoError(t, repo.UpdateCommand(ctx, loaded))
		commands, err = repo.LoadIncompleteCommands(ctx)
		require.NoError(t, err)
		assert.Empty(t, commands)

		commandID, jobID, err := repo.MaxIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), commandID)
		assert.Equal(t, int64(11), jobID)

		_, err = repo.GetJob(ctx, 404)
		var notFound *mgrerrors.ErrNotFound
		assert.True(t, errors.As(err, &notFound))
	})

	t.Run("step results", func(t *testing.T) {
		first := &model.StepResult{
			JobID:      10,
			StepIndex:  0,
			StepClass:  "MountStep",
			Args:       map[string]interface{}{"target": "fs-OST0000"},
			State:      model.StepFailed,
			Attempt:    1,
			Console:    "mount: device busy",
			CreatedAt:  baseTime,
			ModifiedAt: baseTime,
		}
		require.NoError(t, repo.UpsertStepResult(ctx, first))
		retried := *first
		retried.State = model.StepSuccess
		retried.Attempt = 2
		retried.Console = ""
		retried.Result = "mounted"
		retried.ModifiedAt = baseTime.Add(time.Second)
		require.NoError(t, repo.UpsertStepResult(ctx, &retried))
		require.NoError(t, repo.UpsertStepResult(ctx, &model.StepResult{
			JobID: 10, StepIndex: 1, StepClass: "UpdateAttributesStep", State: model.StepIncomplete,
			Attempt: 1, CreatedAt: baseTime, ModifiedAt: baseTime,
		}))

		results, err := repo.GetStepResults(ctx, 10)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, model.StepSuccess, results[0].State)
		assert.Equal(t, 2, results[0].Attempt)
		assert.Equal(t, "mounted", results[0].Result)
		assert.Equal(t, "fs-OST0000", results[0].Args["target"])
		assert.Equal(t, 1, results[1].StepIndex)
	})

	t.Run("table timestamps", func(t *testing.T) {
		require.NoError(t, repo.SaveTableTimestamps(ctx, map[string]int64{"jobs": 100, "host": 50}))
		require.NoError(t, repo.SaveTableTimestamps(ctx, map[string]int64{"jobs": 90, "command": 70}))
		timestamps, err := repo.LoadTableTimestamps(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"jobs": 100, "host": 50, "command": 70}, timestamps)
	})

	t.Run("delete completed commands", func(t *testing.T) {
		for id := int64(2); id <= 4; id++ {
			command, jobs := testCommand(id, true, baseTime.Add(-48*time.Hour))
			require.NoError(t, repo.CreateCommand(ctx, command, jobs))
		}
		recent, recentJobs := testCommand(5, true, baseTime)
		require.NoError(t, repo.CreateCommand(ctx, recent, recentJobs))

		deleted, err := repo.DeleteCompletedCommands(ctx, baseTime.Add(-time.Hour), 2)
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)
		deleted, err = repo.DeleteCompletedCommands(ctx, baseTime.Add(-time.Hour), 2)
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		_, err = repo.GetCommand(ctx, 3)
		assert.Error(t, err)
		_, err = repo.GetJob(ctx, 30)
		assert.Error(t, err)
		_, err = repo.GetCommand(ctx, 5)
		assert.NoError(t, err)
		// created after the cut off
		_, err = repo.GetCommand(ctx, 1)
		assert.NoError(t, err)
	})
}

func TestMemoryRepository(t *testing.T) {
	exerciseRepository(t, NewMemoryRepository())
}

func TestMemoryRepository_CreateCommandTwice(t *testing.T) {
	repo := NewMemoryRepository()
	command, jobs := testCommand(1, false, baseTime)
	require.NoError(t, repo.CreateCommand(context.Background(), command, jobs))
	err := repo.CreateCommand(context.Background(), command, jobs)
	var exists *mgrerrors.ErrAlreadyExists
	assert.True(t, errors.As(err, &exists))
}
