package database

import (
	"context"
	"time"

	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

// Repository persists stateful objects, commands, jobs, step results and table timestamps.
// Writes are single rows except CreateCommand, which inserts a command and all its jobs atomically.
type Repository interface {
	// LoadObjects returns every object that has not been soft deleted.
	LoadObjects(ctx context.Context) ([]*model.StatefulObject, error)
	// CreateObject inserts a new object and returns its id.
	CreateObject(ctx context.Context, obj *model.StatefulObject) (int64, error)
	UpdateObject(ctx context.Context, obj *model.StatefulObject) error

	// CreateCommand inserts the command and its jobs. Ids are assigned by the caller.
	CreateCommand(ctx context.Context, command *model.Command, jobs []*model.Job) error
	UpdateCommand(ctx context.Context, command *model.Command) error
	UpdateJob(ctx context.Context, job *model.Job) error
	// UpsertStepResult records the latest attempt of a step, replacing any earlier attempt.
	UpsertStepResult(ctx context.Context, result *model.StepResult) error

	GetCommand(ctx context.Context, id int64) (*model.Command, error)
	GetJob(ctx context.Context, id int64) (*model.Job, error)
	GetStepResults(ctx context.Context, jobID int64) ([]*model.StepResult, error)
	LoadIncompleteJobs(ctx context.Context) ([]*model.Job, error)
	LoadIncompleteCommands(ctx context.Context) ([]*model.Command, error)
	// MaxIDs returns the highest command and job ids ever stored.
	MaxIDs(ctx context.Context) (commandID int64, jobID int64, err error)
	// DeleteCompletedCommands deletes up to batchSize complete commands created before cutOff, with their
	// jobs and step results, and returns how many commands were deleted.
	DeleteCompletedCommands(ctx context.Context, cutOff time.Time, batchSize int) (int, error)

	LoadTableTimestamps(ctx context.Context) (map[string]int64, error)
	SaveTableTimestamps(ctx context.Context, timestamps map[string]int64) error
}
