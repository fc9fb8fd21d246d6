package database

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

const (
	objectsTable    = "objects"
	commandsTable   = "commands"
	jobsTable       = "jobs"
	stepsTable      = "steps"
	timestampsTable = "timestamps"
	keyIndex        = "id"
	commandIndex    = "command"
	jobIndex        = "job"
)

// Rows are keyed by zero padded ids so that iterating the id index returns rows in id order.
type objectRow struct {
	Key    string
	Object *model.StatefulObject
}

type commandRow struct {
	Key     string
	Command *model.Command
}

type jobRow struct {
	Key        string
	CommandKey string
	Job        *model.Job
}

type stepRow struct {
	Key    string
	JobKey string
	Step   *model.StepResult
}

type timestampRow struct {
	Table string
	Value int64
}

func idKey(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func objectKey(ref model.ObjectRef) string {
	return string(ref.Class) + "/" + idKey(ref.ID)
}

func memorySchema() *memdb.DBSchema {
	keyed := func(name string, extra map[string]*memdb.IndexSchema) *memdb.TableSchema {
		indexes := map[string]*memdb.IndexSchema{
			keyIndex: {Name: keyIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}},
		}
		for k, v := range extra {
			indexes[k] = v
		}
		return &memdb.TableSchema{Name: name, Indexes: indexes}
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			objectsTable:  keyed(objectsTable, nil),
			commandsTable: keyed(commandsTable, nil),
			jobsTable: keyed(jobsTable, map[string]*memdb.IndexSchema{
				commandIndex: {Name: commandIndex, Indexer: &memdb.StringFieldIndex{Field: "CommandKey"}},
			}),
			stepsTable: keyed(stepsTable, map[string]*memdb.IndexSchema{
				jobIndex: {Name: jobIndex, Indexer: &memdb.StringFieldIndex{Field: "JobKey"}},
			}),
			timestampsTable: {
				Name: timestampsTable,
				Indexes: map[string]*memdb.IndexSchema{
					keyIndex: {Name: keyIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Table"}},
				},
			},
		},
	}
}

// MemoryRepository is a Repository that keeps everything in go-memdb. It backs the memory database
// backend and tests; nothing survives a restart.
type MemoryRepository struct {
	db        *memdb.MemDB
	mu        sync.Mutex
	objectIDs map[model.Class]int64
	stepID    int64
}

func NewMemoryRepository() *MemoryRepository {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		// the schema is static
		panic(err)
	}
	return &MemoryRepository{db: db, objectIDs: map[model.Class]int64{}}
}

func (r *MemoryRepository) LoadObjects(_ context.Context) ([]*model.StatefulObject, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(objectsTable, keyIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var objects []*model.StatefulObject
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*objectRow)
		if row.Object.NotDeleted {
			objects = append(objects, row.Object.DeepCopy())
		}
	}
	return objects, nil
}

func (r *MemoryRepository) CreateObject(_ context.Context, obj *model.StatefulObject) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objectIDs[obj.Ref.Class]++
	stored := obj.DeepCopy()
	stored.Ref.ID = r.objectIDs[obj.Ref.Class]
	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(objectsTable, &objectRow{Key: objectKey(stored.Ref), Object: stored}); err != nil {
		return 0, errors.WithStack(err)
	}
	txn.Commit()
	return stored.Ref.ID, nil
}

func (r *MemoryRepository) UpdateObject(_ context.Context, obj *model.StatefulObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(objectsTable, keyIndex, objectKey(obj.Ref))
	if err != nil {
		return errors.WithStack(err)
	}
	if existing == nil {
		return errors.WithStack(&mgrerrors.ErrNotFound{Type: string(obj.Ref.Class), Value: obj.Ref.String()})
	}
	if err := txn.Insert(objectsTable, &objectRow{Key: objectKey(obj.Ref), Object: obj.DeepCopy()}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemoryRepository) CreateCommand(_ context.Context, command *model.Command, jobs []*model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(commandsTable, keyIndex, idKey(command.ID))
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return errors.WithStack(&mgrerrors.ErrAlreadyExists{Type: "command", Value: strconv.FormatInt(command.ID, 10)})
	}
	stored := command.DeepCopy()
	stored.JobIDs = nil
	if err := txn.Insert(commandsTable, &commandRow{Key: idKey(command.ID), Command: stored}); err != nil {
		return errors.WithStack(err)
	}
	for _, job := range jobs {
		if err := txn.Insert(jobsTable, newJobRow(job)); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func newJobRow(job *model.Job) *jobRow {
	return &jobRow{Key: idKey(job.ID), CommandKey: idKey(job.CommandID), Job: job.DeepCopy()}
}

func (r *MemoryRepository) UpdateCommand(_ context.Context, command *model.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(commandsTable, keyIndex, idKey(command.ID))
	if err != nil {
		return errors.WithStack(err)
	}
	if existing == nil {
		return errors.WithStack(&mgrerrors.ErrNotFound{Type: "command", Value: strconv.FormatInt(command.ID, 10)})
	}
	stored := command.DeepCopy()
	stored.JobIDs = nil
	if err := txn.Insert(commandsTable, &commandRow{Key: idKey(command.ID), Command: stored}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemoryRepository) UpdateJob(_ context.Context, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(jobsTable, keyIndex, idKey(job.ID))
	if err != nil {
		return errors.WithStack(err)
	}
	if existing == nil {
		return errors.WithStack(&mgrerrors.ErrNotFound{Type: "job", Value: strconv.FormatInt(job.ID, 10)})
	}
	if err := txn.Insert(jobsTable, newJobRow(job)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemoryRepository) UpsertStepResult(_ context.Context, result *model.StepResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn := r.db.Txn(true)
	defer txn.Abort()
	key := idKey(result.JobID) + "/" + idKey(int64(result.StepIndex))
	existing, err := txn.First(stepsTable, keyIndex, key)
	if err != nil {
		return errors.WithStack(err)
	}
	stored := *result
	stored.Args = copyArgs(result.Args)
	if existing != nil {
		previous := existing.(*stepRow).Step
		stored.ID = previous.ID
		stored.CreatedAt = previous.CreatedAt
	} else {
		r.stepID++
		stored.ID = r.stepID
	}
	if err := txn.Insert(stepsTable, &stepRow{Key: key, JobKey: idKey(result.JobID), Step: &stored}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	result.ID = stored.ID
	return nil
}

func copyArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func (r *MemoryRepository) GetCommand(_ context.Context, id int64) (*model.Command, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	row, err := txn.First(commandsTable, keyIndex, idKey(id))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if row == nil {
		return nil, errors.WithStack(&mgrerrors.ErrNotFound{Type: "command", Value: strconv.FormatInt(id, 10)})
	}
	return withJobIDs(txn, row.(*commandRow).Command)
}

func withJobIDs(txn *memdb.Txn, command *model.Command) (*model.Command, error) {
	out := command.DeepCopy()
	it, err := txn.Get(jobsTable, commandIndex, idKey(command.ID))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var ids []int64
	for obj := it.Next(); obj != nil; obj = it.Next() {
		ids = append(ids, obj.(*jobRow).Job.ID)
	}
	sortInt64s(ids)
	out.JobIDs = ids
	return out, nil
}

func (r *MemoryRepository) GetJob(_ context.Context, id int64) (*model.Job, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	row, err := txn.First(jobsTable, keyIndex, idKey(id))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if row == nil {
		return nil, errors.WithStack(&mgrerrors.ErrNotFound{Type: "job", Value: strconv.FormatInt(id, 10)})
	}
	return row.(*jobRow).Job.DeepCopy(), nil
}

func (r *MemoryRepository) GetStepResults(_ context.Context, jobID int64) ([]*model.StepResult, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(stepsTable, jobIndex, idKey(jobID))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var results []*model.StepResult
	for obj := it.Next(); obj != nil; obj = it.Next() {
		step := *obj.(*stepRow).Step
		results = append(results, &step)
	}
	sortSteps(results)
	return results, nil
}

func (r *MemoryRepository) LoadIncompleteJobs(_ context.Context) ([]*model.Job, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(jobsTable, keyIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var jobs []*model.Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if job := obj.(*jobRow).Job; !job.IsComplete() {
			jobs = append(jobs, job.DeepCopy())
		}
	}
	return jobs, nil
}

func (r *MemoryRepository) LoadIncompleteCommands(_ context.Context) ([]*model.Command, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(commandsTable, keyIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var commands []*model.Command
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if command := obj.(*commandRow).Command; !command.Complete {
			withIDs, err := withJobIDs(txn, command)
			if err != nil {
				return nil, err
			}
			commands = append(commands, withIDs)
		}
	}
	return commands, nil
}

func (r *MemoryRepository) MaxIDs(_ context.Context) (int64, int64, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	var commandID, jobID int64
	if row, err := txn.Last(commandsTable, keyIndex); err != nil {
		return 0, 0, errors.WithStack(err)
	} else if row != nil {
		commandID = row.(*commandRow).Command.ID
	}
	if row, err := txn.Last(jobsTable, keyIndex); err != nil {
		return 0, 0, errors.WithStack(err)
	} else if row != nil {
		jobID = row.(*jobRow).Job.ID
	}
	return commandID, jobID, nil
}

func (r *MemoryRepository) DeleteCompletedCommands(_ context.Context, cutOff time.Time, batchSize int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn := r.db.Txn(true)
	defer txn.Abort()
	it, err := txn.Get(commandsTable, keyIndex)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var doomed []*commandRow
	for obj := it.Next(); obj != nil && len(doomed) < batchSize; obj = it.Next() {
		row := obj.(*commandRow)
		if row.Command.Complete && row.Command.CreatedAt.Before(cutOff) {
			doomed = append(doomed, row)
		}
	}
	for _, row := range doomed {
		jobs, err := txn.Get(jobsTable, commandIndex, row.Key)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		var jobKeys []string
		for obj := jobs.Next(); obj != nil; obj = jobs.Next() {
			jobKeys = append(jobKeys, obj.(*jobRow).Key)
		}
		for _, jobKey := range jobKeys {
			if _, err := txn.DeleteAll(stepsTable, jobIndex, jobKey); err != nil {
				return 0, errors.WithStack(err)
			}
		}
		if _, err := txn.DeleteAll(jobsTable, commandIndex, row.Key); err != nil {
			return 0, errors.WithStack(err)
		}
		if err := txn.Delete(commandsTable, row); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	txn.Commit()
	return len(doomed), nil
}

func (r *MemoryRepository) LoadTableTimestamps(_ context.Context) (map[string]int64, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(timestampsTable, keyIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	timestamps := map[string]int64{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*timestampRow)
		timestamps[row.Table] = row.Value
	}
	return timestamps, nil
}

func (r *MemoryRepository) SaveTableTimestamps(_ context.Context, timestamps map[string]int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn := r.db.Txn(true)
	defer txn.Abort()
	for table, value := range timestamps {
		existing, err := txn.First(timestampsTable, keyIndex, table)
		if err != nil {
			return errors.WithStack(err)
		}
		if existing != nil && existing.(*timestampRow).Value > value {
			continue
		}
		if err := txn.Insert(timestampsTable, &timestampRow{Table: table, Value: value}); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}
