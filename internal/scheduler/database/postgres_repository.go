package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgtype/pgxtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/whamcloud/lmgr/internal/common/database"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

const (
	commandTable        = "command"
	jobTable            = "job"
	stepResultTable     = "step_result"
	tableTimestampTable = "table_timestamp"
)

var dialect = goqu.Dialect("postgres")

var (
	objectColumns     = []interface{}{"id", "state", "state_modified_at", "immutable_state", "not_deleted", "attributes"}
	commandColumns    = []interface{}{"id", "message", "created_at", "complete", "cancelled", "errored", "dismissed"}
	jobColumns        = []interface{}{"id", "command_id", "class", "state", "result", "error_kind", "error_message", "args", "locks_json", "wait_for_json", "description", "created_at", "modified_at", "started_at", "finished_at"}
	stepResultColumns = []interface{}{"id", "job_id", "step_index", "step_class", "args", "log", "console", "backtrace", "result", "state", "attempt", "created_at", "modified_at"}
)

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

// PostgresRepository is a Repository backed by postgres. Each class of stateful object has its own table
// named after the class.
type PostgresRepository struct {
	db      *pgxpool.Pool
	classes map[model.Class]bool
}

func NewPostgresRepository(db *pgxpool.Pool, classes []model.Class) *PostgresRepository {
	known := make(map[model.Class]bool, len(classes))
	for _, class := range classes {
		known[class] = true
	}
	return &PostgresRepository{db: db, classes: known}
}

func (r *PostgresRepository) objectTable(class model.Class) (string, error) {
	if !r.classes[class] {
		return "", errors.WithStack(&mgrerrors.ErrInvalidArgument{Name: "class", Value: class, Message: "no table for class"})
	}
	return string(class), nil
}

func (r *PostgresRepository) LoadObjects(ctx context.Context) ([]*model.StatefulObject, error) {
	var objects []*model.StatefulObject
	for class := range r.classes {
		ds := dialect.From(string(class)).
			Select(objectColumns...).
			Where(goqu.C("not_deleted").IsTrue()).
			Order(goqu.C("id").Asc()).
			Prepared(true)
		err := query(ctx, r.db, ds, func(rows pgx.Rows) error {
			obj := &model.StatefulObject{Ref: model.ObjectRef{Class: class}}
			var attributes []byte
			if err := rows.Scan(&obj.Ref.ID, &obj.State, &obj.StateModifiedAt, &obj.ImmutableState, &obj.NotDeleted, &attributes); err != nil {
				return err
			}
			if err := json.Unmarshal(attributes, &obj.Attributes); err != nil {
				return errors.Wrapf(err, "decoding attributes of %s", obj.Ref)
			}
			objects = append(objects, obj)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return objects, nil
}

func (r *PostgresRepository) CreateObject(ctx context.Context, obj *model.StatefulObject) (int64, error) {
	table, err := r.objectTable(obj.Ref.Class)
	if err != nil {
		return 0, err
	}
	record, err := objectRecord(obj)
	if err != nil {
		return 0, err
	}
	sql, args, err := dialect.Insert(table).Rows(record).Returning("id").Prepared(true).ToSQL()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var id int64
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, database.ClassifyError(err, "creating "+string(obj.Ref.Class))
	}
	return id, nil
}

func (r *PostgresRepository) UpdateObject(ctx context.Context, obj *model.StatefulObject) error {
	table, err := r.objectTable(obj.Ref.Class)
	if err != nil {
		return err
	}
	record, err := objectRecord(obj)
	if err != nil {
		return err
	}
	ds := dialect.Update(table).Set(record).Where(goqu.C("id").Eq(obj.Ref.ID)).Prepared(true)
	return execOne(ctx, r.db, ds, "updating "+obj.Ref.String(), string(obj.Ref.Class), obj.Ref.String())
}

func objectRecord(obj *model.StatefulObject) (goqu.Record, error) {
	attributes, err := marshal(obj.Attributes, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	return goqu.Record{
		"state":             obj.State,
		"state_modified_at": obj.StateModifiedAt,
		"immutable_state":   obj.ImmutableState,
		"not_deleted":       obj.NotDeleted,
		"attributes":        attributes,
	}, nil
}

func (r *PostgresRepository) CreateCommand(ctx context.Context, command *model.Command, jobs []*model.Job) error {
	commandSql, commandArgs, err := dialect.Insert(commandTable).Rows(commandRecord(command, true)).Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	records := make([]interface{}, 0, len(jobs))
	for _, job := range jobs {
		record, err := jobRecord(job, true)
		if err != nil {
			return err
		}
		records = append(records, record)
	}
	return r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, commandSql, commandArgs...); err != nil {
			return database.ClassifyError(err, "creating command")
		}
		if len(records) == 0 {
			return nil
		}
		jobSql, jobArgs, err := dialect.Insert(jobTable).Rows(records...).Prepared(true).ToSQL()
		if err != nil {
			return errors.WithStack(err)
		}
		if _, err := tx.Exec(ctx, jobSql, jobArgs...); err != nil {
			return database.ClassifyError(err, "creating jobs")
		}
		return nil
	})
}

func (r *PostgresRepository) UpdateCommand(ctx context.Context, command *model.Command) error {
	ds := dialect.Update(commandTable).
		Set(commandRecord(command, false)).
		Where(goqu.C("id").Eq(command.ID)).
		Prepared(true)
	return execOne(ctx, r.db, ds, "updating command", "command", command.ID)
}

func commandRecord(command *model.Command, withID bool) goqu.Record {
	record := goqu.Record{
		"message":    command.Message,
		"created_at": command.CreatedAt,
		"complete":   command.Complete,
		"cancelled":  command.Cancelled,
		"errored":    command.Errored,
		"dismissed":  command.Dismissed,
	}
	if withID {
		record["id"] = command.ID
	}
	return record
}

func (r *PostgresRepository) UpdateJob(ctx context.Context, job *model.Job) error {
	record, err := jobRecord(job, false)
	if err != nil {
		return err
	}
	ds := dialect.Update(jobTable).Set(record).Where(goqu.C("id").Eq(job.ID)).Prepared(true)
	return execOne(ctx, r.db, ds, "updating job", "job", job.ID)
}

func jobRecord(job *model.Job, withID bool) (goqu.Record, error) {
	args, err := marshal(job.Args, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	locks, err := marshal(job.Locks, []model.StateLock{})
	if err != nil {
		return nil, err
	}
	waitFor, err := marshal(job.WaitFor, []int64{})
	if err != nil {
		return nil, err
	}
	record := goqu.Record{
		"command_id":    job.CommandID,
		"class":         job.Class,
		"state":         string(job.State),
		"result":        string(job.Result),
		"error_kind":    job.ErrorKind,
		"error_message": job.ErrorMessage,
		"args":          args,
		"locks_json":    locks,
		"wait_for_json": waitFor,
		"description":   job.Description,
		"created_at":    job.CreatedAt,
		"modified_at":   job.ModifiedAt,
		"started_at":    nullTime(job.StartedAt),
		"finished_at":   nullTime(job.FinishedAt),
	}
	if withID {
		record["id"] = job.ID
	}
	return record, nil
}

func (r *PostgresRepository) UpsertStepResult(ctx context.Context, result *model.StepResult) error {
	args, err := marshal(result.Args, map[string]interface{}{})
	if err != nil {
		return err
	}
	value, err := json.Marshal(result.Result)
	if err != nil {
		return errors.WithStack(err)
	}
	update := goqu.Record{
		"step_class":  result.StepClass,
		"args":        args,
		"log":         result.Log,
		"console":     result.Console,
		"backtrace":   result.Backtrace,
		"result":      value,
		"state":       string(result.State),
		"attempt":     result.Attempt,
		"modified_at": result.ModifiedAt,
	}
	insert := goqu.Record{
		"job_id":     result.JobID,
		"step_index": result.StepIndex,
		"created_at": result.CreatedAt,
	}
	for k, v := range update {
		insert[k] = v
	}
	sql, sqlArgs, err := dialect.Insert(stepResultTable).
		Rows(insert).
		OnConflict(goqu.DoUpdate("job_id, step_index", update)).
		Returning("id").
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	if err := r.db.QueryRow(ctx, sql, sqlArgs...).Scan(&result.ID); err != nil {
		return database.ClassifyError(err, "recording step result")
	}
	return nil
}

func (r *PostgresRepository) GetCommand(ctx context.Context, id int64) (*model.Command, error) {
	commands, err := r.selectCommands(ctx, goqu.C("id").Eq(id))
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		return nil, errors.WithStack(&mgrerrors.ErrNotFound{Type: "command", Value: strconv.FormatInt(id, 10)})
	}
	return commands[0], nil
}

func (r *PostgresRepository) LoadIncompleteCommands(ctx context.Context) ([]*model.Command, error) {
	return r.selectCommands(ctx, goqu.C("complete").IsFalse())
}

func (r *PostgresRepository) selectCommands(ctx context.Context, where exp.Expression) ([]*model.Command, error) {
	ds := dialect.From(commandTable).Select(commandColumns...).Where(where).Order(goqu.C("id").Asc()).Prepared(true)
	var commands []*model.Command
	byID := map[int64]*model.Command{}
	err := query(ctx, r.db, ds, func(rows pgx.Rows) error {
		c := &model.Command{}
		if err := rows.Scan(&c.ID, &c.Message, &c.CreatedAt, &c.Complete, &c.Cancelled, &c.Errored, &c.Dismissed); err != nil {
			return err
		}
		commands = append(commands, c)
		byID[c.ID] = c
		return nil
	})
	if err != nil || len(commands) == 0 {
		return commands, err
	}

	ids := make([]int64, 0, len(commands))
	for _, c := range commands {
		ids = append(ids, c.ID)
	}
	jobsDs := dialect.From(jobTable).
		Select("id", "command_id").
		Where(goqu.C("command_id").In(ids)).
		Order(goqu.C("id").Asc()).
		Prepared(true)
	err = query(ctx, r.db, jobsDs, func(rows pgx.Rows) error {
		var jobID, commandID int64
		if err := rows.Scan(&jobID, &commandID); err != nil {
			return err
		}
		byID[commandID].JobIDs = append(byID[commandID].JobIDs, jobID)
		return nil
	})
	return commands, err
}

func (r *PostgresRepository) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	jobs, err := r.selectJobs(ctx, goqu.C("id").Eq(id))
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, errors.WithStack(&mgrerrors.ErrNotFound{Type: "job", Value: strconv.FormatInt(id, 10)})
	}
	return jobs[0], nil
}

func (r *PostgresRepository) LoadIncompleteJobs(ctx context.Context) ([]*model.Job, error) {
	return r.selectJobs(ctx, goqu.C("state").Neq(string(model.JobComplete)))
}

func (r *PostgresRepository) selectJobs(ctx context.Context, where exp.Expression) ([]*model.Job, error) {
	ds := dialect.From(jobTable).Select(jobColumns...).Where(where).Order(goqu.C("id").Asc()).Prepared(true)
	var jobs []*model.Job
	err := query(ctx, r.db, ds, func(rows pgx.Rows) error {
		job := &model.Job{}
		var state, result string
		var args, locks, waitFor []byte
		var started, finished pgtype.Timestamptz
		err := rows.Scan(&job.ID, &job.CommandID, &job.Class, &state, &result, &job.ErrorKind, &job.ErrorMessage,
			&args, &locks, &waitFor, &job.Description, &job.CreatedAt, &job.ModifiedAt, &started, &finished)
		if err != nil {
			return err
		}
		job.State, job.Result = model.JobState(state), model.JobResult(result)
		if err := unmarshalAll(args, &job.Args, locks, &job.Locks, waitFor, &job.WaitFor); err != nil {
			return errors.Wrapf(err, "decoding job %d", job.ID)
		}
		job.StartedAt, job.FinishedAt = timeOf(started), timeOf(finished)
		jobs = append(jobs, job)
		return nil
	})
	return jobs, err
}

func (r *PostgresRepository) GetStepResults(ctx context.Context, jobID int64) ([]*model.StepResult, error) {
	ds := dialect.From(stepResultTable).
		Select(stepResultColumns...).
		Where(goqu.C("job_id").Eq(jobID)).
		Order(goqu.C("step_index").Asc()).
		Prepared(true)
	var results []*model.StepResult
	err := query(ctx, r.db, ds, func(rows pgx.Rows) error {
		result := &model.StepResult{}
		var state string
		var args, value []byte
		err := rows.Scan(&result.ID, &result.JobID, &result.StepIndex, &result.StepClass, &args, &result.Log,
			&result.Console, &result.Backtrace, &value, &state, &result.Attempt, &result.CreatedAt, &result.ModifiedAt)
		if err != nil {
			return err
		}
		result.State = model.StepState(state)
		if err := json.Unmarshal(args, &result.Args); err != nil {
			return errors.WithStack(err)
		}
		if len(value) > 0 {
			if err := json.Unmarshal(value, &result.Result); err != nil {
				return errors.WithStack(err)
			}
		}
		results = append(results, result)
		return nil
	})
	return results, err
}

func (r *PostgresRepository) MaxIDs(ctx context.Context) (int64, int64, error) {
	var commandID, jobID int64
	sql, args, err := dialect.Select(
		dialect.From(commandTable).Select(goqu.COALESCE(goqu.MAX("id"), 0)),
		dialect.From(jobTable).Select(goqu.COALESCE(goqu.MAX("id"), 0)),
	).Prepared(true).ToSQL()
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&commandID, &jobID); err != nil {
		return 0, 0, errors.WithStack(err)
	}
	return commandID, jobID, nil
}

func (r *PostgresRepository) DeleteCompletedCommands(ctx context.Context, cutOff time.Time, batchSize int) (int, error) {
	deleted := 0
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		ds := dialect.From(commandTable).
			Select("id").
			Where(goqu.C("complete").IsTrue(), goqu.C("created_at").Lt(cutOff)).
			Order(goqu.C("id").Asc()).
			Limit(uint(batchSize)).
			Prepared(true)
		var ids []int64
		err := query(ctx, tx, ds, func(rows pgx.Rows) error {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		})
		if err != nil || len(ids) == 0 {
			return err
		}
		// jobs and step results go with their command
		sql, args, err := dialect.Delete(commandTable).Where(goqu.C("id").In(ids)).Prepared(true).ToSQL()
		if err != nil {
			return errors.WithStack(err)
		}
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return errors.WithStack(err)
		}
		deleted = int(tag.RowsAffected())
		return nil
	})
	return deleted, err
}

func (r *PostgresRepository) LoadTableTimestamps(ctx context.Context) (map[string]int64, error) {
	ds := dialect.From(tableTimestampTable).Select("table_name", "timestamp").Prepared(true)
	timestamps := map[string]int64{}
	err := query(ctx, r.db, ds, func(rows pgx.Rows) error {
		var table string
		var ts int64
		if err := rows.Scan(&table, &ts); err != nil {
			return err
		}
		timestamps[table] = ts
		return nil
	})
	return timestamps, err
}

func (r *PostgresRepository) SaveTableTimestamps(ctx context.Context, timestamps map[string]int64) error {
	if len(timestamps) == 0 {
		return nil
	}
	records := make([]interface{}, 0, len(timestamps))
	for table, ts := range timestamps {
		records = append(records, goqu.Record{"table_name": table, "timestamp": ts})
	}
	sql, args, err := dialect.Insert(tableTimestampTable).
		Rows(records...).
		OnConflict(goqu.DoUpdate("table_name", goqu.Record{
			"timestamp": goqu.L("GREATEST(table_timestamp.timestamp, EXCLUDED.timestamp)"),
		})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return errors.WithStack(err)
}

func query(ctx context.Context, db pgxtype.Querier, ds sqlBuilder, scan func(pgx.Rows) error) error {
	sql, args, err := ds.ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(rows.Err())
}

func execOne(ctx context.Context, db pgxtype.Querier, ds sqlBuilder, operation string, kind string, id interface{}) error {
	sql, args, err := ds.ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return database.ClassifyError(err, operation)
	}
	if tag.RowsAffected() == 0 {
		return errors.WithStack(&mgrerrors.ErrNotFound{Type: kind, Value: fmt.Sprint(id)})
	}
	return nil
}

// marshal encodes v as JSON, using empty in place of a nil v so that NOT NULL json columns hold {} or [].
func marshal(v interface{}, empty interface{}) ([]byte, error) {
	if v == nil || isNilSlice(v) {
		v = empty
	}
	data, err := json.Marshal(v)
	return data, errors.WithStack(err)
}

func isNilSlice(v interface{}) bool {
	switch t := v.(type) {
	case map[string]interface{}:
		return t == nil
	case []model.StateLock:
		return t == nil
	case []int64:
		return t == nil
	}
	return false
}

func unmarshalAll(pairs ...interface{}) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := json.Unmarshal(pairs[i].([]byte), pairs[i+1]); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func timeOf(ts pgtype.Timestamptz) time.Time {
	if ts.Status != pgtype.Present {
		return time.Time{}
	}
	return ts.Time
}
