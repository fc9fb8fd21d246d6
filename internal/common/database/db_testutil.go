package database

import (
	"context"
	"os"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/whamcloud/lmgr/internal/common/util"
)

// ErrNoTestDb is returned by WithTestDb when no postgres instance can be reached.
var ErrNoTestDb = errors.New("no postgres available for tests")

func testConnectionString() string {
	if dsn := os.Getenv("LMGR_TEST_POSTGRES"); dsn != "" {
		return dsn
	}
	return "host=localhost port=5432 user=postgres password=psw sslmode=disable"
}

// WithTestDb creates a dedicated database, runs migrations on it, calls action and drops the database again.
// If postgres cannot be reached ErrNoTestDb is returned so callers can skip.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()
	connectionString := testConnectionString()

	dbName := "test_" + util.NewULID()
	db, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.Wrap(ErrNoTestDb, err.Error())
	}
	defer db.Close(ctx)

	_, err = db.Exec(ctx, "CREATE DATABASE "+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			log.WithError(err).Warn("Failed to disconnect users")
		}
		_, err = db.Exec(ctx, "DROP DATABASE "+dbName)
		if err != nil {
			log.WithError(err).Warn("Failed to drop database")
		}
	}()

	err = UpdateDatabase(ctx, testDbPool, migrations)
	if err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool)
}
