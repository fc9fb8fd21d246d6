package database

import (
	"context"
	"embed"
	"time"

	"github.com/jackc/pgtype/pgxtype"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/whamcloud/lmgr/internal/common/database"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

//go:embed migrations/*.sql
var fs embed.FS

// Migrate updates the supplied database to the latest version.
// If the database is already at the latest version this is a no-op.
func Migrate(ctx context.Context, db pgxtype.Querier) error {
	start := time.Now()
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	err = database.UpdateDatabase(ctx, db, migrations)
	if err != nil {
		return err
	}
	log.Infof("Updated lmgr database in %s", time.Since(start))
	return nil
}

// WithTestDb creates a fully migrated database for a test and tears it down afterwards.
// Returns database.ErrNoTestDb when postgres is not reachable.
func WithTestDb(action func(db *pgxpool.Pool) error) error {
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	return database.WithTestDb(migrations, action)
}

func sortInt64s(ids []int64) {
	slices.Sort(ids)
}

func sortSteps(steps []*model.StepResult) {
	slices.SortFunc(steps, func(a, b *model.StepResult) bool {
		return a.StepIndex < b.StepIndex
	})
}
