package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/whamcloud/lmgr/internal/common/database"
	managerdb "github.com/whamcloud/lmgr/internal/scheduler/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the manager database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning manager database migration")
	db, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return errors.Wrapf(err, "Failed to connect to database")
	}
	defer db.Close()
	err = managerdb.Migrate(context.Background(), db)
	if err != nil {
		return errors.Wrapf(err, "Failed to migrate manager database")
	}
	log.Infof("Manager database migrated in %s", time.Since(start))
	return nil
}
