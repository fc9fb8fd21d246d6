package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/whamcloud/lmgr/internal/common/database"
	"github.com/whamcloud/lmgr/internal/lustre"
	managerdb "github.com/whamcloud/lmgr/internal/scheduler/database"
)

func pruneDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pruneDatabase",
		Short: "removes completed commands, their jobs and step results from the database",
		RunE:  pruneDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the prune will fail if it has not completed")
	cmd.Flags().Int(
		"batchsize",
		1000,
		"Number of commands that will be deleted in a single batch")
	cmd.Flags().Duration(
		"expireAfter",
		7*24*time.Hour,
		"Length of time after creation that complete commands will be removed")
	return cmd
}

func pruneDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	batchSize, err := cmd.Flags().GetInt("batchsize")
	if err != nil {
		return errors.WithStack(err)
	}
	expireAfter, err := cmd.Flags().GetDuration("expireAfter")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	stateMachine, _, err := lustre.NewRegistries()
	if err != nil {
		return err
	}

	db, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return errors.WithMessagef(err, "Failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err = managerdb.PruneDb(ctx, managerdb.NewPostgresRepository(db, stateMachine.Classes()), expireAfter, batchSize, clock.RealClock{})
	return err
}
