package database

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// PruneDb deletes complete commands created more than keepAfterCompletion ago, together with their jobs and
// step results. Commands are deleted in batches, each in its own transaction, so a failure midway leaves
// earlier batches deleted. Runs until nothing is left to delete or ctx is cancelled.
func PruneDb(ctx context.Context, repo Repository, keepAfterCompletion time.Duration, batchSize int, clock clock.Clock) (int, error) {
	if batchSize <= 0 {
		return 0, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	start := clock.Now()
	cutOff := start.Add(-keepAfterCompletion)
	log.Infof("Deleting complete commands created before %s", cutOff)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, errors.WithStack(err)
		}
		batchStart := clock.Now()
		deleted, err := repo.DeleteCompletedCommands(ctx, cutOff, batchSize)
		if err != nil {
			return total, errors.Wrap(err, "error deleting batch")
		}
		if deleted == 0 {
			break
		}
		total += deleted
		log.Infof("Deleted %d commands in %s. Deleted %d commands so far", deleted, clock.Since(batchStart), total)
		if deleted < batchSize {
			break
		}
	}
	log.Infof("Deleted %d commands in %s", total, clock.Since(start))
	return total, nil
}
