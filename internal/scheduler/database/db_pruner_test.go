package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"
)

func TestPruneDb(t *testing.T) {
	tests := map[string]struct {
		oldComplete   int
		oldIncomplete int
		recent        int
		batchSize     int
		expected      int
	}{
		"nothing to prune": {
			recent:    3,
			batchSize: 2,
			expected:  0,
		},
		"single batch": {
			oldComplete: 2,
			recent:      1,
			batchSize:   10,
			expected:    2,
		},
		"several batches": {
			oldComplete: 7,
			batchSize:   3,
			expected:    7,
		},
		"incomplete commands are kept": {
			oldComplete:   2,
			oldIncomplete: 2,
			batchSize:     1,
			expected:      2,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := NewMemoryRepository()
			now := baseTime
			id := int64(0)
			create := func(complete bool, createdAt time.Time) {
				id++
				command, jobs := testCommand(id, complete, createdAt)
				require.NoError(t, repo.CreateCommand(ctx, command, jobs))
			}
			for i := 0; i < tc.oldComplete; i++ {
				create(true, now.Add(-72*time.Hour))
			}
			for i := 0; i < tc.oldIncomplete; i++ {
				create(false, now.Add(-72*time.Hour))
			}
			for i := 0; i < tc.recent; i++ {
				create(true, now.Add(-time.Hour))
			}

			deleted, err := PruneDb(ctx, repo, 24*time.Hour, tc.batchSize, clock.NewFakeClock(now))
			require.NoError(t, err)
			assert.Equal(t, tc.expected, deleted)

			commands, err := repo.LoadIncompleteCommands(ctx)
			require.NoError(t, err)
			assert.Len(t, commands, tc.oldIncomplete)
			maxCommand, _, err := repo.MaxIDs(ctx)
			require.NoError(t, err)
			if tc.recent > 0 {
				assert.Equal(t, id, maxCommand)
			}
		})
	}
}

func TestPruneDb_InvalidBatchSize(t *testing.T) {
	_, err := PruneDb(context.Background(), NewMemoryRepository(), time.Hour, 0, clock.NewFakeClock(baseTime))
	assert.Error(t, err)
}
