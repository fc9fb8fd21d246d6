package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
)

type memoryStore struct {
	mu         sync.Mutex
	timestamps map[string]int64
	saves      int
	failSaves  bool
}

func (s *memoryStore) LoadTableTimestamps(context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamps, nil
}

func (s *memoryStore) SaveTableTimestamps(_ context.Context, timestamps map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return errors.New("database unavailable")
	}
	s.saves++
	s.timestamps = timestamps
	return nil
}

func newFabric(t *testing.T, window time.Duration) (*Fabric, *clock.FakeClock) {
	fakeClock := clock.NewFakeClock(time.Unix(0, 0))
	f := NewFabric(fakeClock, window)
	store := &memoryStore{timestamps: map[string]int64{"jobs": 100, "commands": 100}}
	require.NoError(t, f.Load(context.Background(), store))
	return f, fakeClock
}

func TestBump_Monotonic(t *testing.T) {
	f, fakeClock := newFabric(t, 0)
	f.Bump("jobs")
	assert.Equal(t, int64(101), f.Snapshot().Tables["jobs"])

	fakeClock.SetTime(time.UnixMicro(5000))
	f.Bump("commands")
	assert.Equal(t, Timestamps{Tables: map[string]int64{"jobs": 101, "commands": 5000}, Max: 5000}, f.Snapshot())

	// the clock going backwards does not move timestamps backwards
	fakeClock.SetTime(time.UnixMicro(10))
	f.Bump("jobs")
	assert.Equal(t, int64(5001), f.Snapshot().Tables["jobs"])
}

func TestWait_ReturnsImmediately(t *testing.T) {
	tests := map[string]struct {
		lastSeen Timestamps
		tables   []string
	}{
		"table changed since last seen": {
			lastSeen: Timestamps{Tables: map[string]int64{"jobs": 99}, Max: 99},
			tables:   []string{"jobs"},
		},
		"unseen table falls back to max": {
			lastSeen: Timestamps{Tables: map[string]int64{}, Max: 50},
			tables:   []string{"commands"},
		},
		"last seen is ahead of the current timestamps": {
			lastSeen: Timestamps{Tables: map[string]int64{"jobs": 100}, Max: 500},
			tables:   []string{"jobs"},
		},
		"table last seen ahead": {
			lastSeen: Timestamps{Tables: map[string]int64{"jobs": 300}, Max: 100},
			tables:   []string{"jobs"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f, _ := newFabric(t, time.Second)
			ts, timedOut, err := f.Wait(context.Background(), tc.lastSeen, tc.tables, time.Minute)
			require.NoError(t, err)
			assert.False(t, timedOut)
			assert.Equal(t, int64(100), ts.Max)
		})
	}
}

type waitResult struct {
	ts       Timestamps
	timedOut bool
	err      error
}

func startWaiter(ctx context.Context, f *Fabric, lastSeen Timestamps, tables []string, timeout time.Duration) chan waitResult {
	results := make(chan waitResult, 1)
	go func() {
		ts, timedOut, err := f.Wait(ctx, lastSeen, tables, timeout)
		results <- waitResult{ts: ts, timedOut: timedOut, err: err}
	}()
	return results
}

func TestWait_Timeout(t *testing.T) {
	f, fakeClock := newFabric(t, 0)
	seen := f.Snapshot()
	results := startWaiter(context.Background(), f, seen, []string{"jobs"}, time.Minute)
	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)

	// changes to other tables do not wake the waiter for good
	f.Bump("hosts")
	fakeClock.Step(time.Minute)

	result := <-results
	require.NoError(t, result.err)
	assert.True(t, result.timedOut)
}

func TestWait_CoalescesRapidChanges(t *testing.T) {
	f, fakeClock := newFabric(t, 100*time.Millisecond)
	lastSeen := Timestamps{Tables: map[string]int64{"jobs": 100, "commands": 100}, Max: 100}
	results := startWaiter(context.Background(), f, lastSeen, []string{"jobs", "commands"}, time.Hour)
	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)

	f.Bump("jobs")
	f.Bump("jobs")
	f.Bump("jobs")

	var result waitResult
	require.Eventually(t, func() bool {
		fakeClock.Step(100 * time.Millisecond)
		select {
		case result = <-results:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, result.err)
	assert.False(t, result.timedOut)
	assert.Equal(t, int64(103), result.ts.Tables["jobs"])
	assert.Equal(t, int64(100), result.ts.Tables["commands"])
	assert.Equal(t, int64(103), result.ts.Max)
}

func TestWait_Cancelled(t *testing.T) {
	f, fakeClock := newFabric(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	results := startWaiter(ctx, f, f.Snapshot(), []string{"jobs"}, time.Minute)
	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	cancel()
	result := <-results
	assert.ErrorIs(t, result.err, context.Canceled)
}

func TestPersist(t *testing.T) {
	f, _ := newFabric(t, 0)
	store := &memoryStore{}
	ctx := mgrcontext.Background()

	f.Persist(ctx, store)
	assert.Equal(t, 0, store.saves, "nothing bumped yet")

	f.Bump("jobs")
	store.failSaves = true
	f.Persist(ctx, store)
	assert.Equal(t, 0, store.saves)

	store.failSaves = false
	f.Persist(ctx, store)
	f.Persist(ctx, store)
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, map[string]int64{"jobs": 101, "commands": 100}, store.timestamps)

	restarted := NewFabric(clock.NewFakeClock(time.Unix(0, 0)), 0)
	require.NoError(t, restarted.Load(context.Background(), store))
	restarted.Bump("commands")
	assert.Equal(t, int64(102), restarted.Snapshot().Tables["commands"])
}
