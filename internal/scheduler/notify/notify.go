// Package notify tracks the last modification time of each table so that long-poll subscribers can wait
// for changes without polling the database.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
)

// Timestamps is a table_timestamps snapshot. A table missing from Tables was last modified no later than Max.
type Timestamps struct {
	Tables map[string]int64 `json:"tables"`
	Max    int64            `json:"max_timestamp"`
}

func (ts Timestamps) of(table string) int64 {
	if t, ok := ts.Tables[table]; ok {
		return t
	}
	return ts.Max
}

// Store persists the timestamps so that they never go backwards across restarts.
type Store interface {
	LoadTableTimestamps(ctx context.Context) (map[string]int64, error)
	SaveTableTimestamps(ctx context.Context, timestamps map[string]int64) error
}

var waitersGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "lmgr_notify_waiters",
	Help: "Number of long-poll subscribers currently waiting for a change",
})

// Fabric holds the current timestamps. Every Bump wakes all waiters, who recheck whether a table they are
// interested in has moved past what they have seen.
type Fabric struct {
	mu     sync.Mutex
	tables map[string]int64
	max    int64
	// closed and replaced on every bump
	changed chan struct{}
	// bumps since the last successful Persist
	dirty          bool
	clock          clock.Clock
	coalesceWindow time.Duration
}

func NewFabric(clock clock.Clock, coalesceWindow time.Duration) *Fabric {
	return &Fabric{
		tables:         map[string]int64{},
		changed:        make(chan struct{}),
		clock:          clock,
		coalesceWindow: coalesceWindow,
	}
}

// Load raises the timestamps to at least the persisted floor.
func (f *Fabric) Load(ctx context.Context, store Store) error {
	persisted, err := store.LoadTableTimestamps(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for table, ts := range persisted {
		if ts > f.tables[table] {
			f.tables[table] = ts
		}
		if ts > f.max {
			f.max = ts
		}
	}
	return nil
}

// Persist saves the timestamps if anything was bumped since the last call.
func (f *Fabric) Persist(ctx *mgrcontext.Context, store Store) {
	f.mu.Lock()
	if !f.dirty {
		f.mu.Unlock()
		return
	}
	snapshot := maps.Clone(f.tables)
	f.dirty = false
	f.mu.Unlock()

	if err := store.SaveTableTimestamps(ctx, snapshot); err != nil {
		ctx.Log.WithError(err).Warn("failed to persist table timestamps")
		f.mu.Lock()
		f.dirty = true
		f.mu.Unlock()
	}
}

// Bump records a modification of table and wakes every waiter.
func (f *Fabric) Bump(table string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.clock.Now().UnixMicro()
	if ts <= f.max {
		ts = f.max + 1
	}
	f.tables[table] = ts
	f.max = ts
	f.dirty = true
	close(f.changed)
	f.changed = make(chan struct{})
}

// Snapshot returns the current timestamps.
func (f *Fabric) Snapshot() Timestamps {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot()
}

func (f *Fabric) snapshot() Timestamps {
	return Timestamps{Tables: maps.Clone(f.tables), Max: f.max}
}

// Wait returns as soon as one of tables has changed since lastSeen, or lastSeen is ahead of the current
// timestamps. Changes arriving within the coalesce window of the first are reported together. If nothing
// changes within timeout, timedOut is true.
func (f *Fabric) Wait(ctx context.Context, lastSeen Timestamps, tables []string, timeout time.Duration) (ts Timestamps, timedOut bool, err error) {
	waitersGauge.Inc()
	defer waitersGauge.Dec()

	var deadline <-chan time.Time
	for {
		f.mu.Lock()
		ready := f.changedSince(lastSeen, tables)
		changed := f.changed
		if ready {
			ts = f.snapshot()
		}
		f.mu.Unlock()
		if ready {
			return ts, false, nil
		}
		if deadline == nil {
			deadline = f.clock.After(timeout)
		}

		select {
		case <-changed:
			if f.coalesceWindow > 0 {
				select {
				case <-f.clock.After(f.coalesceWindow):
				case <-ctx.Done():
					return Timestamps{}, false, ctx.Err()
				}
			}
		case <-deadline:
			return Timestamps{}, true, nil
		case <-ctx.Done():
			return Timestamps{}, false, ctx.Err()
		}
	}
}

func (f *Fabric) changedSince(lastSeen Timestamps, tables []string) bool {
	if lastSeen.Max > f.max {
		return true
	}
	for _, table := range tables {
		seen := lastSeen.of(table)
		if f.tables[table] > seen || seen > f.max {
			return true
		}
	}
	return false
}
