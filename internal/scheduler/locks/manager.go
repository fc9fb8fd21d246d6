package locks

import (
	"sort"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

// LockInfo describes one lock of one job for lock table snapshots.
type LockInfo struct {
	JobID      int64           `json:"job_id"`
	Object     model.ObjectRef `json:"object"`
	Mode       model.LockMode  `json:"mode"`
	BeginState string          `json:"begin_state,omitempty"`
	EndState   string          `json:"end_state,omitempty"`
	Held       bool            `json:"held"`
}

type jobLocks struct {
	id    int64
	locks []model.StateLock
	held  bool
}

// Manager grants read and write locks on stateful objects to queued jobs.
//
// Locks are queued, not blocking: Acquire never waits. Requests are served in job id order and a queued
// write keeps later reads from jumping ahead of it. Jobs stay queued from Enqueue until Release.
type Manager struct {
	mu sync.Mutex
	// every incomplete job that has locks, keyed by job id
	jobs map[int64]*jobLocks
	// job ids referencing each object, kept sorted
	byObject map[model.ObjectRef][]int64
}

func NewManager() *Manager {
	return &Manager{
		jobs:     map[int64]*jobLocks{},
		byObject: map[model.ObjectRef][]int64{},
	}
}

// Enqueue records the locks a job will need. Nothing is granted.
func (m *Manager) Enqueue(job *model.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueue(job.ID, job.Locks)
}

func (m *Manager) enqueue(jobID int64, locks []model.StateLock) *jobLocks {
	if jl, ok := m.jobs[jobID]; ok {
		return jl
	}
	jl := &jobLocks{id: jobID, locks: append([]model.StateLock(nil), locks...)}
	m.jobs[jobID] = jl
	for _, object := range objectsOf(jl.locks) {
		ids := m.byObject[object]
		idx, _ := search(ids, jobID)
		m.byObject[object] = slices.Insert(ids, idx, jobID)
	}
	return jl
}

// Acquire grants all of the job's locks, or none of them. It returns true if the locks are now held.
func (m *Manager) Acquire(job *model.Job) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	jl := m.enqueue(job.ID, job.Locks)
	if jl.held {
		return true
	}
	if len(m.conflicts(jl)) > 0 {
		return false
	}
	jl.held = true
	return true
}

// Release drops the job from the queue and releases anything it holds.
func (m *Manager) Release(jobID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jl, ok := m.jobs[jobID]
	if !ok {
		return
	}
	delete(m.jobs, jobID)
	for _, object := range objectsOf(jl.locks) {
		ids := m.byObject[object]
		if idx, found := search(ids, jobID); found {
			ids = slices.Delete(ids, idx, idx+1)
		}
		if len(ids) == 0 {
			delete(m.byObject, object)
		} else {
			m.byObject[object] = ids
		}
	}
}

// Holders returns the ids of jobs currently holding a lock on object.
func (m *Manager) Holders(object model.ObjectRef) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var holders []int64
	for _, id := range m.byObject[object] {
		if m.jobs[id].held {
			holders = append(holders, id)
		}
	}
	return holders
}

// BlockedBy returns the ids of the jobs that currently prevent jobID from acquiring its locks.
func (m *Manager) BlockedBy(jobID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	jl, ok := m.jobs[jobID]
	if !ok || jl.held {
		return nil
	}
	return m.conflicts(jl)
}

// IsWriteLocked reports whether any incomplete job, held or queued, has a write lock on object.
func (m *Manager) IsWriteLocked(object model.ObjectRef) bool {
	_, _, ok := m.LatestWrite(object)
	return ok
}

// LatestWrite returns the most recently queued write lock on object, which determines the state the object
// will be in once every queued job has run.
func (m *Manager) LatestWrite(object model.ObjectRef) (int64, model.StateLock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byObject[object]
	for i := len(ids) - 1; i >= 0; i-- {
		for _, l := range m.jobs[ids[i]].locks {
			if l.Object == object && l.IsWrite() {
				return ids[i], l, true
			}
		}
	}
	return 0, model.StateLock{}, false
}

// Snapshot returns every queued and held lock ordered by object then job id.
func (m *Manager) Snapshot() []LockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	objects := maps.Keys(m.byObject)
	slices.SortFunc(objects, func(a, b model.ObjectRef) bool { return a.Less(b) })
	var result []LockInfo
	for _, object := range objects {
		for _, id := range m.byObject[object] {
			jl := m.jobs[id]
			for _, l := range jl.locks {
				if l.Object != object {
					continue
				}
				result = append(result, LockInfo{
					JobID:      id,
					Object:     object,
					Mode:       l.Mode,
					BeginState: l.BeginState,
					EndState:   l.EndState,
					Held:       jl.held,
				})
			}
		}
	}
	return result
}

// conflicts returns the jobs conflicting with jl, sorted by id. A conflict is either a job holding a lock
// incompatible with one of jl's, or an earlier queued job demanding such a lock.
func (m *Manager) conflicts(jl *jobLocks) []int64 {
	blockers := map[int64]bool{}
	for _, requested := range jl.locks {
		for _, otherID := range m.byObject[requested.Object] {
			if otherID == jl.id {
				continue
			}
			other := m.jobs[otherID]
			if !other.held && otherID > jl.id {
				continue
			}
			for _, l := range other.locks {
				if l.Object == requested.Object && (requested.IsWrite() || l.IsWrite()) {
					blockers[otherID] = true
				}
			}
		}
	}
	ids := maps.Keys(blockers)
	slices.Sort(ids)
	return ids
}

func objectsOf(locks []model.StateLock) []model.ObjectRef {
	seen := map[model.ObjectRef]bool{}
	var objects []model.ObjectRef
	for _, l := range locks {
		if !seen[l.Object] {
			seen[l.Object] = true
			objects = append(objects, l.Object)
		}
	}
	return objects
}

// search returns the position of id in the sorted ids, or where it would be inserted.
func search(ids []int64, id int64) (int, bool) {
	idx := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	return idx, idx < len(ids) && ids[idx] == id
}
