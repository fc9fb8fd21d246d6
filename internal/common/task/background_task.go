package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

type task struct {
	name     string
	run      func()
	interval time.Duration
	duration prometheus.Histogram
	stop     chan struct{}
}

// BackgroundTaskManager runs functions periodically until stopped. Register and StopAll must be called
// from one goroutine.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	clock         clock.Clock
	wg            sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer, clock clock.Clock) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		clock:         clock,
	}
}

// Register runs fn immediately and then every interval, measured from the end of the previous run.
func (m *BackgroundTaskManager) Register(fn func(), interval time.Duration, name string) {
	t := &task{
		name:     name,
		run:      fn,
		interval: interval,
		duration: promauto.With(m.registerer).NewHistogram(prometheus.HistogramOpts{
			Name:    m.metricsPrefix + name + "_latency_seconds",
			Help:    "Background loop " + name + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		stop: make(chan struct{}),
	}
	m.tasks = append(m.tasks, t)
	m.wg.Add(1)
	go m.loop(t)
}

func (m *BackgroundTaskManager) loop(t *task) {
	defer m.wg.Done()
	for {
		start := m.clock.Now()
		t.run()
		t.duration.Observe(m.clock.Since(start).Seconds())

		select {
		case <-m.clock.After(t.interval):
		case <-t.stop:
			log.Debugf("Stopped background task %s", t.name)
			return
		}
	}
}

// StopAll stops every task and returns true if they did not all finish within timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	for _, t := range m.tasks {
		close(t.stop)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return false
	case <-m.clock.After(timeout):
		return true
	}
}
