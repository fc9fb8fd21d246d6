package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

const metricsPrefix = "lmgr_scheduler_"

type schedulerMetrics struct {
	jobsCompleted *prometheus.CounterVec
	jobs          *prometheus.GaugeVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	commands      prometheus.Counter
}

func newSchedulerMetrics(registerer prometheus.Registerer) *schedulerMetrics {
	m := &schedulerMetrics{
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "jobs_completed_total",
			Help: "Number of jobs completed, by job class and result",
		}, []string{"class", "result"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricsPrefix + "jobs",
			Help: "Number of incomplete jobs, by state",
		}, []string{"state"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricsPrefix + "step_duration_seconds",
			Help:    "Duration of step attempts, by step class and outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"step_class", "state"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "step_retries_total",
			Help: "Number of times a failed step was retried",
		}, []string{"step_class"}),
		commands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "commands_created_total",
			Help: "Number of commands created",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.jobsCompleted, m.jobs, m.stepDuration, m.stepRetries, m.commands)
	}
	return m
}

func (m *schedulerMetrics) jobCompleted(job *model.Job) {
	m.jobsCompleted.WithLabelValues(job.Class, string(job.Result)).Inc()
}

func (m *schedulerMetrics) setJobCounts(pending, tasked int) {
	m.jobs.WithLabelValues(string(model.JobPending)).Set(float64(pending))
	m.jobs.WithLabelValues(string(model.JobTasked)).Set(float64(tasked))
}
