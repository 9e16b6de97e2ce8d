package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pool's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	TasksDispatched prometheus.Counter
	TasksCompleted  prometheus.Counter
	TasksFailed     prometheus.Counter
	WorkersSpawned  prometheus.Counter
	WorkerCrashes   prometheus.Counter
	WorkersActive   prometheus.Gauge
	QueueDepth      prometheus.Gauge
}

// NewMetrics creates the pool collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "control_tasks_dispatched_total",
			Help: "Tasks handed to a worker",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "control_tasks_completed_total",
			Help: "Tasks whose graph run succeeded",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "control_tasks_failed_total",
			Help: "Tasks whose graph run errored or whose worker crashed",
		}),
		WorkersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "control_workers_spawned_total",
			Help: "Workers spawned, respawns included",
		}),
		WorkerCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "control_worker_crashes_total",
			Help: "Workers that exited with a crash code",
		}),
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "control_workers_active",
			Help: "Workers starting, idle or busy",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "control_queue_depth",
			Help: "Tasks waiting for a free worker",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TasksDispatched, m.TasksCompleted, m.TasksFailed,
			m.WorkersSpawned, m.WorkerCrashes, m.WorkersActive, m.QueueDepth,
		)
	}
	return m
}

func (m *Metrics) taskDispatched() {
	if m != nil {
		m.TasksDispatched.Inc()
	}
}

func (m *Metrics) taskFinished(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.TasksCompleted.Inc()
	} else {
		m.TasksFailed.Inc()
	}
}

func (m *Metrics) workerSpawned() {
	if m != nil {
		m.WorkersSpawned.Inc()
	}
}

func (m *Metrics) workerCrashed() {
	if m != nil {
		m.WorkerCrashes.Inc()
	}
}

func (m *Metrics) observe(activeWorkers, queued int) {
	if m != nil {
		m.WorkersActive.Set(float64(activeWorkers))
		m.QueueDepth.Set(float64(queued))
	}
}
