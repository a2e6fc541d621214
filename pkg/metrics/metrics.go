package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rookery_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TaskAssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rookery_task_assignments_total",
			Help: "Total number of task assignments by strategy",
		},
		[]string{"strategy"},
	)

	TaskRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rookery_task_retries_total",
			Help: "Total number of task retry attempts",
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rookery_task_duration_seconds",
			Help:    "Task execution duration in seconds by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Agent metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rookery_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	AgentTaskLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rookery_agent_task_load",
			Help: "Current task count per agent",
		},
		[]string{"agent"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rookery_scheduling_latency_seconds",
			Help:    "Time taken to select an agent for a task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StealsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rookery_steals_total",
			Help: "Total number of successful work-stealing operations",
		},
	)

	// Circuit breaker metrics
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rookery_circuit_state",
			Help: "Circuit breaker state per name (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	CircuitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rookery_circuit_rejections_total",
			Help: "Total number of calls rejected by an open circuit",
		},
		[]string{"name"},
	)

	// Bus metrics
	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rookery_messages_sent_total",
			Help: "Total number of messages accepted by the bus by reliability",
		},
		[]string{"reliability"},
	)

	MessagesDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rookery_messages_delivered_total",
			Help: "Total number of message deliveries to receivers",
		},
	)

	MessagesDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rookery_messages_dead_lettered_total",
			Help: "Total number of messages moved to a dead-letter queue by reason",
		},
		[]string{"reason"},
	)

	DeliveryRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rookery_delivery_retries_total",
			Help: "Total number of delivery retries issued by the retry scheduler",
		},
	)

	AckLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rookery_ack_latency_seconds",
			Help:    "Time between delivery and acknowledgment in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rookery_queue_depth",
			Help: "Current number of messages per queue",
		},
		[]string{"queue"},
	)

	// Timeout metrics
	TimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rookery_timeouts_total",
			Help: "Total number of timeouts by kind (task, delivery, ack)",
		},
		[]string{"kind"},
	)

	// Memory metrics
	MemoryEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rookery_memory_entries_total",
			Help: "Total number of shared memory entries",
		},
	)

	MemoryEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rookery_memory_evictions_total",
			Help: "Total number of memory entries evicted",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskAssignmentsTotal)
	prometheus.MustRegister(TaskRetriesTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(AgentTaskLoad)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(StealsTotal)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(CircuitRejectionsTotal)
	prometheus.MustRegister(MessagesSentTotal)
	prometheus.MustRegister(MessagesDeliveredTotal)
	prometheus.MustRegister(MessagesDeadLetteredTotal)
	prometheus.MustRegister(DeliveryRetriesTotal)
	prometheus.MustRegister(AckLatency)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TimeoutsTotal)
	prometheus.MustRegister(MemoryEntriesTotal)
	prometheus.MustRegister(MemoryEvictionsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
