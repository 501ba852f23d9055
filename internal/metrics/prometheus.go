package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector bridges snapshots into a Prometheus registry. Every metric is
// derived from one Snapshot per scrape, so a scrape observes a consistent
// view of the run.
type Collector struct {
	emitter *Emitter

	tasksByState   *prometheus.Desc
	taskAttempts   *prometheus.Desc
	roleCompleted  *prometheus.Desc
	roleBacklog    *prometheus.Desc
	roleLatency    *prometheus.Desc
	completionRate *prometheus.Desc
	qaPassRate     *prometheus.Desc
	activeWorkers  *prometheus.Desc
	queueLength    *prometheus.Desc
	activeReviews  *prometheus.Desc
	overdueReviews *prometheus.Desc
	cacheHitRatio  *prometheus.Desc
	errorsTotal    *prometheus.Desc
	healthScore    *prometheus.Desc
}

// NewCollector creates a collector over the emitter.
func NewCollector(emitter *Emitter) *Collector {
	return &Collector{
		emitter: emitter,
		tasksByState: prometheus.NewDesc("conductor_tasks",
			"Number of tasks by lifecycle state.", []string{"state"}, nil),
		taskAttempts: prometheus.NewDesc("conductor_task_attempts",
			"Execution attempts per task.", []string{"task", "owner"}, nil),
		roleCompleted: prometheus.NewDesc("conductor_role_completed",
			"Tasks completed per role.", []string{"role"}, nil),
		roleBacklog: prometheus.NewDesc("conductor_role_backlog",
			"Non-terminal tasks per role.", []string{"role"}, nil),
		roleLatency: prometheus.NewDesc("conductor_role_mean_latency_seconds",
			"Mean task latency per role.", []string{"role"}, nil),
		completionRate: prometheus.NewDesc("conductor_completion_rate",
			"Fraction of tasks DONE.", nil, nil),
		qaPassRate: prometheus.NewDesc("conductor_qa_pass_rate",
			"Fraction of QA-judged tasks passing.", nil, nil),
		activeWorkers: prometheus.NewDesc("conductor_active_workers",
			"Workers currently executing tasks.", nil, nil),
		queueLength: prometheus.NewDesc("conductor_ready_queue_length",
			"READY tasks waiting for a worker.", nil, nil),
		activeReviews: prometheus.NewDesc("conductor_active_reviews",
			"Open review items.", nil, nil),
		overdueReviews: prometheus.NewDesc("conductor_overdue_reviews",
			"Open review items past their deadline.", nil, nil),
		cacheHitRatio: prometheus.NewDesc("conductor_memory_cache_hit_ratio",
			"Memory cache hit ratio by tier.", []string{"tier"}, nil),
		errorsTotal: prometheus.NewDesc("conductor_task_errors",
			"Tasks carrying an error code.", []string{"code"}, nil),
		healthScore: prometheus.NewDesc("conductor_health_score",
			"Composite run health in [0,1].", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasksByState
	ch <- c.taskAttempts
	ch <- c.roleCompleted
	ch <- c.roleBacklog
	ch <- c.roleLatency
	ch <- c.completionRate
	ch <- c.qaPassRate
	ch <- c.activeWorkers
	ch <- c.queueLength
	ch <- c.activeReviews
	ch <- c.overdueReviews
	ch <- c.cacheHitRatio
	ch <- c.errorsTotal
	ch <- c.healthScore
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.emitter.Snapshot()

	byState := make(map[string]int)
	for _, t := range snap.Tasks {
		byState[string(t.State)]++
		ch <- prometheus.MustNewConstMetric(c.taskAttempts, prometheus.GaugeValue,
			float64(t.Attempts), t.ID, t.Owner)
	}
	for state, n := range byState {
		ch <- prometheus.MustNewConstMetric(c.tasksByState, prometheus.GaugeValue, float64(n), state)
	}
	for _, r := range snap.Roles {
		ch <- prometheus.MustNewConstMetric(c.roleCompleted, prometheus.GaugeValue, float64(r.Completed), r.Role)
		ch <- prometheus.MustNewConstMetric(c.roleBacklog, prometheus.GaugeValue, float64(r.Backlog), r.Role)
		ch <- prometheus.MustNewConstMetric(c.roleLatency, prometheus.GaugeValue, r.MeanLatency.Seconds(), r.Role)
	}
	for code, n := range snap.Global.ErrorCounts {
		ch <- prometheus.MustNewConstMetric(c.errorsTotal, prometheus.GaugeValue, float64(n), code)
	}

	g := snap.Global
	ch <- prometheus.MustNewConstMetric(c.completionRate, prometheus.GaugeValue, g.CompletionRate)
	ch <- prometheus.MustNewConstMetric(c.qaPassRate, prometheus.GaugeValue, g.QAPassRate)
	ch <- prometheus.MustNewConstMetric(c.activeWorkers, prometheus.GaugeValue, float64(g.ActiveWorkers))
	ch <- prometheus.MustNewConstMetric(c.queueLength, prometheus.GaugeValue, float64(g.QueueLength))
	ch <- prometheus.MustNewConstMetric(c.activeReviews, prometheus.GaugeValue, float64(g.ActiveReviews))
	ch <- prometheus.MustNewConstMetric(c.overdueReviews, prometheus.GaugeValue, float64(g.OverdueReviews))
	ch <- prometheus.MustNewConstMetric(c.cacheHitRatio, prometheus.GaugeValue, g.L1HitRatio, "l1")
	ch <- prometheus.MustNewConstMetric(c.cacheHitRatio, prometheus.GaugeValue, g.L2HitRatio, "l2")
	ch <- prometheus.MustNewConstMetric(c.healthScore, prometheus.GaugeValue, g.HealthScore)
}
