package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/labflowproject/labflow/internal/scheduler/capacity"
	"github.com/labflowproject/labflow/internal/scheduler/quota"
)

const MetricPrefix = "labflow_scheduler_"

var decisionCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "workflow_decisions_total",
		Help: "Number of admission decisions made, by outcome and reason.",
	},
	[]string{"outcome", "reason"},
)

func RecordDecision(outcome string, reason string) {
	decisionCounter.WithLabelValues(outcome, reason).Inc()
}

type RunningCounter interface {
	CountRunning() (int64, error)
}

type QuotaSnapshotter interface {
	CurrentSnapshot() quota.Snapshot
}

type CapacityReader interface {
	LastState() *capacity.State
}

// ExposeSchedulerMetrics registers a collector reading gauge values straight
// from the scheduler's own state at scrape time.
func ExposeSchedulerMetrics(running RunningCounter, quotaSnapshots QuotaSnapshotter, capacityState CapacityReader) {
	prometheus.MustRegister(&schedulerCollector{
		running:       running,
		quota:         quotaSnapshots,
		capacity:      capacityState,
		runningDesc:   prometheus.NewDesc(MetricPrefix+"running_workflows", "Number of workflows currently running.", nil, nil),
		cpuUsageDesc:  prometheus.NewDesc(MetricPrefix+"user_cpu_usage_seconds", "Accumulated CPU seconds consumed per user.", []string{"user"}, nil),
		cpuLimitDesc:  prometheus.NewDesc(MetricPrefix+"user_cpu_limit_seconds", "CPU seconds quota per user, zero means unlimited.", []string{"user"}, nil),
		diskUsageDesc: prometheus.NewDesc(MetricPrefix+"user_disk_usage_bytes", "Disk bytes consumed per user.", []string{"user"}, nil),
		diskLimitDesc: prometheus.NewDesc(MetricPrefix+"user_disk_limit_bytes", "Disk bytes quota per user, zero means unlimited.", []string{"user"}, nil),
		freeMemDesc:   prometheus.NewDesc(MetricPrefix+"cluster_largest_free_memory_bytes", "Largest free memory on any schedulable node at the last capacity reading.", nil, nil),
		freeCpuDesc:   prometheus.NewDesc(MetricPrefix+"cluster_free_cpu_millis", "Aggregate free CPU millicores at the last capacity reading.", nil, nil),
		staleDesc:     prometheus.NewDesc(MetricPrefix+"cluster_capacity_stale", "Whether the last capacity reading is stale (1) or fresh (0).", nil, nil),
	})
}

type schedulerCollector struct {
	running  RunningCounter
	quota    QuotaSnapshotter
	capacity CapacityReader

	runningDesc   *prometheus.Desc
	cpuUsageDesc  *prometheus.Desc
	cpuLimitDesc  *prometheus.Desc
	diskUsageDesc *prometheus.Desc
	diskLimitDesc *prometheus.Desc
	freeMemDesc   *prometheus.Desc
	freeCpuDesc   *prometheus.Desc
	staleDesc     *prometheus.Desc
}

func (c *schedulerCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- c.runningDesc
	desc <- c.cpuUsageDesc
	desc <- c.cpuLimitDesc
	desc <- c.diskUsageDesc
	desc <- c.diskLimitDesc
	desc <- c.freeMemDesc
	desc <- c.freeCpuDesc
	desc <- c.staleDesc
}

func (c *schedulerCollector) Collect(metrics chan<- prometheus.Metric) {
	count, err := c.running.CountRunning()
	if err != nil {
		log.WithError(err).Error("Failed to count running workflows for metrics collection")
	} else {
		metrics <- prometheus.MustNewConstMetric(c.runningDesc, prometheus.GaugeValue, float64(count))
	}

	for user, userQuota := range c.quota.CurrentSnapshot() {
		metrics <- prometheus.MustNewConstMetric(c.cpuUsageDesc, prometheus.GaugeValue, float64(userQuota.Usage.CpuSeconds), user)
		metrics <- prometheus.MustNewConstMetric(c.cpuLimitDesc, prometheus.GaugeValue, float64(userQuota.Limits.CpuSeconds), user)
		metrics <- prometheus.MustNewConstMetric(c.diskUsageDesc, prometheus.GaugeValue, float64(userQuota.Usage.DiskBytes), user)
		metrics <- prometheus.MustNewConstMetric(c.diskLimitDesc, prometheus.GaugeValue, float64(userQuota.Limits.DiskBytes), user)
	}

	state := c.capacity.LastState()
	if state == nil {
		return
	}
	metrics <- prometheus.MustNewConstMetric(c.freeMemDesc, prometheus.GaugeValue, float64(state.LargestFreeMemoryBytes))
	metrics <- prometheus.MustNewConstMetric(c.freeCpuDesc, prometheus.GaugeValue, float64(state.FreeCpuMillis))
	stale := float64(0)
	if state.Stale {
		stale = 1
	}
	metrics <- prometheus.MustNewConstMetric(c.staleDesc, prometheus.GaugeValue, stale)
}
