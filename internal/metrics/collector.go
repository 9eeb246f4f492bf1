// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/types"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 实现引擎的 Observer 接口，导出 Prometheus 指标。
type Collector struct {
	// 节点执行指标
	nodeExecutionsTotal   *prometheus.CounterVec
	nodeExecutionDuration *prometheus.HistogramVec

	// 重试 / 重规划指标
	retriesTotal prometheus.Counter
	replansTotal prometheus.Counter

	// token 与成本指标
	tokensUsed *prometheus.CounterVec
	costTotal  prometheus.Counter

	// 任务终态指标
	tasksFinished *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时使用默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.nodeExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of workflow node executions",
		},
		[]string{"node", "outcome"},
	)

	c.nodeExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Workflow node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	c.retriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "milestone_retries_total",
			Help:      "Total number of milestone retry attempts",
		},
	)

	c.replansTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_revisions_total",
			Help:      "Total number of plan revisions",
		},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens consumed",
		},
		[]string{"direction"},
	)

	c.costTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Accumulated model cost in account currency units",
		},
	)

	c.tasksFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks reaching a terminal state",
		},
		[]string{"status"},
	)

	return c
}

// NodeExecuted 记录一次节点执行
func (c *Collector) NodeExecuted(node string, d time.Duration, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	c.nodeExecutionsTotal.WithLabelValues(node, outcome).Inc()
	c.nodeExecutionDuration.WithLabelValues(node).Observe(d.Seconds())
}

// RetryRecorded 记录一次里程碑重试
func (c *Collector) RetryRecorded(_ string) {
	c.retriesTotal.Inc()
}

// ReplanRecorded 记录一次计划修订
func (c *Collector) ReplanRecorded(_ string) {
	c.replansTotal.Inc()
}

// TokensRecorded 记录 token 消耗
func (c *Collector) TokensRecorded(usage types.TokenUsage) {
	c.tokensUsed.WithLabelValues("input").Add(float64(usage.InputTokens))
	c.tokensUsed.WithLabelValues("output").Add(float64(usage.OutputTokens))
	c.costTotal.Add(usage.Cost)
}

// TaskFinished 记录任务终态
func (c *Collector) TaskFinished(status types.TaskStatus) {
	c.tasksFinished.WithLabelValues(string(status)).Inc()
}
