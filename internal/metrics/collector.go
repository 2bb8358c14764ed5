// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"context"
	"time"

	"github.com/BaSui01/graphflow/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，同时实现 workflow.Observer
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 运行指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	activeRuns  *prometheus.GaugeVec

	// 步骤指标
	stepInvocations *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	fanoutBranches  *prometheus.HistogramVec
	interrupts      *prometheus.CounterVec

	// 检查点指标
	checkpointWrites        *prometheus.CounterVec
	checkpointWriteDuration *prometheus.HistogramVec

	logger *zap.Logger
}

var _ workflow.Observer = (*Collector)(nil)

// NewCollector 创建指标收集器。reg 为 nil 时注册到默认 Registerer
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 运行指标
	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of finished workflow runs",
		},
		[]string{"graph", "status"}, // status: done, interrupted, failed
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"graph", "status"},
	)

	c.activeRuns = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_active_runs",
			Help:      "Number of workflow runs in progress",
		},
		[]string{"graph"},
	)

	// 步骤指标
	c.stepInvocations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_step_invocations_total",
			Help:      "Total number of step invocations",
		},
		[]string{"graph", "step", "outcome"}, // outcome: completed, error
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Step invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"graph", "step"},
	)

	c.fanoutBranches = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_fanout_branches",
			Help:      "Number of branches dispatched per fan-out",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		},
		[]string{"graph", "step"},
	)

	c.interrupts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_interrupts_total",
			Help:      "Total number of runs suspended for external input",
		},
		[]string{"graph", "step"},
	)

	// 检查点指标
	c.checkpointWrites = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Total number of checkpoint writes",
		},
		[]string{"graph", "status"},
	)

	c.checkpointWriteDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_write_duration_seconds",
			Help:      "Checkpoint write latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"graph"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	if requestSize >= 0 {
		c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	}
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔀 工作流事件
// =============================================================================

// OnEvent 将运行时事件转换为指标
func (c *Collector) OnEvent(_ context.Context, ev workflow.Event) {
	switch ev.Type {
	case workflow.EventRunStart:
		c.activeRuns.WithLabelValues(ev.Graph).Inc()
	case workflow.EventRunComplete:
		c.activeRuns.WithLabelValues(ev.Graph).Dec()
		c.runsTotal.WithLabelValues(ev.Graph, ev.Status).Inc()
		c.runDuration.WithLabelValues(ev.Graph, ev.Status).Observe(ev.Duration.Seconds())
		if ev.Status == string(workflow.RunFailed) {
			c.logger.Debug("run failed",
				zap.String("graph", ev.Graph),
				zap.String("thread_id", ev.ThreadID),
				zap.String("error", ev.Error))
		}
	case workflow.EventStepComplete:
		c.stepInvocations.WithLabelValues(ev.Graph, ev.Step, "completed").Inc()
		c.stepDuration.WithLabelValues(ev.Graph, ev.Step).Observe(ev.Duration.Seconds())
	case workflow.EventStepError:
		c.stepInvocations.WithLabelValues(ev.Graph, ev.Step, "error").Inc()
		c.stepDuration.WithLabelValues(ev.Graph, ev.Step).Observe(ev.Duration.Seconds())
	case workflow.EventFanout:
		c.fanoutBranches.WithLabelValues(ev.Graph, ev.Step).Observe(float64(ev.Branches))
	case workflow.EventInterrupt:
		c.interrupts.WithLabelValues(ev.Graph, ev.Step).Inc()
	case workflow.EventCheckpoint:
		c.checkpointWrites.WithLabelValues(ev.Graph, ev.Status).Inc()
		c.checkpointWriteDuration.WithLabelValues(ev.Graph).Observe(ev.Duration.Seconds())
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
