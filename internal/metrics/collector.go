// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 会话状态机指标
	transitionsTotal *prometheus.CounterVec
	transfersTotal   *prometheus.CounterVec
	inboundTotal     *prometheus.CounterVec

	// 调度指标
	dispatchOutcomes *prometheus.CounterVec
	dispatchDelay    prometheus.Histogram
	dispatchPending  prometheus.Gauge
	mailboxRejected  prometheus.Counter

	// 网关指标
	gatewayRequestsTotal   *prometheus.CounterVec
	gatewayRequestDuration *prometheus.HistogramVec

	// 已读与表情指标
	messagesMarkedRead     prometheus.Counter
	reactionsTotal         *prometheus.CounterVec
	reconcileQueueDepth    prometheus.Gauge
	reactionPartialFailure prometheus.Counter

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"method", "path"},
	)

	// 会话状态机指标
	c.transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_transitions_total",
			Help:      "Total number of applied conversation actions",
		},
		[]string{"action", "from", "to"},
	)

	c.transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_transfers_total",
			Help:      "Total number of ownership transfer events",
		},
		[]string{"from", "to"},
	)

	c.inboundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Total number of ingested inbound messages",
		},
		[]string{"status"},
	)

	// 调度指标
	c.dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Automated reply dispatch outcomes",
		},
		[]string{"outcome"},
	)

	c.dispatchDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_delay_seconds",
			Help:      "Computed delay of scheduled automated replies",
			Buckets:   []float64{0, 0.5, 1, 2, 3, 4, 5, 7.5, 10, 15, 30},
		},
	)

	c.dispatchPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_pending",
			Help:      "Number of armed dispatch timers",
		},
	)

	c.mailboxRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_mailbox_rejected_total",
			Help:      "Requests rejected because a conversation mailbox was full",
		},
	)

	// 网关指标
	c.gatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Total number of messaging gateway calls",
		},
		[]string{"operation", "status"},
	)

	c.gatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Messaging gateway call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// 已读与表情指标
	c.messagesMarkedRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_marked_read_total",
			Help:      "Total number of inbound messages marked read",
		},
	)

	c.reactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reactions_total",
			Help:      "Reaction attachments by result",
		},
		[]string{"result"},
	)

	c.reconcileQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reaction_reconcile_queue_depth",
			Help:      "Reactions waiting for read-repair",
		},
	)

	c.reactionPartialFailure = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaction_partial_failures_total",
			Help:      "Reactions delivered externally but not recorded locally",
		},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 💬 会话指标记录
// =============================================================================

// RecordTransition 记录一次生效的会话操作
func (c *Collector) RecordTransition(action, fromStatus, toStatus string) {
	c.transitionsTotal.WithLabelValues(action, fromStatus, toStatus).Inc()
}

// RecordTransfer 记录移交事件
func (c *Collector) RecordTransfer(from, to string) {
	c.transfersTotal.WithLabelValues(from, to).Inc()
}

// RecordInbound 记录入站消息, status 为写入后的会话状态
func (c *Collector) RecordInbound(status string) {
	c.inboundTotal.WithLabelValues(status).Inc()
}

// RecordMailboxRejected 记录因邮箱已满被拒绝的请求
func (c *Collector) RecordMailboxRejected() {
	c.mailboxRejected.Inc()
}

// =============================================================================
// ⏱️ 调度指标记录
// =============================================================================

// RecordDispatchScheduled 记录一次已布置的发送及其延迟
func (c *Collector) RecordDispatchScheduled(delay time.Duration) {
	c.dispatchDelay.Observe(delay.Seconds())
}

// RecordDispatchOutcome 记录调度结果
func (c *Collector) RecordDispatchOutcome(outcome string) {
	c.dispatchOutcomes.WithLabelValues(outcome).Inc()
}

// SetDispatchPending 设置当前待触发的定时器数量
func (c *Collector) SetDispatchPending(n int) {
	c.dispatchPending.Set(float64(n))
}

// =============================================================================
// 📡 网关指标记录
// =============================================================================

// RecordGatewayRequest 记录网关调用
func (c *Collector) RecordGatewayRequest(operation, status string, duration time.Duration) {
	c.gatewayRequestsTotal.WithLabelValues(operation, status).Inc()
	c.gatewayRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// =============================================================================
// 👀 已读与表情指标记录
// =============================================================================

// RecordMarkedRead 记录被标记为已读的消息数
func (c *Collector) RecordMarkedRead(n int) {
	c.messagesMarkedRead.Add(float64(n))
}

// RecordReaction 记录表情附加结果 (ok / duplicate / partial_failure / rejected / failed)
func (c *Collector) RecordReaction(result string) {
	c.reactionsTotal.WithLabelValues(result).Inc()
	if result == "partial_failure" {
		c.reactionPartialFailure.Inc()
	}
}

// SetReconcileQueueDepth 设置待修复表情数
func (c *Collector) SetReconcileQueueDepth(n int64) {
	c.reconcileQueueDepth.Set(float64(n))
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
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
