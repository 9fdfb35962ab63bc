// Package metrics defines Prometheus collectors for the scout server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts dispatched requests by method, transport and outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_requests_total",
			Help: "Total number of RPC requests dispatched",
		},
		[]string{"method", "transport", "status"},
	)

	// RequestDuration observes request handling latency.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scout_request_duration_seconds",
			Help:    "RPC request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "transport"},
	)

	// ActiveSessions tracks live client sessions per transport.
	ActiveSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scout_active_sessions",
			Help: "Number of active client sessions",
		},
		[]string{"transport"},
	)

	// ToolCalls counts tool invocations by tool name and outcome.
	ToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_tool_calls_total",
			Help: "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	// NotificationsSent counts list_changed and progress notifications.
	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_notifications_sent_total",
			Help: "Total number of server-initiated notifications",
		},
		[]string{"kind"},
	)

	// PluginsByState tracks plugin counts per lifecycle state.
	PluginsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scout_plugins",
			Help: "Number of plugins per lifecycle state",
		},
		[]string{"state"},
	)

	// VaultOperations counts credential vault operations.
	VaultOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_vault_operations_total",
			Help: "Total number of credential vault operations",
		},
		[]string{"action", "success"},
	)

	// CMDBItems tracks the number of configuration items held in memory.
	CMDBItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scout_cmdb_items",
			Help: "Number of configuration items in the CMDB",
		},
	)

	// CMDBFlushes counts durable-store flushes.
	CMDBFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scout_cmdb_flushes_total",
			Help: "Total number of CMDB flushes to the durable store",
		},
	)

	// AMQPReconnects counts broker reconnection attempts.
	AMQPReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scout_amqp_reconnects_total",
			Help: "Total number of AMQP reconnection attempts",
		},
	)

	// ModuleReloads counts hot-reload outcomes per module.
	ModuleReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_module_reloads_total",
			Help: "Total number of module hot reloads",
		},
		[]string{"module", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveSessions,
		ToolCalls,
		NotificationsSent,
		PluginsByState,
		VaultOperations,
		CMDBItems,
		CMDBFlushes,
		AMQPReconnects,
		ModuleReloads,
	)
}

// RecordRequest records one dispatched request.
func RecordRequest(method, transport, status string, d time.Duration) {
	RequestsTotal.WithLabelValues(method, transport, status).Inc()
	RequestDuration.WithLabelValues(method, transport).Observe(d.Seconds())
}

// RecordToolCall records one tool invocation.
func RecordToolCall(tool string, err bool) {
	status := "ok"
	if err {
		status = "error"
	}
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordNotification records one outbound notification.
func RecordNotification(kind string) {
	NotificationsSent.WithLabelValues(kind).Inc()
}

// RecordVaultOp records one vault operation.
func RecordVaultOp(action string, success bool) {
	s := "true"
	if !success {
		s = "false"
	}
	VaultOperations.WithLabelValues(action, s).Inc()
}

// RecordModuleReload records one hot-reload outcome.
func RecordModuleReload(module, status string) {
	ModuleReloads.WithLabelValues(module, status).Inc()
}
