// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 收集器 - 抓取时从会话表读取快照
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SessionStatsProvider 会话表快照接口
type SessionStatsProvider interface {
	// SessionStateCounts 各状态的会话数，key 为状态名
	SessionStateCounts() map[string]int
	// InFlightSegments 所有会话已发送未确认的段数之和
	InFlightSegments() int
	// QueuedSegments 所有会话尚未发出的段数之和
	QueuedSegments() int
}

// SessionCollector 会话表收集器
type SessionCollector struct {
	provider SessionStatsProvider

	sessionsDesc *prometheus.Desc
	inFlightDesc *prometheus.Desc
	queuedDesc   *prometheus.Desc
}

// sessionStates 导出的状态，保证无会话的状态也输出 0
var sessionStates = []string{"HANDSHAKING", "ESTABLISHED", "TERMINATING"}

// NewSessionCollector 创建会话表收集器
func NewSessionCollector(provider SessionStatsProvider) *SessionCollector {
	subsystem := "arq"

	return &SessionCollector{
		provider: provider,

		sessionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "sessions"),
			"Sessions by state",
			[]string{"state"}, nil,
		),
		inFlightDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "in_flight_segments"),
			"Segments sent and awaiting acknowledgement across all sessions",
			nil, nil,
		),
		queuedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "queued_segments"),
			"Segments submitted but not yet sent across all sessions",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.inFlightDesc
	ch <- c.queuedDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.provider.SessionStateCounts()
	for _, state := range sessionStates {
		ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(counts[state]), state)
	}

	ch <- prometheus.MustNewConstMetric(c.inFlightDesc, prometheus.GaugeValue, float64(c.provider.InFlightSegments()))
	ch <- prometheus.MustNewConstMetric(c.queuedDesc, prometheus.GaugeValue, float64(c.provider.QueuedSegments()))
}
