// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram）
//       所有方法允许 nil 接收者，未启用监控时调用方无需判断
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "arqroom"

// RoomMetrics 全局指标集合
type RoomMetrics struct {
	// 会话相关
	ActiveSessions prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec

	// 段与数据报
	Segments         *prometheus.CounterVec
	DroppedDatagrams *prometheus.CounterVec

	// 链路收发 (link = udp | tcp)
	LinkPackets *prometheus.CounterVec
	LinkBytes   *prometheus.CounterVec

	// ARQ 相关
	Retransmits *prometheus.CounterVec
	RTT         prometheus.Histogram

	// 房间
	Countdown   prometheus.Gauge
	JoinedPeers prometheus.Gauge
	Joins       prometheus.Counter
	Resets      *prometheus.CounterVec

	// 广播
	BroadcastConns *prometheus.GaugeVec
	BroadcastLines prometheus.Counter
}

// NewRoomMetrics 创建指标集合并注册到 registry
func NewRoomMetrics(registry *prometheus.Registry) *RoomMetrics {
	m := &RoomMetrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "active_sessions",
			Help:      "Number of live ARQ sessions",
		}),

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "sessions_total",
			Help:      "ARQ session lifecycle events",
		}, []string{"event", "reason"}),

		Segments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "segments_total",
			Help:      "Segments processed by direction and command",
		}, []string{"direction", "cmd"}),

		DroppedDatagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "dropped_datagrams_total",
			Help:      "Inbound datagrams dropped before reaching a session",
		}, []string{"reason"}),

		LinkPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "packets_total",
			Help:      "Datagrams or frames moved by the underlying link",
		}, []string{"link", "direction"}),

		LinkBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "bytes_total",
			Help:      "Payload bytes moved by the underlying link",
		}, []string{"link", "direction"}),

		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "retransmits_total",
			Help:      "Total ARQ retransmissions",
		}, []string{"kind"}),

		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "rtt_seconds",
			Help:      "Round-trip samples from never-retransmitted segments",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		Countdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "countdown",
			Help:      "Current room countdown value",
		}),

		JoinedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "joined_peers",
			Help:      "Number of peers joined to the room",
		}),

		Joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "joins_total",
			Help:      "Total room joins",
		}),

		Resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "resets_total",
			Help:      "Countdown resets by source",
		}, []string{"source"}),

		BroadcastConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "connections",
			Help:      "Connected line clients by transport",
		}, []string{"transport"}),

		BroadcastLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "lines_total",
			Help:      "Lines received from line clients",
		}),
	}

	registry.MustRegister(
		m.ActiveSessions,
		m.SessionsTotal,
		m.Segments,
		m.DroppedDatagrams,
		m.LinkPackets,
		m.LinkBytes,
		m.Retransmits,
		m.RTT,
		m.Countdown,
		m.JoinedPeers,
		m.Joins,
		m.Resets,
		m.BroadcastConns,
		m.BroadcastLines,
	)

	return m
}

// SessionOpened 记录新会话
func (m *RoomMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues("opened", "").Inc()
}

// SessionClosed 记录会话拆除
func (m *RoomMetrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues("closed", reason).Inc()
}

// SetActiveSessions 更新活跃会话数
func (m *RoomMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// SegmentReceived 记录入站段
func (m *RoomMetrics) SegmentReceived(cmd string) {
	if m == nil {
		return
	}
	m.Segments.WithLabelValues("in", cmd).Inc()
}

// SegmentSent 记录出站段
func (m *RoomMetrics) SegmentSent(cmd string) {
	if m == nil {
		return
	}
	m.Segments.WithLabelValues("out", cmd).Inc()
}

// DatagramDropped 记录丢弃的数据报
func (m *RoomMetrics) DatagramDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedDatagrams.WithLabelValues(reason).Inc()
}

// LinkReceived 记录链路收到 n 字节的一个包
func (m *RoomMetrics) LinkReceived(link string, n int) {
	if m == nil {
		return
	}
	m.LinkPackets.WithLabelValues(link, "in").Inc()
	m.LinkBytes.WithLabelValues(link, "in").Add(float64(n))
}

// LinkSent 记录链路发出 n 字节的一个包
func (m *RoomMetrics) LinkSent(link string, n int) {
	if m == nil {
		return
	}
	m.LinkPackets.WithLabelValues(link, "out").Inc()
	m.LinkBytes.WithLabelValues(link, "out").Add(float64(n))
}

// Retransmitted 记录重传
func (m *RoomMetrics) Retransmitted(kind string, n int) {
	if m == nil {
		return
	}
	m.Retransmits.WithLabelValues(kind).Add(float64(n))
}

// ObserveRTT 记录 RTT 采样 (ms)
func (m *RoomMetrics) ObserveRTT(ms uint32) {
	if m == nil {
		return
	}
	m.RTT.Observe(float64(ms) / 1000)
}

// SetCountdown 更新倒计时
func (m *RoomMetrics) SetCountdown(v int64) {
	if m == nil {
		return
	}
	m.Countdown.Set(float64(v))
}

// SetJoinedPeers 更新已加入人数
func (m *RoomMetrics) SetJoinedPeers(n int) {
	if m == nil {
		return
	}
	m.JoinedPeers.Set(float64(n))
}

// PeerJoined 记录加入
func (m *RoomMetrics) PeerJoined() {
	if m == nil {
		return
	}
	m.Joins.Inc()
}

// RoomReset 记录重置
func (m *RoomMetrics) RoomReset(source string) {
	if m == nil {
		return
	}
	m.Resets.WithLabelValues(source).Inc()
}

// BroadcastConnected 记录广播连接建立
func (m *RoomMetrics) BroadcastConnected(transport string) {
	if m == nil {
		return
	}
	m.BroadcastConns.WithLabelValues(transport).Inc()
}

// BroadcastDisconnected 记录广播连接断开
func (m *RoomMetrics) BroadcastDisconnected(transport string) {
	if m == nil {
		return
	}
	m.BroadcastConns.WithLabelValues(transport).Dec()
}

// BroadcastLine 记录收到的行
func (m *RoomMetrics) BroadcastLine() {
	if m == nil {
		return
	}
	m.BroadcastLines.Inc()
}
