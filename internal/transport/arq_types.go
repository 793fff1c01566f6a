// =============================================================================
// 文件: internal/transport/arq_types.go
// 描述: ARQ 可靠传输 - 统一类型定义 (常量、状态、配置、错误、统计)
// =============================================================================
package transport

import (
	"errors"
	"time"

	"github.com/mrcgq/arqroom/internal/config"
)

// =============================================================================
// 协议常量
// =============================================================================

const (
	// 包头: Conv(4) + Cmd(1) + Frg(1) + Wnd(2) + Ts(4) + Sn(4) + Una(4) = 20 bytes
	SegmentHeaderSize = 20

	// 单个数据报的最大尺寸，负载上限由此推出
	MaxMTU            = 1400
	MaxSegmentPayload = MaxMTU - SegmentHeaderSize

	// 一条消息最多分成 255 片 (Frg 为 uint8 倒计数)
	MaxFragments = 255

	// 默认参数 (wndsize 128/128, nodelay 1/10/2)
	DefaultConv             uint32 = 0x11223344
	DefaultMTU                     = MaxMTU
	DefaultSendWindow              = 128
	DefaultRecvWindow              = 128
	DefaultInterval                = 10 * time.Millisecond
	DefaultRTOInit                 = 200 * time.Millisecond
	DefaultRTOMin                  = 30 * time.Millisecond
	DefaultRTOMinNormal            = 100 * time.Millisecond
	DefaultRTOMax                  = 60 * time.Second
	DefaultFastResend              = 2
	DefaultMaxRetries              = 20
	DefaultIdleTimeout             = 60 * time.Second
	DefaultHandshakeTimeout        = 10 * time.Second
	DefaultMaxSessions             = 4096
	DefaultTickWorkers             = 8
	DefaultTombstoneTTL            = 30 * time.Second

	// 窗口探测: 首次等待 7s，之后每次放大 1.5 倍，上限 120s
	windowProbeInit  uint32 = 7000
	windowProbeLimit uint32 = 120000
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrMalformedSegment    = errors.New("段格式错误")
	ErrDuplicateSegment    = errors.New("重复段")
	ErrWindowExceeded      = errors.New("超出对端通告窗口")
	ErrRetransmitExhausted = errors.New("重传次数耗尽")
	ErrUnknownSession      = errors.New("未知会话")
	ErrSessionClosed       = errors.New("会话已关闭")
	ErrSessionIdle         = errors.New("会话空闲超时")
	ErrPeerTerminated      = errors.New("对端终止会话")
	ErrMessageTooLarge     = errors.New("消息过大")
	ErrEmptyMessage        = errors.New("消息为空")
	ErrTooManySessions     = errors.New("会话数已达上限")
)

// =============================================================================
// 会话状态
// =============================================================================

// SessionState 会话状态
type SessionState uint8

const (
	StateHandshaking SessionState = iota
	StateEstablished
	StateTerminating
	StateClosed
)

func (s SessionState) String() string {
	names := []string{"HANDSHAKING", "ESTABLISHED", "TERMINATING", "CLOSED"}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// =============================================================================
// 配置
// =============================================================================

// ARQConfig ARQ 会话配置
type ARQConfig struct {
	// Conv 为 0 时接受对端首个 PUSH 携带的会话号
	Conv             uint32
	MTU              int
	SendWindow       int
	RecvWindow       int
	Interval         time.Duration
	RTOInit          time.Duration
	RTOMin           time.Duration
	RTOMax           time.Duration
	FastResend       int
	MaxRetries       int
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration

	// 多路复用器
	MaxSessions  int
	TickWorkers  int
	TombstoneTTL time.Duration
}

// DefaultARQConfig 默认配置
func DefaultARQConfig() *ARQConfig {
	return &ARQConfig{
		Conv:             DefaultConv,
		MTU:              DefaultMTU,
		SendWindow:       DefaultSendWindow,
		RecvWindow:       DefaultRecvWindow,
		Interval:         DefaultInterval,
		RTOInit:          DefaultRTOInit,
		RTOMin:           DefaultRTOMin,
		RTOMax:           DefaultRTOMax,
		FastResend:       DefaultFastResend,
		MaxRetries:       DefaultMaxRetries,
		IdleTimeout:      DefaultIdleTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxSessions:      DefaultMaxSessions,
		TickWorkers:      DefaultTickWorkers,
		TombstoneTTL:     DefaultTombstoneTTL,
	}
}

// ARQConfigFromConfig 从 YAML 配置转换
func ARQConfigFromConfig(c *config.ARQConfig) *ARQConfig {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	cfg := &ARQConfig{
		Conv:             c.Conv,
		MTU:              c.MTU,
		SendWindow:       c.SendWindow,
		RecvWindow:       c.RecvWindow,
		Interval:         ms(c.IntervalMs),
		RTOInit:          ms(c.RTOInitMs),
		RTOMin:           ms(c.RTOMinMs),
		RTOMax:           ms(c.RTOMaxMs),
		FastResend:       c.FastResend,
		MaxRetries:       c.MaxRetries,
		IdleTimeout:      ms(c.IdleTimeoutMs),
		HandshakeTimeout: ms(c.HandshakeTimeoutMs),
		MaxSessions:      c.MaxSessions,
		TickWorkers:      c.TickWorkers,
		TombstoneTTL:     ms(c.TombstoneTTLMs),
	}
	if !c.NoDelay && cfg.RTOMin < DefaultRTOMinNormal {
		cfg.RTOMin = DefaultRTOMinNormal
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return cfg
}

// mss 单段最大负载
func (c *ARQConfig) mss() int {
	mtu := c.MTU
	if mtu <= SegmentHeaderSize || mtu > MaxMTU {
		mtu = MaxMTU
	}
	return mtu - SegmentHeaderSize
}

// maxFragments 单条消息允许的最大分片数，受对端接收窗口限制
func (c *ARQConfig) maxFragments() int {
	if c.RecvWindow < MaxFragments {
		return c.RecvWindow
	}
	return MaxFragments
}

func durationMs(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Millisecond)
}

// =============================================================================
// 统计
// =============================================================================

// SessionStats 会话统计
type SessionStats struct {
	State string

	SegmentsSent     uint64
	SegmentsReceived uint64
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64

	Retransmits     uint64
	FastRetransmits uint64
	Duplicates      uint64
	AcksSent        uint64
	AcksReceived    uint64

	InFlight   int
	MaxXmit    uint32
	SendQueue  int
	CongWindow int
	PeerWindow int
	RecvWindow int

	SRTT time.Duration
	RTO  time.Duration
}

// =============================================================================
// 序号/时间比较 (按 uint32 回绕处理)
// =============================================================================

func timeDiff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
