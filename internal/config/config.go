// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 默认值、加载、范围校验、端口冲突检测、示例配置生成
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	UDPListen string `yaml:"udp_listen"`
	TCPListen string `yaml:"tcp_listen"`

	// ARQ 段经 TCP 承载 (2 字节长度前缀)，为空表示不启用
	ARQStreamListen string `yaml:"arq_stream_listen"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ARQ       ARQConfig       `yaml:"arq"`
	Room      RoomConfig      `yaml:"room"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ARQConfig ARQ 会话与多路复用器配置
type ARQConfig struct {
	Conv               uint32 `yaml:"conv"`
	MTU                int    `yaml:"mtu"`
	SendWindow         int    `yaml:"send_window"`
	RecvWindow         int    `yaml:"recv_window"`
	IntervalMs         int    `yaml:"interval_ms"`
	NoDelay            bool   `yaml:"nodelay"`
	FastResend         int    `yaml:"fast_resend"`
	RTOInitMs          int    `yaml:"rto_init_ms"`
	RTOMinMs           int    `yaml:"rto_min_ms"`
	RTOMaxMs           int    `yaml:"rto_max_ms"`
	MaxRetries         int    `yaml:"max_retries"`
	IdleTimeoutMs      int    `yaml:"idle_timeout_ms"`
	HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms"`
	MaxSessions        int    `yaml:"max_sessions"`
	TickWorkers        int    `yaml:"tick_workers"`
	TombstoneTTLMs     int    `yaml:"tombstone_ttl_ms"`
}

// RoomConfig 房间配置
type RoomConfig struct {
	InitialCountdown    int64  `yaml:"initial_countdown"`
	CountdownIntervalMs int    `yaml:"countdown_interval_ms"`
	JoinToken           string `yaml:"join_token"`
	ResetToken          string `yaml:"reset_token"`
	RelayExcludeSender  bool   `yaml:"relay_exclude_sender"`
	AnnounceLeave       bool   `yaml:"announce_leave"`
}

// WebSocketConfig WebSocket 行广播配置
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.syncRelatedConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		UDPListen: ":20202",
		TCPListen: ":20201",
		LogLevel:  "info",
		LogFormat: "console",

		ARQ: ARQConfig{
			Conv:               0x11223344,
			MTU:                1400,
			SendWindow:         128,
			RecvWindow:         128,
			IntervalMs:         10,
			NoDelay:            true,
			FastResend:         2,
			RTOInitMs:          200,
			RTOMinMs:           30,
			RTOMaxMs:           60000,
			MaxRetries:         20,
			IdleTimeoutMs:      60000,
			HandshakeTimeoutMs: 10000,
			MaxSessions:        4096,
			TickWorkers:        8,
			TombstoneTTLMs:     30000,
		},

		Room: RoomConfig{
			InitialCountdown:    100,
			CountdownIntervalMs: 20,
			JoinToken:           "JOIN",
			ResetToken:          "CMD_RESET",
			RelayExcludeSender:  false,
			AnnounceLeave:       true,
		},

		WebSocket: WebSocketConfig{
			Enabled: false,
			Listen:  ":20203",
			Path:    "/ws",
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if _, err := parsePort(c.UDPListen); err != nil {
		return fmt.Errorf("udp_listen 端口格式错误: %w", err)
	}

	// TCP 类监听端口冲突检测 (UDP 与 TCP 可以共用端口号)
	tcpPort, err := parsePort(c.TCPListen)
	if err != nil {
		return fmt.Errorf("tcp_listen 端口格式错误: %w", err)
	}
	ports := map[int]string{tcpPort: "tcp_listen"}

	if c.ARQStreamListen != "" {
		streamPort, err := parsePort(c.ARQStreamListen)
		if err != nil {
			return fmt.Errorf("arq_stream_listen 端口格式错误: %w", err)
		}
		if existing, exists := ports[streamPort]; exists && streamPort != 0 {
			return fmt.Errorf("arq_stream_listen 端口 (%d) 与 %s 冲突", streamPort, existing)
		}
		ports[streamPort] = "arq_stream_listen"
	}

	if c.WebSocket.Enabled {
		wsPort, err := parsePort(c.WebSocket.Listen)
		if err != nil {
			return fmt.Errorf("websocket.listen 端口格式错误: %w", err)
		}
		if existing, exists := ports[wsPort]; exists && wsPort != 0 {
			return fmt.Errorf("websocket.listen 端口 (%d) 与 %s 冲突", wsPort, existing)
		}
		ports[wsPort] = "websocket.listen"

		if !strings.HasPrefix(c.WebSocket.Path, "/") {
			return fmt.Errorf("websocket.path 必须以 / 开头")
		}
	}

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if existing, exists := ports[metricsPort]; exists && metricsPort != 0 {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 %s 冲突", metricsPort, existing)
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("无效的 log_level: %s (支持: trace, debug, info, warn, error)", c.LogLevel)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("无效的 log_format: %s (支持: console, json)", c.LogFormat)
	}

	if err := c.validateARQConfig(); err != nil {
		return fmt.Errorf("arq 配置错误: %w", err)
	}
	if err := c.validateRoomConfig(); err != nil {
		return fmt.Errorf("room 配置错误: %w", err)
	}
	return nil
}

// validateARQConfig 验证 ARQ 配置
func (c *Config) validateARQConfig() error {
	a := c.ARQ
	if a.MTU < 64 || a.MTU > 1400 {
		return fmt.Errorf("arq.mtu 需在 64-1400 之间")
	}
	if a.SendWindow < 1 || a.SendWindow > 4096 {
		return fmt.Errorf("arq.send_window 需在 1-4096 之间")
	}
	if a.RecvWindow < 1 || a.RecvWindow > 4096 {
		return fmt.Errorf("arq.recv_window 需在 1-4096 之间")
	}
	if a.IntervalMs < 1 || a.IntervalMs > 5000 {
		return fmt.Errorf("arq.interval_ms 需在 1-5000 之间")
	}
	if a.FastResend < 0 {
		return fmt.Errorf("arq.fast_resend 不能为负数")
	}
	if a.RTOMinMs < 1 || a.RTOMinMs > 5000 {
		return fmt.Errorf("arq.rto_min_ms 需在 1-5000 之间")
	}
	if a.RTOMaxMs < a.RTOMinMs || a.RTOMaxMs > 120000 {
		return fmt.Errorf("arq.rto_max_ms 需不小于 rto_min_ms 且不超过 120000")
	}
	if a.RTOInitMs < a.RTOMinMs || a.RTOInitMs > a.RTOMaxMs {
		return fmt.Errorf("arq.rto_init_ms 需在 rto_min_ms 与 rto_max_ms 之间")
	}
	if a.MaxRetries < 1 || a.MaxRetries > 100 {
		return fmt.Errorf("arq.max_retries 需在 1-100 之间")
	}
	if a.IdleTimeoutMs < 0 || a.HandshakeTimeoutMs < 0 {
		return fmt.Errorf("arq 超时不能为负数")
	}
	if a.MaxSessions < 0 {
		return fmt.Errorf("arq.max_sessions 不能为负数")
	}
	if a.TickWorkers < 1 || a.TickWorkers > 256 {
		return fmt.Errorf("arq.tick_workers 需在 1-256 之间")
	}
	if a.TombstoneTTLMs < 0 {
		return fmt.Errorf("arq.tombstone_ttl_ms 不能为负数")
	}
	return nil
}

// validateRoomConfig 验证房间配置
func (c *Config) validateRoomConfig() error {
	r := c.Room
	if r.InitialCountdown < 0 {
		return fmt.Errorf("room.initial_countdown 不能为负数")
	}
	if r.CountdownIntervalMs < 1 {
		return fmt.Errorf("room.countdown_interval_ms 必须大于 0")
	}
	if strings.TrimSpace(r.JoinToken) == "" {
		return fmt.Errorf("room.join_token 不能为空")
	}
	if strings.TrimSpace(r.ResetToken) == "" {
		return fmt.Errorf("room.reset_token 不能为空")
	}
	if r.JoinToken == r.ResetToken {
		return fmt.Errorf("room.join_token 与 room.reset_token 不能相同")
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	// 关闭 nodelay 时最小 RTO 回到常规值
	if !c.ARQ.NoDelay && c.ARQ.RTOMinMs < 100 {
		c.ARQ.RTOMinMs = 100
		if c.ARQ.RTOInitMs < c.ARQ.RTOMinMs {
			c.ARQ.RTOInitMs = c.ARQ.RTOMinMs
		}
	}

	if c.WebSocket.Path == "" {
		c.WebSocket.Path = "/ws"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# =============================================================================
# arqroom 服务器配置
# =============================================================================

# UDP 监听地址 (ARQ 会话)
udp_listen: ":20202"

# TCP 监听地址 (文本行广播)
tcp_listen: ":20201"

# ARQ 段经 TCP 承载的监听地址，UDP 不可达时使用；留空不启用
arq_stream_listen: ""

# 日志: trace / debug / info / warn / error
log_level: "info"
# console / json
log_format: "console"

# -----------------------------------------------------------------------------
# ARQ 可靠传输
# -----------------------------------------------------------------------------
arq:
  conv: 0x11223344          # 会话号，0 表示接受对端携带的值
  mtu: 1400
  send_window: 128
  recv_window: 128
  interval_ms: 10           # 共享定时器间隔
  nodelay: true             # 最小 RTO 30ms，关闭后为 100ms
  fast_resend: 2            # 被跳过 2 次即快速重传，0 关闭
  rto_init_ms: 200
  rto_min_ms: 30
  rto_max_ms: 60000
  max_retries: 20           # 单段发送次数上限，超过视为对端失联
  idle_timeout_ms: 60000    # 0 关闭
  handshake_timeout_ms: 10000
  max_sessions: 4096
  tick_workers: 8
  tombstone_ttl_ms: 30000

# -----------------------------------------------------------------------------
# 房间
# -----------------------------------------------------------------------------
room:
  initial_countdown: 100
  countdown_interval_ms: 20
  join_token: "JOIN"
  reset_token: "CMD_RESET"
  relay_exclude_sender: false
  announce_leave: true

# -----------------------------------------------------------------------------
# WebSocket 行广播 (与 TCP 共用同一个广播表)
# -----------------------------------------------------------------------------
websocket:
  enabled: false
  listen: ":20203"
  path: "/ws"

# -----------------------------------------------------------------------------
# 监控
# -----------------------------------------------------------------------------
metrics:
  enabled: true
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
