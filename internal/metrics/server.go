// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 指标与状态 HTTP 服务 - /metrics、按组件汇总的健康检查、房间快照
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// 组件状态，按严重程度递增
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var statusRank = map[string]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

// RoomPath 房间快照路径
const RoomPath = "/room"

// MetricsServer 指标服务器
type MetricsServer struct {
	listen      string
	metricsPath string
	healthPath  string
	enablePprof bool
	version     string

	httpServer *http.Server
	registry   *prometheus.Registry
	startTime  time.Time

	mu       sync.RWMutex
	checks   map[string]func() ComponentHealth
	liveness func() error
	roomView func() RoomView
}

// HealthStatus 健康状态
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// RoomView 房间快照
type RoomView struct {
	Countdown   int64    `json:"countdown"`
	Peers       []string `json:"peers"`
	Sessions    int      `json:"sessions"`
	LineClients int      `json:"line_clients"`
}

// NewMetricsServer 创建指标服务器
func NewMetricsServer(listen, metricsPath, healthPath string, enablePprof bool) *MetricsServer {
	// 自定义 registry，避免污染全局
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if healthPath == "" {
		healthPath = "/health"
	}

	return &MetricsServer{
		listen:      listen,
		metricsPath: metricsPath,
		healthPath:  healthPath,
		enablePprof: enablePprof,
		registry:    registry,
		startTime:   time.Now(),
		checks:      make(map[string]func() ComponentHealth),
	}
}

// RegisterCollector 注册 Prometheus 收集器
func (s *MetricsServer) RegisterCollector(c prometheus.Collector) error {
	return s.registry.Register(c)
}

// GetRegistry 获取 registry
func (s *MetricsServer) GetRegistry() *prometheus.Registry {
	return s.registry
}

// SetVersion 健康输出中的版本号
func (s *MetricsServer) SetVersion(v string) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

// AddCheck 注册一个组件检查，同名覆盖
// 总体状态取所有组件中最差的一个
func (s *MetricsServer) AddCheck(name string, fn func() ComponentHealth) {
	s.mu.Lock()
	s.checks[name] = fn
	s.mu.Unlock()
}

// SetLiveness 存活判断，返回错误时 /live 报 503 (通常是倒计时停摆)
func (s *MetricsServer) SetLiveness(fn func() error) {
	s.mu.Lock()
	s.liveness = fn
	s.mu.Unlock()
}

// SetRoomView 房间快照来源，未设置时 /room 返回 404
func (s *MetricsServer) SetRoomView(fn func() RoomView) {
	s.mu.Lock()
	s.roomView = fn
	s.mu.Unlock()
}

// Handler 路由 (也用于测试)
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(s.healthPath, s.handleHealth)
	mux.HandleFunc(s.healthPath+"/live", s.handleLiveness)
	mux.HandleFunc(s.healthPath+"/ready", s.handleReadiness)
	mux.HandleFunc(RoomPath, s.handleRoom)

	mux.Handle(s.metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))

	if s.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Start 启动服务器
func (s *MetricsServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("metrics 监听失败: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	logger := log.With().Str("component", "metrics").Logger()
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("服务器错误")
		}
	}()

	logger.Info().
		Str("addr", listener.Addr().String()).
		Str("metrics", s.metricsPath).
		Str("health", s.healthPath).
		Str("room", RoomPath).
		Msg("Metrics 服务器已启动")
	return nil
}

// Stop 停止服务器
func (s *MetricsServer) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
}

// =============================================================================
// 健康检查
// =============================================================================

// Status 运行全部组件检查并汇总
func (s *MetricsServer) Status() HealthStatus {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make([]func() ComponentHealth, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		checks = append(checks, s.checks[name])
	}
	version := s.version
	s.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Version:   version,
		Uptime:    time.Since(s.startTime).Truncate(time.Second).String(),
	}
	if len(names) > 0 {
		status.Components = make(map[string]ComponentHealth, len(names))
	}

	// 检查函数在锁外执行，可能访问房间或多路复用器
	for i, name := range names {
		c := checks[i]()
		if _, ok := statusRank[c.Status]; !ok {
			c.Status = StatusUnhealthy
		}
		status.Components[name] = c
		if statusRank[c.Status] > statusRank[status.Status] {
			status.Status = c.Status
		}
	}
	return status
}

func (s *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (s *MetricsServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	liveness := s.liveness
	s.mu.RUnlock()

	if liveness != nil {
		if err := liveness(); err != nil {
			http.Error(w, "NOT OK: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("OK"))
}

// degraded 仍可接流量
func (s *MetricsServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.Status().Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT READY"))
		return
	}
	_, _ = w.Write([]byte("READY"))
}

func (s *MetricsServer) handleRoom(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	roomView := s.roomView
	s.mu.RUnlock()

	if roomView == nil {
		http.NotFound(w, r)
		return
	}
	view := roomView()
	if view.Peers == nil {
		view.Peers = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}
