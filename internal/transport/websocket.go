// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 传输层 - 升级 HTTP 连接后交给处理器
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mrcgq/arqroom/internal/logging"
)

// WebSocketHandler WebSocket 连接处理接口
// HandleWebSocket 返回后连接会被关闭
type WebSocketHandler interface {
	HandleWebSocket(ctx context.Context, conn *websocket.Conn, remote string)
}

// WebSocketServer WebSocket 服务器
type WebSocketServer struct {
	addr    string
	path    string
	handler WebSocketHandler
	logger  zerolog.Logger

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	conns      sync.Map // *websocket.Conn -> struct{}
	stopCh     chan struct{}
	stopped    sync.Once
	wg         sync.WaitGroup

	ctx context.Context

	// 统计
	activeConns int64
}

// NewWebSocketServer 创建 WebSocket 服务器
func NewWebSocketServer(addr, path string, handler WebSocketHandler) *WebSocketServer {
	if path == "" {
		path = "/ws"
	}
	return &WebSocketServer{
		addr:    addr,
		path:    path,
		handler: handler,
		logger:  logging.Component("websocket"),
		stopCh:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源
			},
		},
	}
}

// Start 启动服务器
func (s *WebSocketServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}
	s.listener = listener
	s.ctx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP 服务器错误")
		}
	}()

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Str("path", s.path).
		Msg("WebSocket 服务器已启动")
	return nil
}

// Addr 实际监听地址
func (s *WebSocketServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleWebSocket 处理 WebSocket 连接
func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.stopCh:
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket 升级失败")
		return
	}

	atomic.AddInt64(&s.activeConns, 1)
	s.conns.Store(conn, struct{}{})
	defer func() {
		s.conns.Delete(conn)
		conn.Close()
		atomic.AddInt64(&s.activeConns, -1)
	}()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket 连接")
	s.handler.HandleWebSocket(s.ctx, conn, r.RemoteAddr)
}

// Stop 停止服务器
func (s *WebSocketServer) Stop() {
	s.stopped.Do(func() {
		close(s.stopCh)

		s.conns.Range(func(key, _ interface{}) bool {
			conn := key.(*websocket.Conn)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			return true
		})

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.httpServer.Shutdown(ctx)
		}

		s.wg.Wait()
		s.logger.Info().Msg("WebSocket 服务器已停止")
	})
}

// GetActiveConns 获取活跃连接数
func (s *WebSocketServer) GetActiveConns() int64 {
	return atomic.LoadInt64(&s.activeConns)
}
