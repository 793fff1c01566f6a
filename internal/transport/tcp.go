// =============================================================================
// 文件: internal/transport/tcp.go
// 描述: TCP 传输层 - 通用接受循环，连接交给处理器
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/arqroom/internal/logging"
)

const (
	// 读写超时
	ReadTimeout  = 5 * time.Minute
	WriteTimeout = 30 * time.Second
)

// TCPConnectionHandler TCP 连接处理接口
// HandleConnection 返回后连接会被关闭
type TCPConnectionHandler interface {
	HandleConnection(ctx context.Context, conn net.Conn)
}

// TCPServer TCP 服务器
type TCPServer struct {
	addr     string
	listener net.Listener
	handler  TCPConnectionHandler
	logger   zerolog.Logger

	// 连接管理
	conns   sync.Map // net.Conn -> struct{}
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewTCPServer 创建 TCP 服务器
func NewTCPServer(addr string, handler TCPConnectionHandler) *TCPServer {
	return &TCPServer{
		addr:    addr,
		handler: handler,
		logger:  logging.Component("tcp"),
		stopCh:  make(chan struct{}),
	}
}

// Start 启动服务器
func (s *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("TCP 服务器已启动")
	return nil
}

// Addr 实际监听地址
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop 接受连接循环
func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		// 设置 accept 超时
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			_ = tcpListener.SetDeadline(time.Now().Add(time.Second))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug().Err(err).Msg("Accept 错误")
				continue
			}
		}

		// 配置连接
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(30 * time.Second)
		}

		s.conns.Store(conn, struct{}{})

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() {
				s.conns.Delete(c)
				_ = c.Close()
			}()
			s.handler.HandleConnection(ctx, c)
		}(conn)
	}
}

// Stop 停止服务器并关闭所有连接
func (s *TCPServer) Stop() {
	s.stopped.Do(func() {
		close(s.stopCh)

		if s.listener != nil {
			_ = s.listener.Close()
		}

		s.conns.Range(func(key, _ interface{}) bool {
			if conn, ok := key.(net.Conn); ok {
				_ = conn.Close()
			}
			return true
		})

		s.wg.Wait()
		s.logger.Info().Msg("TCP 服务器已停止")
	})
}
