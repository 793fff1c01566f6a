// =============================================================================
// 文件: internal/transport/stream.go
// 描述: ARQ 段经 TCP 承载 - 长度前缀分帧，UDP 不可达时的备用链路
//       服务端作为 TCPConnectionHandler 接入，客户端用 Dial 建立
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/arqroom/internal/logging"
	"github.com/mrcgq/arqroom/internal/metrics"
)

const streamDialTimeout = 10 * time.Second

var errStreamNotConnected = errors.New("流连接不存在")

// StreamAddr 流连接的对端地址
// String 带 tcp:// 前缀，与同 ip:port 的 UDP 会话区分
type StreamAddr struct {
	net.Addr
}

func (a StreamAddr) Network() string { return "arq+tcp" }
func (a StreamAddr) String() string  { return "tcp://" + a.Addr.String() }

type streamConn struct {
	conn net.Conn
	mu   sync.Mutex
}

// StreamLink 把多条 TCP 连接包装成数据报链路
// 入站帧交给 DatagramHandler，出站实现 OutboundSink
type StreamLink struct {
	handler DatagramHandler
	logger  zerolog.Logger
	metrics *metrics.RoomMetrics

	mu    sync.RWMutex
	conns map[string]*streamConn

	wg     sync.WaitGroup
	closed int32
}

const linkTCP = "tcp"

// NewStreamLink 创建流链路，handler 可稍后用 SetHandler 设置
func NewStreamLink(handler DatagramHandler) *StreamLink {
	return &StreamLink{
		handler: handler,
		logger:  logging.Component("arq-stream"),
		conns:   make(map[string]*streamConn),
	}
}

// SetHandler 设置入站处理器 (多路复用器与链路互相引用时使用)
func (l *StreamLink) SetHandler(handler DatagramHandler) {
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()
}

// SetMetrics 设置指标
func (l *StreamLink) SetMetrics(m *metrics.RoomMetrics) {
	l.metrics = m
}

// =============================================================================
// 连接接入
// =============================================================================

// HandleConnection 实现 TCPConnectionHandler，返回后连接由 TCPServer 关闭
func (l *StreamLink) HandleConnection(ctx context.Context, conn net.Conn) {
	addr := l.register(conn)
	defer l.unregister(addr)

	l.readLoop(ctx, conn, addr)
}

// Dial 主动连接服务端，返回用于 Multiplexer.Open 的地址
func (l *StreamLink) Dial(ctx context.Context, address string) (net.Addr, error) {
	if atomic.LoadInt32(&l.closed) == 1 {
		return nil, ErrSessionClosed
	}

	d := net.Dialer{Timeout: streamDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", address, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	addr := l.register(conn)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			l.unregister(addr)
			_ = conn.Close()
		}()
		l.readLoop(ctx, conn, addr)
	}()
	return addr, nil
}

func (l *StreamLink) register(conn net.Conn) StreamAddr {
	addr := StreamAddr{conn.RemoteAddr()}

	l.mu.Lock()
	l.conns[addr.String()] = &streamConn{conn: conn}
	l.mu.Unlock()

	l.logger.Debug().Str("peer", addr.String()).Msg("流连接已接入")
	return addr
}

func (l *StreamLink) unregister(addr StreamAddr) {
	l.mu.Lock()
	delete(l.conns, addr.String())
	l.mu.Unlock()

	l.logger.Debug().Str("peer", addr.String()).Msg("流连接已断开")
}

func (l *StreamLink) readLoop(ctx context.Context, conn net.Conn, addr StreamAddr) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	reader := NewSegmentReader(conn, ReadTimeout)
	for {
		data, err := reader.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrMalformedSegment) {
				l.metrics.DatagramDropped("malformed_frame")
				l.logger.Warn().Str("peer", addr.String()).Err(err).Msg("分帧错误，断开连接")
			}
			return
		}
		l.metrics.LinkReceived(linkTCP, len(data))

		l.mu.RLock()
		handler := l.handler
		l.mu.RUnlock()
		if handler != nil {
			handler.HandleDatagram(addr, data)
		}
	}
}

// =============================================================================
// 出站
// =============================================================================

// WriteTo 把一个段写到对应连接
func (l *StreamLink) WriteTo(p []byte, addr net.Addr) (int, error) {
	l.mu.RLock()
	sc, ok := l.conns[addr.String()]
	l.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", errStreamNotConnected, addr)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	_ = sc.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := WriteFrame(sc.conn, p); err != nil {
		return 0, err
	}
	l.metrics.LinkSent(linkTCP, len(p))
	return len(p), nil
}

// Count 当前连接数
func (l *StreamLink) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conns)
}

// Close 关闭全部连接并等待 Dial 建立的读循环退出
func (l *StreamLink) Close() {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return
	}

	l.mu.RLock()
	for _, sc := range l.conns {
		_ = sc.conn.Close()
	}
	l.mu.RUnlock()

	l.wg.Wait()
}

// =============================================================================
// 出站路由
// =============================================================================

// RouteSink 按地址类型分发出站段: StreamAddr 走流链路，其余走数据报 socket
type RouteSink struct {
	Datagram OutboundSink
	Stream   *StreamLink
}

// WriteTo 实现 OutboundSink
func (r RouteSink) WriteTo(p []byte, addr net.Addr) (int, error) {
	if _, ok := addr.(StreamAddr); ok {
		if r.Stream == nil {
			return 0, fmt.Errorf("%w: %s", errStreamNotConnected, addr)
		}
		return r.Stream.WriteTo(p, addr)
	}
	if r.Datagram == nil {
		return 0, errors.New("数据报出口未配置")
	}
	return r.Datagram.WriteTo(p, addr)
}
