// =============================================================================
// 文件: internal/broadcast/tcp.go
// 描述: TCP 文本行连接 - 换行分隔的 UTF-8 行
// =============================================================================
package broadcast

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/mrcgq/arqroom/internal/transport"
)

// 单行上限
const maxLineSize = 64 * 1024

// TCPHandler 实现 transport.TCPConnectionHandler
type TCPHandler struct {
	registry *Registry
}

// NewTCPHandler 创建 TCP 行处理器
func NewTCPHandler(registry *Registry) *TCPHandler {
	return &TCPHandler{registry: registry}
}

// HandleConnection 读取行直到连接关闭
func (h *TCPHandler) HandleConnection(ctx context.Context, conn net.Conn) {
	id := h.registry.NextID()
	w := &tcpLineWriter{conn: conn}

	h.registry.metrics.BroadcastConnected("tcp")
	defer h.registry.metrics.BroadcastDisconnected("tcp")

	h.registry.OnConnect(id, conn.RemoteAddr().String(), conn.LocalAddr().String(), w)
	defer h.registry.OnDisconnect(id)

	// ctx 结束时关闭连接以打断读取
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(transport.ReadTimeout))
		if !scanner.Scan() {
			break
		}
		h.registry.OnLine(id, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		h.registry.logger.Debug().Uint64("conn", uint64(id)).Err(err).Msg("读取结束")
	}
}

// tcpLineWriter 串行化对同一连接的写入
type tcpLineWriter struct {
	conn net.Conn
	mu   sync.Mutex
}

func (w *tcpLineWriter) WriteLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(transport.WriteTimeout))
	_, err := w.conn.Write([]byte(line + "\n"))
	return err
}

func (w *tcpLineWriter) Close() error {
	return w.conn.Close()
}
