// =============================================================================
// 文件: internal/broadcast/websocket.go
// 描述: WebSocket 文本行连接 - 每个文本帧是一行
// =============================================================================
package broadcast

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrcgq/arqroom/internal/transport"
)

// WebSocketHandler 实现 transport.WebSocketHandler
type WebSocketHandler struct {
	registry *Registry
}

// NewWebSocketHandler 创建 WebSocket 行处理器
func NewWebSocketHandler(registry *Registry) *WebSocketHandler {
	return &WebSocketHandler{registry: registry}
}

// HandleWebSocket 读取文本帧直到连接关闭
func (h *WebSocketHandler) HandleWebSocket(ctx context.Context, conn *websocket.Conn, remote string) {
	id := h.registry.NextID()
	w := &wsLineWriter{conn: conn}

	h.registry.metrics.BroadcastConnected("websocket")
	defer h.registry.metrics.BroadcastDisconnected("websocket")

	conn.SetReadLimit(maxLineSize)

	h.registry.OnConnect(id, remote, conn.LocalAddr().String(), w)
	defer h.registry.OnDisconnect(id)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(transport.ReadTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.registry.logger.Debug().Uint64("conn", uint64(id)).Err(err).Msg("读取结束")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		// 一帧内含多行时逐行处理
		for _, line := range strings.Split(strings.TrimRight(string(data), "\r\n"), "\n") {
			h.registry.OnLine(id, line)
		}
	}
}

// wsLineWriter gorilla/websocket 只允许一个并发写者
type wsLineWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsLineWriter) WriteLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(transport.WriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (w *wsLineWriter) Close() error {
	return w.conn.Close()
}
