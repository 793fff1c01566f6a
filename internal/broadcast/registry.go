// =============================================================================
// 文件: internal/broadcast/registry.go
// 描述: 广播表 - 记录文本行连接，扇出上下线通知与重置命令
// =============================================================================
package broadcast

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mrcgq/arqroom/internal/logging"
	"github.com/mrcgq/arqroom/internal/metrics"
)

const (
	connectFormat    = "(ChatServer) - New client connected with address: %s"
	welcomeFormat    = "(ChatServer) - Welcome to: %s"
	disconnectNotice = "(ChatServer) - Client disconnected"
)

// ConnID 连接标识
type ConnID uint64

// LineWriter 向一个连接写入一行文本，实现须并发安全
type LineWriter interface {
	WriteLine(line string) error
	Close() error
}

// Resetter 收到重置命令时调用 (由 room.Room 实现)
type Resetter interface {
	Reset()
}

// Option 选项
type Option func(*Registry)

// WithLogger 设置日志
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics 设置指标
func WithMetrics(rm *metrics.RoomMetrics) Option {
	return func(r *Registry) {
		r.metrics = rm
	}
}

// Registry 广播表
type Registry struct {
	resetToken string
	resetter   Resetter
	logger     zerolog.Logger
	metrics    *metrics.RoomMetrics

	nextID uint64

	mu    sync.RWMutex
	conns map[ConnID]LineWriter
}

// NewRegistry 创建广播表；resetter 可以为 nil
func NewRegistry(resetToken string, resetter Resetter, opts ...Option) *Registry {
	r := &Registry{
		resetToken: resetToken,
		resetter:   resetter,
		logger:     logging.Component("broadcast"),
		conns:      make(map[ConnID]LineWriter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetResetter 设置重置目标 (构造后再连接房间)
func (r *Registry) SetResetter(resetter Resetter) {
	r.mu.Lock()
	r.resetter = resetter
	r.mu.Unlock()
}

// NextID 分配连接标识
func (r *Registry) NextID() ConnID {
	return ConnID(atomic.AddUint64(&r.nextID, 1))
}

// OnConnect 注册连接：通知其他连接，再向新连接发送欢迎语
func (r *Registry) OnConnect(id ConnID, remote, local string, w LineWriter) {
	r.fanout(fmt.Sprintf(connectFormat, remote), id)

	r.mu.Lock()
	r.conns[id] = w
	count := len(r.conns)
	r.mu.Unlock()

	r.logger.Info().Uint64("conn", uint64(id)).Str("remote", remote).Int("conns", count).Msg("客户端已连接")

	if err := w.WriteLine(fmt.Sprintf(welcomeFormat, local)); err != nil {
		r.drop(id, w, err)
	}
}

// OnDisconnect 注销连接并通知其他连接
func (r *Registry) OnDisconnect(id ConnID) {
	r.mu.Lock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	count := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Info().Uint64("conn", uint64(id)).Int("conns", count).Msg("客户端已断开")
	r.fanout(disconnectNotice, id)
}

// OnLine 处理一行文本
func (r *Registry) OnLine(id ConnID, text string) {
	line := strings.TrimRight(text, "\r\n")
	r.metrics.BroadcastLine()

	if strings.TrimSpace(line) == r.resetToken {
		r.mu.RLock()
		resetter := r.resetter
		r.mu.RUnlock()

		r.logger.Info().Uint64("conn", uint64(id)).Msg("收到重置命令")
		if resetter != nil {
			resetter.Reset()
		}
		r.fanout(r.resetToken, 0)
		return
	}

	r.fanout(line, id)
}

// OnRoomReset UDP 对端重置房间时通知所有文本连接
func (r *Registry) OnRoomReset(source string) {
	r.logger.Debug().Str("source", source).Msg("转发重置命令")
	r.fanout(r.resetToken, 0)
}

// Count 连接数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close 关闭所有连接
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[ConnID]LineWriter)
	r.mu.Unlock()

	for _, w := range conns {
		_ = w.Close()
	}
}

// fanout 写给除 skip 以外的所有连接，写失败的连接被移除
func (r *Registry) fanout(line string, skip ConnID) {
	type target struct {
		id ConnID
		w  LineWriter
	}

	r.mu.RLock()
	targets := make([]target, 0, len(r.conns))
	for id, w := range r.conns {
		if id != skip {
			targets = append(targets, target{id, w})
		}
	}
	r.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, t := range targets {
		if err := t.w.WriteLine(line); err != nil {
			r.drop(t.id, t.w, err)
		}
	}
}

func (r *Registry) drop(id ConnID, w LineWriter, err error) {
	r.mu.Lock()
	current, ok := r.conns[id]
	if ok && current == w {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	_ = w.Close()
	r.logger.Debug().Uint64("conn", uint64(id)).Err(err).Msg("写入失败，移除连接")
}
