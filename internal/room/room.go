// =============================================================================
// 文件: internal/room/room.go
// 描述: 房间协调器 - 倒计时广播、JOIN 处理、重置命令
// =============================================================================
package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/arqroom/internal/config"
	"github.com/mrcgq/arqroom/internal/logging"
	"github.com/mrcgq/arqroom/internal/metrics"
	"github.com/mrcgq/arqroom/internal/transport"
)

// 消息文本
const (
	countdownPrefix = "Current Room's countdown: "
	joinFormat      = "A new udp client [%s] has joined in!"
	leaveFormat     = "udp client [%s] disconnected"
)

// 重置来源
const (
	SourceUDP    = "udp"
	SourceStream = "stream"
)

// Sender 会话发送接口 (由 transport.Multiplexer 实现)
type Sender interface {
	Submit(id transport.SessionID, msg []byte) error
	Establish(id transport.SessionID) error
}

// ResetListener 房间被 UDP 对端重置时的通知
type ResetListener interface {
	OnRoomReset(source string)
}

// Option 房间选项
type Option func(*Room)

// WithLogger 设置日志
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Room) {
		r.logger = logger
	}
}

// WithMetrics 设置指标
func WithMetrics(rm *metrics.RoomMetrics) Option {
	return func(r *Room) {
		r.metrics = rm
	}
}

// WithResetListener 设置重置通知
func WithResetListener(l ResetListener) Option {
	return func(r *Room) {
		r.listener = l
	}
}

// Room 房间
type Room struct {
	initial            int64
	interval           time.Duration
	joinToken          string
	resetToken         string
	relayExcludeSender bool
	announceLeave      bool

	sender   Sender
	listener ResetListener
	logger   zerolog.Logger
	metrics  *metrics.RoomMetrics

	// sendMu 覆盖"改状态 + 提交"整个过程，保证各对端看到的消息顺序与状态变化顺序一致
	// 加锁顺序: sendMu 在 mu 之前
	sendMu sync.Mutex

	mu        sync.Mutex
	countdown int64
	lastTick  time.Time
	peers     map[transport.SessionID]struct{}
}

// NewRoom 创建房间
func NewRoom(cfg *config.RoomConfig, sender Sender, opts ...Option) *Room {
	interval := time.Duration(cfg.CountdownIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}

	r := &Room{
		initial:            cfg.InitialCountdown,
		interval:           interval,
		joinToken:          cfg.JoinToken,
		resetToken:         cfg.ResetToken,
		relayExcludeSender: cfg.RelayExcludeSender,
		announceLeave:      cfg.AnnounceLeave,
		sender:             sender,
		logger:             logging.Component("room"),
		countdown:          cfg.InitialCountdown,
		lastTick:           time.Now(),
		peers:              make(map[transport.SessionID]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.metrics.SetCountdown(r.countdown)
	return r
}

// SetResetListener 设置重置通知 (用于构造后再连接广播表)
func (r *Room) SetResetListener(l ResetListener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// =============================================================================
// 会话事件
// =============================================================================

// OnSessionMessage 处理一条完整消息
func (r *Room) OnSessionMessage(id transport.SessionID, msg []byte) {
	text := strings.TrimRight(string(msg), "\r\n")

	r.sendMu.Lock()
	listener, wasReset := r.dispatch(id, text, msg)
	r.sendMu.Unlock()

	if wasReset {
		r.notifyReset(listener, SourceUDP)
	}
}

// dispatch 调用方持有 sendMu
func (r *Room) dispatch(id transport.SessionID, text string, msg []byte) (ResetListener, bool) {
	r.mu.Lock()
	_, joined := r.peers[id]

	switch {
	case text == r.joinToken:
		r.mu.Unlock()
		if joined {
			// 重复 JOIN 只回给本人
			r.submit(id, []byte(fmt.Sprintf(joinFormat, id)))
			return nil, false
		}
		r.join(id)

	case !joined:
		r.mu.Unlock()
		r.logger.Debug().
			Str("session", string(id)).
			Err(transport.ErrUnknownSession).
			Msg("未加入的会话，丢弃消息")

	case text == r.resetToken:
		r.mu.Unlock()
		return r.reset(SourceUDP), true

	default:
		targets := r.snapshotLocked(id)
		r.mu.Unlock()
		r.broadcast(targets, msg)
	}
	return nil, false
}

// join 标记会话已建立并广播加入通知，调用方持有 sendMu
func (r *Room) join(id transport.SessionID) {
	if err := r.sender.Establish(id); err != nil {
		r.logger.Debug().Err(err).Str("session", string(id)).Msg("JOIN 时会话已不可用")
		return
	}

	r.mu.Lock()
	r.peers[id] = struct{}{}
	count := len(r.peers)
	targets := r.snapshotLocked("")
	r.mu.Unlock()

	r.metrics.PeerJoined()
	r.metrics.SetJoinedPeers(count)
	r.logger.Info().Str("session", string(id)).Int("peers", count).Msg("对端加入房间")

	r.broadcast(targets, []byte(fmt.Sprintf(joinFormat, id)))
}

// OnSessionClosed 会话拆除
func (r *Room) OnSessionClosed(id transport.SessionID, reason error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	if _, ok := r.peers[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.peers, id)
	count := len(r.peers)
	targets := r.snapshotLocked("")
	r.mu.Unlock()

	r.metrics.SetJoinedPeers(count)
	r.logger.Info().
		Str("session", string(id)).
		Int("peers", count).
		AnErr("reason", reason).
		Msg("对端离开房间")

	if r.announceLeave {
		r.broadcast(targets, []byte(fmt.Sprintf(leaveFormat, id)))
	}
}

// =============================================================================
// 倒计时
// =============================================================================

// Tick 倒计时减一并广播
func (r *Room) Tick() int64 {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	r.countdown--
	r.lastTick = time.Now()
	value := r.countdown
	targets := r.snapshotLocked("")
	r.mu.Unlock()

	r.metrics.SetCountdown(value)
	r.broadcast(targets, FormatCountdown(value))
	return value
}

// Run 按固定间隔驱动 Tick，直到 ctx 取消
func (r *Room) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Reset 广播表收到重置命令
func (r *Room) Reset() {
	r.sendMu.Lock()
	listener := r.reset(SourceStream)
	r.sendMu.Unlock()
	r.notifyReset(listener, SourceStream)
}

// reset 调用方持有 sendMu，返回需要通知的监听者
func (r *Room) reset(source string) ResetListener {
	r.mu.Lock()
	r.countdown = r.initial
	targets := r.snapshotLocked("")
	listener := r.listener
	r.mu.Unlock()

	r.metrics.SetCountdown(r.initial)
	r.metrics.RoomReset(source)
	r.logger.Info().Str("source", source).Int64("countdown", r.initial).Msg("房间倒计时已重置")

	// 对端按 FIFO 在后续倒计时之前看到重置令牌
	r.broadcast(targets, []byte(r.resetToken))
	return listener
}

// notifyReset 在 sendMu 之外通知广播表，只转发 UDP 带内重置
func (r *Room) notifyReset(listener ResetListener, source string) {
	if source == SourceUDP && listener != nil {
		listener.OnRoomReset(source)
	}
}

// =============================================================================
// 查询
// =============================================================================

// Countdown 当前倒计时
func (r *Room) Countdown() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countdown
}

// CheckTicking 距上次 Tick 超过 maxMissed 个间隔时返回错误
func (r *Room) CheckTicking(maxMissed int) error {
	r.mu.Lock()
	since := time.Since(r.lastTick)
	r.mu.Unlock()

	if limit := time.Duration(maxMissed) * r.interval; since > limit {
		return fmt.Errorf("倒计时已停滞 %s (上限 %s)", since.Truncate(time.Millisecond), limit)
	}
	return nil
}

// JoinedPeers 已加入的会话 (有序)
func (r *Room) JoinedPeers() []transport.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked("")
}

// IsJoined 会话是否已加入
func (r *Room) IsJoined(id transport.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[id]
	return ok
}

// =============================================================================
// 内部
// =============================================================================

// snapshotLocked 广播目标快照；exclude 非空且配置了排除发送者时跳过该会话
func (r *Room) snapshotLocked(exclude transport.SessionID) []transport.SessionID {
	ids := make([]transport.SessionID, 0, len(r.peers))
	for id := range r.peers {
		if exclude != "" && r.relayExcludeSender && id == exclude {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Room) broadcast(targets []transport.SessionID, msg []byte) {
	for _, id := range targets {
		r.submit(id, msg)
	}
}

func (r *Room) submit(id transport.SessionID, msg []byte) {
	if err := r.sender.Submit(id, msg); err != nil {
		// 会话正在拆除时 OnSessionClosed 会随后到达
		if errors.Is(err, transport.ErrSessionClosed) || errors.Is(err, transport.ErrUnknownSession) {
			r.logger.Debug().Err(err).Str("session", string(id)).Msg("发送跳过")
			return
		}
		r.logger.Warn().Err(err).Str("session", string(id)).Msg("发送失败")
	}
}

// FormatCountdown 倒计时消息
func FormatCountdown(v int64) []byte {
	return []byte(countdownPrefix + strconv.FormatInt(v, 10))
}

// ParseCountdown 解析倒计时消息
func ParseCountdown(msg []byte) (int64, bool) {
	s := string(msg)
	if !strings.HasPrefix(s, countdownPrefix) {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s[len(countdownPrefix):]), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
