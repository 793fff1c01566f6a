// =============================================================================
// 文件: internal/transport/arq_manager.go
// 描述: ARQ 可靠传输 - 会话多路复用器
//       按对端地址路由数据报，共享一个定时器驱动全部会话
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
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/arqroom/internal/logging"
	"github.com/mrcgq/arqroom/internal/metrics"
)

// SessionID 会话标识 (对端地址字符串)
type SessionID string

// OutboundSink 出站数据报的去处，*net.UDPConn 即满足
type OutboundSink interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// SessionHandler 会话事件接收者
// 回调时多路复用器不持有任何锁，可以在回调中调用 Submit/Establish
type SessionHandler interface {
	// OnSessionMessage 收到一条完整的有序消息
	OnSessionMessage(id SessionID, msg []byte)

	// OnSessionClosed 会话被拆除
	OnSessionClosed(id SessionID, reason error)
}

// managedSession 表中的一项
type managedSession struct {
	id   SessionID
	addr net.Addr
	sess *ARQSession
}

// MultiplexerOption 选项
type MultiplexerOption func(*Multiplexer)

// WithClock 替换引擎时钟 (毫秒)
func WithClock(clock func() uint32) MultiplexerOption {
	return func(m *Multiplexer) {
		m.clock = clock
	}
}

// WithLogger 设置日志
func WithLogger(logger zerolog.Logger) MultiplexerOption {
	return func(m *Multiplexer) {
		m.logger = logger
	}
}

// WithMetrics 设置指标
func WithMetrics(rm *metrics.RoomMetrics) MultiplexerOption {
	return func(m *Multiplexer) {
		m.metrics = rm
	}
}

// Multiplexer 会话多路复用器，是会话表的唯一修改者
type Multiplexer struct {
	config  *ARQConfig
	sink    OutboundSink
	handler SessionHandler
	logger  zerolog.Logger
	metrics *metrics.RoomMetrics

	epoch time.Time
	clock func() uint32

	sessions   map[SessionID]*managedSession
	tombstones *tombstoneFilter

	// 统计
	totalSessions uint64
	malformed     uint64
	unknown       uint64
	rejected      uint64

	closed int32
	mu     sync.RWMutex
}

// NewMultiplexer 创建多路复用器
func NewMultiplexer(config *ARQConfig, sink OutboundSink, handler SessionHandler, opts ...MultiplexerOption) *Multiplexer {
	if config == nil {
		config = DefaultARQConfig()
	}

	m := &Multiplexer{
		config:   config,
		sink:     sink,
		handler:  handler,
		logger:   logging.Component("arq"),
		epoch:    time.Now(),
		sessions: make(map[SessionID]*managedSession),
	}
	m.clock = m.elapsedMs

	for _, opt := range opts {
		opt(m)
	}

	m.tombstones = newTombstoneFilter(config.TombstoneTTL, m.clock())
	return m
}

// SetHandler 设置消息回调，须在开始收包之前调用
func (m *Multiplexer) SetHandler(handler SessionHandler) {
	m.handler = handler
}

func (m *Multiplexer) elapsedMs() uint32 {
	return uint32(time.Since(m.epoch) / time.Millisecond)
}

// Now 引擎相对时钟
func (m *Multiplexer) Now() uint32 {
	return m.clock()
}

// =============================================================================
// 入站
// =============================================================================

// HandleDatagram 处理一个入站数据报；任何错误都只导致丢弃
func (m *Multiplexer) HandleDatagram(from net.Addr, data []byte) {
	if atomic.LoadInt32(&m.closed) == 1 {
		return
	}

	seg, err := DecodeSegment(data)
	if err != nil {
		atomic.AddUint64(&m.malformed, 1)
		m.metrics.DatagramDropped("malformed")
		m.logger.Debug().Str("peer", from.String()).Err(err).Msg("丢弃畸形段")
		return
	}
	m.metrics.SegmentReceived(seg.Cmd.String())

	now := m.clock()
	ms, err := m.lookupOrCreate(from, seg, now)
	if err != nil {
		switch {
		case errors.Is(err, ErrTooManySessions):
			atomic.AddUint64(&m.rejected, 1)
			m.metrics.DatagramDropped("too_many_sessions")
		default:
			atomic.AddUint64(&m.unknown, 1)
			m.metrics.DatagramDropped("unknown_session")
		}
		m.logger.Debug().Str("peer", from.String()).Str("cmd", seg.Cmd.String()).Err(err).Msg("丢弃数据报")
		return
	}

	if err := ms.sess.Ingest(seg, now); err != nil {
		if errors.Is(err, ErrMalformedSegment) {
			atomic.AddUint64(&m.malformed, 1)
			m.metrics.DatagramDropped("malformed")
		}
		m.logger.Debug().Str("peer", string(ms.id)).Err(err).Msg("段处理失败")
		return
	}

	if m.handler == nil {
		return
	}
	for {
		msg := ms.sess.Poll()
		if msg == nil {
			break
		}
		m.handler.OnSessionMessage(ms.id, msg)
	}
}

// lookupOrCreate 查找会话；未知地址只有 PUSH 能建立会话
func (m *Multiplexer) lookupOrCreate(from net.Addr, seg *Segment, now uint32) (*managedSession, error) {
	id := SessionID(from.String())

	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return ms, nil
	}

	if seg.Cmd != CmdPush {
		return nil, fmt.Errorf("%w: %s 来自 %s", ErrUnknownSession, seg.Cmd, id)
	}
	if m.config.Conv != 0 && seg.Conv != m.config.Conv {
		return nil, fmt.Errorf("%w: 会话号 %#x", ErrUnknownSession, seg.Conv)
	}
	if seg.Sn != 0 && m.tombstones.contains(id, now) {
		return nil, fmt.Errorf("%w: %s 刚被拆除", ErrUnknownSession, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ms, ok := m.sessions[id]; ok {
		return ms, nil
	}
	if limit := m.config.MaxSessions; limit > 0 && len(m.sessions) >= limit {
		return nil, ErrTooManySessions
	}

	ms = &managedSession{
		id:   id,
		addr: from,
		sess: NewARQSession(seg.Conv, m.config),
	}
	m.sessions[id] = ms

	atomic.AddUint64(&m.totalSessions, 1)
	m.metrics.SessionOpened()
	m.metrics.SetActiveSessions(len(m.sessions))
	m.logger.Debug().Str("peer", string(id)).Msg("新会话 (HANDSHAKING)")
	return ms, nil
}

// Open 主动建立到 addr 的会话 (客户端)，会话直接进入 ESTABLISHED
func (m *Multiplexer) Open(addr net.Addr) (SessionID, error) {
	id := SessionID(addr.String())

	m.mu.Lock()
	defer m.mu.Unlock()

	if atomic.LoadInt32(&m.closed) == 1 {
		return "", ErrSessionClosed
	}
	if _, ok := m.sessions[id]; ok {
		return id, nil
	}

	conv := m.config.Conv
	if conv == 0 {
		conv = DefaultConv
	}
	sess := NewARQSession(conv, m.config)
	sess.Establish()
	m.sessions[id] = &managedSession{id: id, addr: addr, sess: sess}

	atomic.AddUint64(&m.totalSessions, 1)
	m.metrics.SessionOpened()
	m.metrics.SetActiveSessions(len(m.sessions))
	return id, nil
}

// =============================================================================
// 应用侧
// =============================================================================

func (m *Multiplexer) get(id SessionID) (*managedSession, error) {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return ms, nil
}

// Submit 向会话提交一条消息
func (m *Multiplexer) Submit(id SessionID, msg []byte) error {
	ms, err := m.get(id)
	if err != nil {
		return err
	}
	return ms.sess.Submit(msg)
}

// Establish 应用层确认对端 (加入房间)
func (m *Multiplexer) Establish(id SessionID) error {
	ms, err := m.get(id)
	if err != nil {
		return err
	}
	if ms.sess.Establish() {
		m.logger.Info().Str("peer", string(id)).Msg("会话已建立")
	}
	// 已进入拆除流程的会话不能再被确认，OnSessionClosed 随后到达
	if st := ms.sess.State(); st >= StateTerminating {
		return fmt.Errorf("%w: %s %s", ErrSessionClosed, id, st)
	}
	return nil
}

// Terminate 主动终止会话，下一次 Tick 发出 TERMINATE 并拆除
func (m *Multiplexer) Terminate(id SessionID) error {
	ms, err := m.get(id)
	if err != nil {
		return err
	}
	ms.sess.Terminate()
	return nil
}

// State 会话状态
func (m *Multiplexer) State(id SessionID) (SessionState, bool) {
	ms, err := m.get(id)
	if err != nil {
		return StateClosed, false
	}
	return ms.sess.State(), true
}

// SessionStats 会话统计
func (m *Multiplexer) SessionStats(id SessionID) (SessionStats, bool) {
	ms, err := m.get(id)
	if err != nil {
		return SessionStats{}, false
	}
	return ms.sess.Stats(), true
}

// Sessions 当前所有会话
func (m *Multiplexer) Sessions() []SessionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count 会话数
func (m *Multiplexer) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// =============================================================================
// 共享定时器
// =============================================================================

// Run 以固定间隔驱动全部会话，直到 ctx 结束
func (m *Multiplexer) Run(ctx context.Context) error {
	interval := m.config.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Msg("会话定时器已启动")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if atomic.LoadInt32(&m.closed) == 1 {
				return nil
			}
			m.TickAll(m.clock())
		}
	}
}

// TickAll 并行推进所有会话，发出各自的数据报，拆除进入 TERMINATING 的会话
func (m *Multiplexer) TickAll(now uint32) {
	snapshot := m.snapshot()

	m.tombstones.rotate(now)
	if len(snapshot) == 0 {
		return
	}

	var (
		g      errgroup.Group
		deadMu sync.Mutex
		dead   []*managedSession
	)
	workers := m.config.TickWorkers
	if workers <= 0 {
		workers = DefaultTickWorkers
	}
	g.SetLimit(workers)

	for _, ms := range snapshot {
		ms := ms
		g.Go(func() error {
			m.flush(ms, ms.sess.Tick(now))
			m.report(ms.sess.takeReport())

			if ms.sess.State() == StateTerminating {
				deadMu.Lock()
				dead = append(dead, ms)
				deadMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, ms := range dead {
		m.teardown(ms)
	}
}

// flush 把数据报写到出站
func (m *Multiplexer) flush(ms *managedSession, datagrams [][]byte) {
	if m.sink == nil {
		return
	}
	for _, p := range datagrams {
		if _, err := m.sink.WriteTo(p, ms.addr); err != nil {
			m.logger.Debug().Str("peer", string(ms.id)).Err(err).Msg("发送失败")
			continue
		}
		if m.metrics != nil && len(p) > 4 {
			m.metrics.SegmentSent(Command(p[4]).String())
		}
	}
}

func (m *Multiplexer) report(r tickReport) {
	if m.metrics == nil {
		return
	}
	if r.retransmits > 0 {
		m.metrics.Retransmitted("timeout", r.retransmits)
	}
	if r.fastRetransmits > 0 {
		m.metrics.Retransmitted("fast", r.fastRetransmits)
	}
	for _, rtt := range r.rttSamples {
		m.metrics.ObserveRTT(rtt)
	}
}

// teardown 从表中移除并丢弃缓冲数据
func (m *Multiplexer) teardown(ms *managedSession) {
	m.mu.Lock()
	current, ok := m.sessions[ms.id]
	if ok && current == ms {
		delete(m.sessions, ms.id)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if !ok || current != ms {
		return
	}

	reason := ms.sess.Reason()
	ms.sess.Close()
	m.tombstones.add(ms.id, m.clock())

	m.metrics.SessionClosed(closeReasonLabel(reason))
	m.metrics.SetActiveSessions(active)
	m.logger.Info().Str("peer", string(ms.id)).Err(reason).Msg("会话已拆除")

	if m.handler != nil {
		m.handler.OnSessionClosed(ms.id, reason)
	}
}

func closeReasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrRetransmitExhausted):
		return "retransmit_exhausted"
	case errors.Is(err, ErrSessionIdle):
		return "idle"
	case errors.Is(err, ErrPeerTerminated):
		return "peer_terminated"
	case errors.Is(err, ErrSessionClosed):
		return "local"
	}
	return "other"
}

// =============================================================================
// 关闭与统计
// =============================================================================

// Close 终止全部会话，尽力发出 TERMINATE 后释放
func (m *Multiplexer) Close() {
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return
	}

	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[SessionID]*managedSession)
	m.mu.Unlock()

	now := m.clock()
	for _, ms := range all {
		ms.sess.Terminate()
		m.flush(ms, ms.sess.Tick(now))
		ms.sess.Close()
	}
	m.metrics.SetActiveSessions(0)
	m.logger.Info().Int("sessions", len(all)).Msg("多路复用器已关闭")
}

// GetStats 获取统计
func (m *Multiplexer) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})
	stats["total_sessions"] = atomic.LoadUint64(&m.totalSessions)
	stats["malformed_dropped"] = atomic.LoadUint64(&m.malformed)
	stats["unknown_dropped"] = atomic.LoadUint64(&m.unknown)
	stats["rejected"] = atomic.LoadUint64(&m.rejected)

	snapshot := m.snapshot()

	sessions := make([]map[string]interface{}, 0, len(snapshot))
	for _, ms := range snapshot {
		s := ms.sess.Stats()
		sessions = append(sessions, map[string]interface{}{
			"peer":        string(ms.id),
			"state":       s.State,
			"in_flight":   s.InFlight,
			"retransmits": s.Retransmits,
			"max_xmit":    s.MaxXmit,
			"rtt_ms":      s.SRTT.Milliseconds(),
		})
	}
	stats["active_sessions"] = len(snapshot)
	stats["sessions"] = sessions
	return stats
}

// =============================================================================
// 指标快照 (metrics.SessionStatsProvider)
// =============================================================================

func (m *Multiplexer) snapshot() []*managedSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, ms)
	}
	return out
}

// SessionStateCounts 各状态会话数
func (m *Multiplexer) SessionStateCounts() map[string]int {
	counts := make(map[string]int)
	for _, ms := range m.snapshot() {
		counts[ms.sess.State().String()]++
	}
	return counts
}

// InFlightSegments 在途段总数
func (m *Multiplexer) InFlightSegments() int {
	total := 0
	for _, ms := range m.snapshot() {
		total += ms.sess.InFlight()
	}
	return total
}

// QueuedSegments 待发段总数
func (m *Multiplexer) QueuedSegments() int {
	total := 0
	for _, ms := range m.snapshot() {
		total += ms.sess.WaitSnd() - ms.sess.InFlight()
	}
	return total
}
