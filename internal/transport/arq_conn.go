// =============================================================================
// 文件: internal/transport/arq_conn.go
// 描述: ARQ 可靠传输 - 单个对端的会话引擎 (纯状态机，不做 I/O)
// =============================================================================
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ackItem 待发送的单段确认
type ackItem struct {
	sn uint32
	ts uint32
}

// tickReport 两次 takeReport 之间的事件，供多路复用器上报指标
type tickReport struct {
	retransmits     int
	fastRetransmits int
	rttSamples      []uint32
}

// ARQSession 单个对端的可靠会话
//
// 所有方法并发安全。时间参数 now 为引擎相对毫秒时钟，由调用方提供。
type ARQSession struct {
	cfg  *ARQConfig
	conv uint32
	mss  int

	// 状态
	state        SessionState
	reason       error
	terminateDue bool
	started      bool
	lastRecv     uint32

	// 发送侧
	sndQueue []*Segment // 已分片、尚未分配序号
	snd      sendBuffer
	nextSn   uint32
	sndUna   uint32
	sndWnd   int
	cwnd     int
	rmtWnd   int

	// 窗口探测
	probeWait uint32
	probeAt   uint32
	probeDue  bool
	winAckDue bool

	// 接收侧
	rcv       *recvBuffer
	acks      []ackItem
	ackNeeded bool

	// RTT 估算 (ms)
	srtt     int32
	rttvar   int32
	rto      uint32
	rtoMin   uint32
	rtoMax   uint32
	interval uint32

	ackedSinceTick int
	report         tickReport
	stats          SessionStats

	mu sync.Mutex
}

// NewARQSession 创建会话，初始状态 HANDSHAKING
func NewARQSession(conv uint32, cfg *ARQConfig) *ARQSession {
	if cfg == nil {
		cfg = DefaultARQConfig()
	}

	sndWnd := cfg.SendWindow
	if sndWnd <= 0 {
		sndWnd = DefaultSendWindow
	}
	rcvWnd := cfg.RecvWindow
	if rcvWnd <= 0 {
		rcvWnd = DefaultRecvWindow
	}

	s := &ARQSession{
		cfg:      cfg,
		conv:     conv,
		mss:      cfg.mss(),
		state:    StateHandshaking,
		sndWnd:   sndWnd,
		cwnd:     sndWnd,
		rmtWnd:   rcvWnd,
		rcv:      newRecvBuffer(rcvWnd),
		rto:      durationMs(cfg.RTOInit),
		rtoMin:   durationMs(cfg.RTOMin),
		rtoMax:   durationMs(cfg.RTOMax),
		interval: durationMs(cfg.Interval),
	}
	if s.rto == 0 {
		s.rto = durationMs(DefaultRTOInit)
	}
	if s.rtoMax == 0 {
		s.rtoMax = durationMs(DefaultRTOMax)
	}
	return s
}

// =============================================================================
// 应用侧接口
// =============================================================================

// Submit 把消息切成不超过 MSS 的分片放入发送队列，在下一次 Tick 时发出
func (s *ARQSession) Submit(msg []byte) error {
	if len(msg) == 0 {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state >= StateTerminating {
		return ErrSessionClosed
	}

	count := (len(msg) + s.mss - 1) / s.mss
	if limit := s.cfg.maxFragments(); count > limit {
		return fmt.Errorf("%w: 需要 %d 个分片，上限 %d", ErrMessageTooLarge, count, limit)
	}

	for i := 0; i < count; i++ {
		start := i * s.mss
		end := start + s.mss
		if end > len(msg) {
			end = len(msg)
		}
		chunk := make([]byte, end-start)
		copy(chunk, msg[start:end])
		s.sndQueue = append(s.sndQueue, &Segment{
			Conv: s.conv,
			Cmd:  CmdPush,
			Frg:  uint8(count - 1 - i),
			Data: chunk,
		})
	}
	s.stats.MessagesSent++
	return nil
}

// Poll 取出一条按序重组完成的消息，没有则返回 nil
func (s *ARQSession) Poll() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.rcv.popMessage()
	if !ok {
		return nil
	}
	s.stats.MessagesReceived++
	return msg
}

// Input 解码并处理一个数据报
func (s *ARQSession) Input(data []byte, now uint32) error {
	seg, err := DecodeSegment(data)
	if err != nil {
		return err
	}
	return s.Ingest(seg, now)
}

// Ingest 处理一个已解码的段
func (s *ARQSession) Ingest(seg *Segment, now uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if seg.Conv != s.conv {
		return fmt.Errorf("%w: 会话号不匹配 %#x != %#x", ErrMalformedSegment, seg.Conv, s.conv)
	}

	s.started = true
	s.lastRecv = now
	s.stats.SegmentsReceived++
	s.rmtWnd = int(seg.Wnd)

	s.processUna(seg.Una, now)

	switch seg.Cmd {
	case CmdAck:
		s.stats.AcksReceived++
		if e := s.snd.ackSn(seg.Sn); e != nil {
			s.onAcked(e, now, true)
			s.snd.bumpFastAck(seg.Sn)
			s.refreshUna()
		}

	case CmdPush:
		s.onPush(seg)

	case CmdWindowProbe:
		s.winAckDue = true

	case CmdWindowAck:
		// 窗口已在上面更新

	case CmdTerminate:
		if s.state < StateTerminating {
			s.state = StateTerminating
			s.reason = ErrPeerTerminated
		}
	}
	return nil
}

// processUna 累计确认: 移除所有 sn < una 的在途段，只用最新一个采样 RTT
func (s *ARQSession) processUna(una uint32, now uint32) {
	removed := s.snd.ackUna(una)
	if len(removed) == 0 {
		return
	}
	for i, e := range removed {
		s.onAcked(e, now, i == len(removed)-1)
	}
	s.refreshUna()
}

func (s *ARQSession) onAcked(e *inflightSegment, now uint32, sample bool) {
	s.ackedSinceTick++
	// 重传过的段无法确定确认对应哪一次发送，不参与 RTT 估算
	if !sample || e.xmit != 1 {
		return
	}
	rtt := timeDiff(now, e.firstTs)
	if rtt < 0 {
		return
	}
	s.updateRTT(rtt)
	s.report.rttSamples = append(s.report.rttSamples, uint32(rtt))
}

func (s *ARQSession) refreshUna() {
	if sn, ok := s.snd.firstSn(); ok {
		s.sndUna = sn
	} else {
		s.sndUna = s.nextSn
	}
}

func (s *ARQSession) onPush(seg *Segment) {
	err := s.rcv.insert(seg)
	switch {
	case err == nil:
		s.stats.BytesReceived += uint64(len(seg.Data))
	case errors.Is(err, ErrDuplicateSegment):
		s.stats.Duplicates++
	default:
		// 超出窗口直接丢弃，仍需把当前水位告诉对端
		s.ackNeeded = true
		return
	}
	s.acks = append(s.acks, ackItem{sn: seg.Sn, ts: seg.Ts})
}

// updateRTT RFC 6298
func (s *ARQSession) updateRTT(rtt int32) {
	if s.srtt == 0 {
		s.srtt = rtt
		s.rttvar = rtt / 2
	} else {
		delta := rtt - s.srtt
		if delta < 0 {
			delta = -delta
		}
		s.rttvar = (3*s.rttvar + delta) / 4
		s.srtt = (7*s.srtt + rtt) / 8
	}
	if s.srtt < 1 {
		s.srtt = 1
	}

	rto := uint32(s.srtt) + maxUint32(s.interval, uint32(4*s.rttvar))
	if rto < s.rtoMin {
		rto = s.rtoMin
	}
	if rto > s.rtoMax {
		rto = s.rtoMax
	}
	s.rto = rto
}

// =============================================================================
// 定时驱动
// =============================================================================

// Tick 推进协议状态，返回需要发给对端的数据报
//  1. 发出待确认列表
//  2. 超时段重传 (指数退避，拥塞窗口减半)，快速重传
//  3. 在有效窗口内把发送队列中的分片放入在途队列
//  4. 本轮有新确认且无超时丢包时拥塞窗口加一
func (s *ARQSession) Tick(now uint32) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	if !s.started {
		s.started = true
		s.lastRecv = now
	}

	var out [][]byte
	emit := func(seg *Segment) {
		out = append(out, seg.Encode())
		s.stats.SegmentsSent++
	}

	wnd := uint16(s.rcv.window())
	una := s.rcv.nextSn()

	if s.state == StateTerminating {
		if s.terminateDue {
			emit(newControlSegment(s.conv, CmdTerminate, now, una, wnd))
			s.terminateDue = false
		}
		return out
	}

	if limit := s.idleLimit(); limit > 0 && timeDiff(now, s.lastRecv) >= int32(limit) {
		s.enterTerminating(ErrSessionIdle)
		emit(newControlSegment(s.conv, CmdTerminate, now, una, wnd))
		s.terminateDue = false
		return out
	}

	// 1. 确认
	carriedUna := len(s.acks) > 0
	for _, a := range s.acks {
		emit(newAckSegment(s.conv, a.sn, a.ts, una, wnd))
		s.stats.AcksSent++
	}
	s.acks = s.acks[:0]

	// 对端窗口为 0 时周期性探测
	if s.rmtWnd == 0 {
		if s.probeWait == 0 {
			s.probeWait = windowProbeInit
			s.probeAt = now + s.probeWait
		} else if timeDiff(now, s.probeAt) >= 0 {
			s.probeWait += s.probeWait / 2
			if s.probeWait > windowProbeLimit {
				s.probeWait = windowProbeLimit
			}
			s.probeAt = now + s.probeWait
			s.probeDue = true
		}
	} else {
		s.probeWait = 0
		s.probeAt = 0
	}
	if s.probeDue {
		emit(newControlSegment(s.conv, CmdWindowProbe, now, una, wnd))
		s.probeDue = false
	}
	if s.winAckDue {
		emit(newControlSegment(s.conv, CmdWindowAck, now, una, wnd))
		s.winAckDue = false
		carriedUna = true
	}

	// 2. 重传
	lost := false
	dead := false
	for _, e := range s.snd.entries {
		switch {
		case timeDiff(now, e.resendAt) >= 0:
			lost = true
			e.rto *= 2
			if e.rto > s.rtoMax {
				e.rto = s.rtoMax
			}
			s.stats.Retransmits++
			s.report.retransmits++
		case s.cfg.FastResend > 0 && e.fastAck >= uint32(s.cfg.FastResend):
			e.fastAck = 0
			s.stats.FastRetransmits++
			s.report.fastRetransmits++
		default:
			continue
		}

		e.xmit++
		e.resendAt = now + e.rto
		e.seg.Ts = now
		e.seg.Wnd = wnd
		e.seg.Una = una
		emit(e.seg)
		carriedUna = true

		if s.cfg.MaxRetries > 0 && int(e.xmit) >= s.cfg.MaxRetries {
			dead = true
		}
	}
	if lost {
		s.cwnd /= 2
		if s.cwnd < 1 {
			s.cwnd = 1
		}
	}
	if dead {
		s.enterTerminating(ErrRetransmitExhausted)
		emit(newControlSegment(s.conv, CmdTerminate, now, una, wnd))
		s.terminateDue = false
		return out
	}

	// 3. 新数据
	limit := s.effectiveWindow()
	for len(s.sndQueue) > 0 && timeDiff(s.nextSn, s.sndUna) < int32(limit) {
		seg := s.sndQueue[0]
		s.sndQueue[0] = nil
		s.sndQueue = s.sndQueue[1:]

		seg.Sn = s.nextSn
		seg.Ts = now
		seg.Wnd = wnd
		seg.Una = una
		s.nextSn++

		s.snd.push(&inflightSegment{
			seg:      seg,
			firstTs:  now,
			resendAt: now + s.rto,
			rto:      s.rto,
			xmit:     1,
		})
		s.stats.BytesSent += uint64(len(seg.Data))
		emit(seg)
		carriedUna = true
	}

	// 收到的数据超出窗口或重复时，没有其他段携带水位则单独通告
	if s.ackNeeded && !carriedUna {
		emit(newControlSegment(s.conv, CmdWindowAck, now, una, wnd))
	}
	s.ackNeeded = false

	// 4. 加性增
	if s.ackedSinceTick > 0 && !lost {
		s.cwnd++
		if s.cwnd > s.sndWnd {
			s.cwnd = s.sndWnd
		}
	}
	s.ackedSinceTick = 0

	return out
}

// effectiveWindow min(发送窗口, 拥塞窗口, 对端通告窗口)
func (s *ARQSession) effectiveWindow() int {
	w := s.sndWnd
	if s.cwnd < w {
		w = s.cwnd
	}
	if s.rmtWnd < w {
		w = s.rmtWnd
	}
	return w
}

func (s *ARQSession) idleLimit() uint32 {
	if s.state == StateHandshaking && s.cfg.HandshakeTimeout > 0 {
		return durationMs(s.cfg.HandshakeTimeout)
	}
	return durationMs(s.cfg.IdleTimeout)
}

func (s *ARQSession) enterTerminating(reason error) {
	s.state = StateTerminating
	s.reason = reason
	s.terminateDue = true
}

// takeReport 取出并清空事件记录
func (s *ARQSession) takeReport() tickReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.report
	s.report = tickReport{}
	return r
}

// =============================================================================
// 生命周期
// =============================================================================

// Establish HANDSHAKING -> ESTABLISHED，返回状态是否改变
func (s *ARQSession) Establish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHandshaking {
		return false
	}
	s.state = StateEstablished
	return true
}

// Terminate 本端主动终止，下一次 Tick 发出 TERMINATE
func (s *ARQSession) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateTerminating {
		return
	}
	s.enterTerminating(ErrSessionClosed)
}

// Close 进入 CLOSED 并丢弃所有缓冲数据
func (s *ARQSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed && s.reason == nil {
		s.reason = ErrSessionClosed
	}
	s.state = StateClosed
	s.sndQueue = nil
	s.snd.clear()
	s.rcv.clear()
	s.acks = nil
}

// =============================================================================
// 查询
// =============================================================================

func (s *ARQSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason 进入 TERMINATING 的原因
func (s *ARQSession) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *ARQSession) Conv() uint32 {
	return s.conv
}

// InFlight 已发送未确认的段数
func (s *ARQSession) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snd.len()
}

// WaitSnd 尚未被确认的段数 (含未发出的)
func (s *ARQSession) WaitSnd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snd.len() + len(s.sndQueue)
}

// PeerWindow 对端最近一次通告的窗口
func (s *ARQSession) PeerWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rmtWnd
}

// Stats 统计快照
func (s *ARQSession) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.State = s.state.String()
	st.InFlight = s.snd.len()
	st.MaxXmit = s.snd.maxXmit()
	st.SendQueue = len(s.sndQueue)
	st.CongWindow = s.cwnd
	st.PeerWindow = s.rmtWnd
	st.RecvWindow = s.rcv.window()
	st.SRTT = time.Duration(s.srtt) * time.Millisecond
	st.RTO = time.Duration(s.rto) * time.Millisecond
	return st
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
