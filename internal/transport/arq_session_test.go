// =============================================================================
// 文件: internal/transport/arq_session_test.go
// 描述: 会话引擎测试 - 在内存中模拟乱序、重复、丢包链路
// =============================================================================
package transport

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

// lossyLink 单向链路：按概率丢包、重复，可打乱同一批数据报的顺序
type lossyLink struct {
	rng     *rand.Rand
	loss    float64
	dup     float64
	shuffle bool
	down    bool
}

func (l *lossyLink) carry(in [][]byte) [][]byte {
	if l.down {
		return nil
	}
	var out [][]byte
	for _, p := range in {
		if l.loss > 0 && l.rng.Float64() < l.loss {
			continue
		}
		out = append(out, p)
		if l.dup > 0 && l.rng.Float64() < l.dup {
			out = append(out, p)
		}
	}
	if l.shuffle {
		l.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out
}

// sessionPair a 发送，b 接收
type sessionPair struct {
	a, b     *ARQSession
	ab, ba   *lossyLink
	now      uint32
	poll     bool
	received [][]byte
}

func newSessionPair(cfg *ARQConfig, seed int64) *sessionPair {
	rng := rand.New(rand.NewSource(seed))
	p := &sessionPair{
		a:    NewARQSession(DefaultConv, cfg),
		b:    NewARQSession(DefaultConv, cfg),
		ab:   &lossyLink{rng: rng},
		ba:   &lossyLink{rng: rng},
		poll: true,
	}
	p.a.Establish()
	p.b.Establish()
	return p
}

func (p *sessionPair) step() {
	p.now += 10
	for _, d := range p.ab.carry(p.a.Tick(p.now)) {
		_ = p.b.Input(d, p.now)
	}
	if p.poll {
		p.drain()
	}
	for _, d := range p.ba.carry(p.b.Tick(p.now)) {
		_ = p.a.Input(d, p.now)
	}
}

func (p *sessionPair) drain() {
	for {
		msg := p.b.Poll()
		if msg == nil {
			return
		}
		p.received = append(p.received, msg)
	}
}

func (p *sessionPair) runUntil(maxSteps int, done func() bool) bool {
	for i := 0; i < maxSteps; i++ {
		if done() {
			return true
		}
		p.step()
	}
	return done()
}

func numberedMessage(i, size int) []byte {
	msg := bytes.Repeat([]byte{'.'}, size)
	copy(msg, fmt.Sprintf("%06d", i))
	return msg
}

func checkInOrder(t *testing.T, received [][]byte, count, size int) {
	t.Helper()
	if len(received) != count {
		t.Fatalf("消息数量不匹配: got %d, want %d", len(received), count)
	}
	for i, msg := range received {
		if !bytes.Equal(msg, numberedMessage(i, size)) {
			t.Fatalf("第 %d 条消息不匹配: got %q", i, msg[:6])
		}
	}
}

// =============================================================================
// 有序交付
// =============================================================================

func TestSessionOrderedDelivery(t *testing.T) {
	p := newSessionPair(DefaultARQConfig(), 1)
	p.ab.shuffle = true
	p.ab.dup = 0.3
	p.ba.shuffle = true
	p.ba.dup = 0.3

	const count = 200
	for i := 0; i < count; i++ {
		if err := p.a.Submit(numberedMessage(i, 32)); err != nil {
			t.Fatalf("Submit 失败: %v", err)
		}
	}

	ok := p.runUntil(5000, func() bool { return len(p.received) == count && p.a.WaitSnd() == 0 })
	if !ok {
		t.Fatalf("未在限定步数内完成: received=%d waitSnd=%d", len(p.received), p.a.WaitSnd())
	}
	checkInOrder(t, p.received, count, 32)

	if p.b.Stats().Duplicates == 0 {
		t.Error("重复链路上应统计到重复段")
	}
}

func TestSessionLossRecovery(t *testing.T) {
	cfg := DefaultARQConfig()
	cfg.MaxRetries = 100
	cfg.RTOMax = 500 * time.Millisecond

	p := newSessionPair(cfg, 42)
	p.ab.loss = 0.3
	p.ba.loss = 0.3
	p.ab.shuffle = true

	const count = 500
	for i := 0; i < count; i++ {
		if err := p.a.Submit(numberedMessage(i, 64)); err != nil {
			t.Fatalf("Submit 失败: %v", err)
		}
	}

	ok := p.runUntil(30000, func() bool { return len(p.received) == count && p.a.WaitSnd() == 0 })
	if !ok {
		t.Fatalf("未在限定步数内完成: received=%d waitSnd=%d state=%s",
			len(p.received), p.a.WaitSnd(), p.a.State())
	}
	checkInOrder(t, p.received, count, 64)

	st := p.a.Stats()
	if st.Retransmits+st.FastRetransmits == 0 {
		t.Error("丢包链路上应发生重传")
	}
	if p.a.State() != StateEstablished {
		t.Errorf("状态不匹配: got %s, want ESTABLISHED", p.a.State())
	}
}

func TestSessionFragmentation(t *testing.T) {
	p := newSessionPair(DefaultARQConfig(), 7)

	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i)
	}
	if err := p.a.Submit(big); err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}
	if p.a.WaitSnd() != 4 {
		t.Errorf("分片数不匹配: got %d, want 4", p.a.WaitSnd())
	}

	p.runUntil(100, func() bool { return len(p.received) == 1 })
	if len(p.received) != 1 || !bytes.Equal(p.received[0], big) {
		t.Fatal("大消息重组失败")
	}

	t.Run("空消息", func(t *testing.T) {
		if err := p.a.Submit(nil); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("期望 ErrEmptyMessage, got %v", err)
		}
	})
	t.Run("消息过大", func(t *testing.T) {
		huge := make([]byte, MaxSegmentPayload*DefaultRecvWindow+1)
		if err := p.a.Submit(huge); !errors.Is(err, ErrMessageTooLarge) {
			t.Errorf("期望 ErrMessageTooLarge, got %v", err)
		}
	})
}

// =============================================================================
// 确认
// =============================================================================

func TestSessionIdempotentAck(t *testing.T) {
	cfg := DefaultARQConfig()
	a := NewARQSession(DefaultConv, cfg)
	b := NewARQSession(DefaultConv, cfg)

	_ = a.Submit([]byte("x"))
	push := a.Tick(10)
	if len(push) != 1 {
		t.Fatalf("应发出 1 个 PUSH: got %d", len(push))
	}

	if err := b.Input(push[0], 10); err != nil {
		t.Fatal(err)
	}
	acks := b.Tick(20)
	if len(acks) != 1 {
		t.Fatalf("应发出 1 个 ACK: got %d", len(acks))
	}

	for i := 0; i < 3; i++ {
		if err := a.Input(acks[0], 30); err != nil {
			t.Fatalf("重复 ACK 不应报错: %v", err)
		}
	}
	if a.InFlight() != 0 {
		t.Errorf("InFlight 不匹配: got %d, want 0", a.InFlight())
	}
	if got := a.Stats().AcksReceived; got != 3 {
		t.Errorf("AcksReceived 不匹配: got %d, want 3", got)
	}

	// 重复的 PUSH 只交付一次，但仍会再次确认
	_ = b.Input(push[0], 40)
	if msg := b.Poll(); string(msg) != "x" {
		t.Errorf("消息不匹配: got %q", msg)
	}
	if msg := b.Poll(); msg != nil {
		t.Errorf("重复段不应再次交付: got %q", msg)
	}
	if b.Stats().Duplicates != 1 {
		t.Errorf("Duplicates 不匹配: got %d, want 1", b.Stats().Duplicates)
	}
	reacks := b.Tick(50)
	if len(reacks) != 1 {
		t.Fatalf("重复段应被再次确认: got %d", len(reacks))
	}
	seg, _ := DecodeSegment(reacks[0])
	if seg.Cmd != CmdAck || seg.Una != 1 {
		t.Errorf("再次确认不匹配: cmd=%s una=%d", seg.Cmd, seg.Una)
	}
}

func TestSessionFastRetransmit(t *testing.T) {
	cfg := DefaultARQConfig()
	a := NewARQSession(DefaultConv, cfg)
	b := NewARQSession(DefaultConv, cfg)

	for i := 0; i < 4; i++ {
		_ = a.Submit([]byte{byte(i)})
	}
	out := a.Tick(0)
	if len(out) != 4 {
		t.Fatalf("应发出 4 个 PUSH: got %d", len(out))
	}

	// sn=0 丢失
	for _, d := range out[1:] {
		_ = b.Input(d, 0)
	}
	for _, d := range b.Tick(10) {
		_ = a.Input(d, 10)
	}

	resent := a.Tick(20)
	if len(resent) != 1 {
		t.Fatalf("应快速重传 1 个段: got %d", len(resent))
	}
	seg, _ := DecodeSegment(resent[0])
	if seg.Cmd != CmdPush || seg.Sn != 0 {
		t.Errorf("重传段不匹配: cmd=%s sn=%d", seg.Cmd, seg.Sn)
	}
	if a.Stats().FastRetransmits != 1 {
		t.Errorf("FastRetransmits 不匹配: got %d, want 1", a.Stats().FastRetransmits)
	}
}

func TestSessionRTTEstimate(t *testing.T) {
	p := newSessionPair(DefaultARQConfig(), 3)
	for i := 0; i < 20; i++ {
		_ = p.a.Submit([]byte("ping"))
		p.step()
		p.step()
	}

	st := p.a.Stats()
	if st.SRTT <= 0 {
		t.Errorf("SRTT 应大于 0: got %v", st.SRTT)
	}
	if st.RTO < DefaultRTOMin || st.RTO > DefaultRTOMax {
		t.Errorf("RTO 越界: got %v", st.RTO)
	}
}

// =============================================================================
// 窗口
// =============================================================================

func TestSessionWindowRespect(t *testing.T) {
	cfg := DefaultARQConfig()
	cfg.SendWindow = 8
	cfg.RecvWindow = 8

	p := newSessionPair(cfg, 5)
	p.poll = false

	const count = 50
	for i := 0; i < count; i++ {
		_ = p.a.Submit(numberedMessage(i, 16))
	}

	// 接收端不取数据: 发送端在途段不超过对端窗口，接收端有序队列不超过接收窗口
	for i := 0; i < 100; i++ {
		p.step()
		if n := p.a.InFlight(); n > 8 {
			t.Fatalf("在途段超过窗口: got %d", n)
		}
		if n := len(p.b.rcv.ready); n > 8 {
			t.Fatalf("有序队列超过接收窗口: got %d", n)
		}
	}
	if n := len(p.b.rcv.ready); n != 8 {
		t.Errorf("有序队列长度不匹配: got %d, want 8", n)
	}
	if p.a.PeerWindow() != 0 {
		t.Errorf("对端窗口应为 0: got %d", p.a.PeerWindow())
	}
	if p.a.WaitSnd() != count-8 {
		t.Errorf("WaitSnd 不匹配: got %d, want %d", p.a.WaitSnd(), count-8)
	}

	// 接收端恢复读取后，通过窗口探测继续传输
	p.poll = true
	ok := p.runUntil(3000, func() bool { return len(p.received) == count })
	if !ok {
		t.Fatalf("窗口恢复后未完成: received=%d", len(p.received))
	}
	checkInOrder(t, p.received, count, 16)
}

// =============================================================================
// 生命周期
// =============================================================================

func TestSessionDeadPeer(t *testing.T) {
	cfg := DefaultARQConfig()
	cfg.MaxRetries = 5
	cfg.RTOMax = 200 * time.Millisecond

	p := newSessionPair(cfg, 9)
	p.ab.down = true
	p.ba.down = true

	_ = p.a.Submit([]byte("hello?"))

	var last [][]byte
	for i := 0; i < 1000 && p.a.State() != StateTerminating; i++ {
		p.now += 10
		last = p.a.Tick(p.now)
	}

	if p.a.State() != StateTerminating {
		t.Fatalf("状态不匹配: got %s, want TERMINATING", p.a.State())
	}
	if !errors.Is(p.a.Reason(), ErrRetransmitExhausted) {
		t.Errorf("原因不匹配: got %v", p.a.Reason())
	}
	seg, _ := DecodeSegment(last[len(last)-1])
	if seg.Cmd != CmdTerminate {
		t.Errorf("最后一个段应为 TERMINATE: got %s", seg.Cmd)
	}
	if err := p.a.Submit([]byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("终止后 Submit 应返回 ErrSessionClosed, got %v", err)
	}
}

func TestSessionHandshakeTimeout(t *testing.T) {
	cfg := DefaultARQConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond

	s := NewARQSession(DefaultConv, cfg)
	s.Tick(0)
	if s.State() != StateHandshaking {
		t.Fatalf("状态不匹配: got %s", s.State())
	}
	out := s.Tick(100)
	if s.State() != StateTerminating || !errors.Is(s.Reason(), ErrSessionIdle) {
		t.Errorf("应因空闲进入 TERMINATING: state=%s reason=%v", s.State(), s.Reason())
	}
	if len(out) != 1 {
		t.Errorf("应发出 TERMINATE: got %d 个段", len(out))
	}
	if s.Tick(110) != nil {
		t.Error("TERMINATE 只发一次")
	}
}

func TestSessionTerminate(t *testing.T) {
	cfg := DefaultARQConfig()
	a := NewARQSession(DefaultConv, cfg)
	b := NewARQSession(DefaultConv, cfg)

	a.Terminate()
	out := a.Tick(10)
	if len(out) != 1 {
		t.Fatalf("应发出 1 个 TERMINATE: got %d", len(out))
	}
	if err := b.Input(out[0], 10); err != nil {
		t.Fatal(err)
	}
	if b.State() != StateTerminating || !errors.Is(b.Reason(), ErrPeerTerminated) {
		t.Errorf("对端状态不匹配: state=%s reason=%v", b.State(), b.Reason())
	}

	b.Close()
	if b.State() != StateClosed {
		t.Errorf("状态不匹配: got %s, want CLOSED", b.State())
	}
	if err := b.Input(out[0], 20); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("CLOSED 后 Input 应返回 ErrSessionClosed, got %v", err)
	}
}

func TestSessionConvMismatch(t *testing.T) {
	s := NewARQSession(1, DefaultARQConfig())
	data := (&Segment{Conv: 2, Cmd: CmdPush, Data: []byte("x")}).Encode()
	if err := s.Input(data, 0); !errors.Is(err, ErrMalformedSegment) {
		t.Errorf("期望 ErrMalformedSegment, got %v", err)
	}
}
