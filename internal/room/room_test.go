// =============================================================================
// 文件: internal/room/room_test.go
// 描述: 房间协调器测试 - JOIN、倒计时顺序、重置、对端失联
// =============================================================================
package room

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/arqroom/internal/config"
	"github.com/mrcgq/arqroom/internal/transport"
)

// =============================================================================
// 测试辅助
// =============================================================================

type fakeSender struct {
	mu          sync.Mutex
	sent        map[transport.SessionID][]string
	established map[transport.SessionID]bool
	closed      map[transport.SessionID]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent:        make(map[transport.SessionID][]string),
		established: make(map[transport.SessionID]bool),
		closed:      make(map[transport.SessionID]bool),
	}
}

func (f *fakeSender) Submit(id transport.SessionID, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed[id] {
		return transport.ErrSessionClosed
	}
	f.sent[id] = append(f.sent[id], string(msg))
	return nil
}

func (f *fakeSender) Establish(id transport.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed[id] {
		return transport.ErrUnknownSession
	}
	f.established[id] = true
	return nil
}

func (f *fakeSender) messages(id transport.SessionID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[id]...)
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = make(map[transport.SessionID][]string)
}

type resetRecorder struct {
	mu      sync.Mutex
	sources []string
}

func (r *resetRecorder) OnRoomReset(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source)
}

func testRoomConfig() *config.RoomConfig {
	cfg := config.DefaultConfig().Room
	return &cfg
}

// =============================================================================
// JOIN
// =============================================================================

func TestJoin(t *testing.T) {
	sender := newFakeSender()
	r := NewRoom(testRoomConfig(), sender)

	t.Run("首次加入", func(t *testing.T) {
		r.OnSessionMessage("1.1.1.1:1000", []byte("JOIN"))

		if !sender.established["1.1.1.1:1000"] {
			t.Error("JOIN 后会话应被确认")
		}
		if !r.IsJoined("1.1.1.1:1000") {
			t.Error("JOIN 后应在房间内")
		}
		got := sender.messages("1.1.1.1:1000")
		want := "A new udp client [1.1.1.1:1000] has joined in!"
		if len(got) != 1 || got[0] != want {
			t.Errorf("加入确认不匹配: got %v, want [%s]", got, want)
		}
	})

	t.Run("第二个对端加入通知所有人", func(t *testing.T) {
		sender.reset()
		r.OnSessionMessage("2.2.2.2:2000", []byte("JOIN\r\n"))

		want := "A new udp client [2.2.2.2:2000] has joined in!"
		for _, id := range []transport.SessionID{"1.1.1.1:1000", "2.2.2.2:2000"} {
			got := sender.messages(id)
			if len(got) != 1 || got[0] != want {
				t.Errorf("%s 收到 %v, want [%s]", id, got, want)
			}
		}
		if n := len(r.JoinedPeers()); n != 2 {
			t.Errorf("JoinedPeers 数量不匹配: got %d, want 2", n)
		}
	})

	t.Run("重复加入只回复本人", func(t *testing.T) {
		sender.reset()
		r.OnSessionMessage("2.2.2.2:2000", []byte("JOIN"))

		if got := sender.messages("1.1.1.1:1000"); len(got) != 0 {
			t.Errorf("其他对端不应收到消息: got %v", got)
		}
		if got := sender.messages("2.2.2.2:2000"); len(got) != 1 {
			t.Errorf("重复加入应收到一次确认: got %v", got)
		}
		if n := len(r.JoinedPeers()); n != 2 {
			t.Errorf("JoinedPeers 数量不应变化: got %d", n)
		}
	})

	t.Run("会话已不可用时不加入", func(t *testing.T) {
		sender.closed["3.3.3.3:3000"] = true
		r.OnSessionMessage("3.3.3.3:3000", []byte("JOIN"))
		if r.IsJoined("3.3.3.3:3000") {
			t.Error("Establish 失败时不应加入")
		}
	})
}

func TestNonJoinedDropped(t *testing.T) {
	sender := newFakeSender()
	r := NewRoom(testRoomConfig(), sender)
	r.OnSessionMessage("a:1", []byte("JOIN"))
	sender.reset()

	r.OnSessionMessage("b:2", []byte("hello"))
	r.OnSessionMessage("b:2", []byte("CMD_RESET"))

	if got := sender.messages("a:1"); len(got) != 0 {
		t.Errorf("未加入对端的消息应被丢弃: got %v", got)
	}
	if r.IsJoined("b:2") {
		t.Error("未发送 JOIN 的对端不应加入")
	}
}

// =============================================================================
// 转发
// =============================================================================

func TestRelay(t *testing.T) {
	t.Run("默认包含发送者", func(t *testing.T) {
		sender := newFakeSender()
		r := NewRoom(testRoomConfig(), sender)
		r.OnSessionMessage("a:1", []byte("JOIN"))
		r.OnSessionMessage("b:2", []byte("JOIN"))
		sender.reset()

		r.OnSessionMessage("a:1", []byte("hello"))

		for _, id := range []transport.SessionID{"a:1", "b:2"} {
			got := sender.messages(id)
			if len(got) != 1 || got[0] != "hello" {
				t.Errorf("%s 收到 %v, want [hello]", id, got)
			}
		}
	})

	t.Run("排除发送者", func(t *testing.T) {
		cfg := testRoomConfig()
		cfg.RelayExcludeSender = true
		sender := newFakeSender()
		r := NewRoom(cfg, sender)
		r.OnSessionMessage("a:1", []byte("JOIN"))
		r.OnSessionMessage("b:2", []byte("JOIN"))
		sender.reset()

		r.OnSessionMessage("a:1", []byte("hello"))

		if got := sender.messages("a:1"); len(got) != 0 {
			t.Errorf("发送者不应收到自己的消息: got %v", got)
		}
		if got := sender.messages("b:2"); len(got) != 1 {
			t.Errorf("其他对端应收到消息: got %v", got)
		}
	})
}

// =============================================================================
// 倒计时与重置
// =============================================================================

func TestTick(t *testing.T) {
	sender := newFakeSender()
	r := NewRoom(testRoomConfig(), sender)
	r.OnSessionMessage("a:1", []byte("JOIN"))
	sender.reset()

	if v := r.Tick(); v != 99 {
		t.Errorf("Tick 返回值不匹配: got %d, want 99", v)
	}
	r.Tick()

	got := sender.messages("a:1")
	want := []string{"Current Room's countdown: 99", "Current Room's countdown: 98"}
	if len(got) != len(want) {
		t.Fatalf("消息数量不匹配: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("第 %d 条不匹配: got %q, want %q", i, got[i], want[i])
		}
	}
	if r.Countdown() != 98 {
		t.Errorf("Countdown 不匹配: got %d, want 98", r.Countdown())
	}
}

func TestCheckTicking(t *testing.T) {
	cfg := testRoomConfig()
	cfg.CountdownIntervalMs = 20
	r := NewRoom(cfg, newFakeSender())

	if err := r.CheckTicking(1000); err != nil {
		t.Errorf("刚创建不应停滞: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := r.CheckTicking(2); err == nil {
		t.Error("超过 2 个间隔未 Tick 应报停滞")
	}

	r.Tick()
	if err := r.CheckTicking(2); err != nil {
		t.Errorf("Tick 后不应停滞: %v", err)
	}
}

func TestReset(t *testing.T) {
	t.Run("带内重置通知广播表", func(t *testing.T) {
		sender := newFakeSender()
		listener := &resetRecorder{}
		r := NewRoom(testRoomConfig(), sender, WithResetListener(listener))
		r.OnSessionMessage("a:1", []byte("JOIN"))
		r.OnSessionMessage("b:2", []byte("JOIN"))
		r.Tick()
		r.Tick()
		sender.reset()

		r.OnSessionMessage("b:2", []byte("CMD_RESET\n"))

		if r.Countdown() != 100 {
			t.Errorf("Countdown 不匹配: got %d, want 100", r.Countdown())
		}
		for _, id := range []transport.SessionID{"a:1", "b:2"} {
			got := sender.messages(id)
			if len(got) != 1 || got[0] != "CMD_RESET" {
				t.Errorf("%s 收到 %v, want [CMD_RESET]", id, got)
			}
		}
		if len(listener.sources) != 1 || listener.sources[0] != SourceUDP {
			t.Errorf("ResetListener 调用不匹配: got %v", listener.sources)
		}
		if n := len(r.JoinedPeers()); n != 2 {
			t.Errorf("重置不应影响已加入对端: got %d", n)
		}
	})

	t.Run("广播表重置不回调", func(t *testing.T) {
		sender := newFakeSender()
		listener := &resetRecorder{}
		r := NewRoom(testRoomConfig(), sender, WithResetListener(listener))
		r.OnSessionMessage("a:1", []byte("JOIN"))
		r.Tick()

		r.Reset()

		if r.Countdown() != 100 {
			t.Errorf("Countdown 不匹配: got %d, want 100", r.Countdown())
		}
		if len(listener.sources) != 0 {
			t.Errorf("广播表发起的重置不应回调: got %v", listener.sources)
		}
	})
}

// gatedSender 在第一次提交 gate 消息时阻塞，直到 release 关闭
type gatedSender struct {
	*fakeSender
	gate    string
	once    sync.Once
	blocked chan struct{}
	release chan struct{}
}

func (g *gatedSender) Submit(id transport.SessionID, msg []byte) error {
	if string(msg) == g.gate {
		hit := false
		g.once.Do(func() { hit = true })
		if hit {
			close(g.blocked)
			<-g.release
		}
	}
	return g.fakeSender.Submit(id, msg)
}

func TestTickAndResetOrdering(t *testing.T) {
	sender := &gatedSender{
		fakeSender: newFakeSender(),
		gate:       "Current Room's countdown: 97",
		blocked:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	r := NewRoom(testRoomConfig(), sender)
	r.OnSessionMessage("a:1", []byte("JOIN"))
	sender.reset()

	r.Tick()
	r.Tick()

	tickDone := make(chan struct{})
	go func() {
		r.Tick()
		close(tickDone)
	}()
	<-sender.blocked

	resetDone := make(chan struct{})
	go func() {
		r.Reset()
		close(resetDone)
	}()

	// 重置必须等待进行中的倒计时广播完成
	select {
	case <-resetDone:
		t.Fatal("倒计时广播未完成时重置不应返回")
	case <-time.After(50 * time.Millisecond):
	}
	close(sender.release)
	<-tickDone
	<-resetDone

	r.Tick()

	got := sender.messages("a:1")
	want := []string{
		"Current Room's countdown: 99",
		"Current Room's countdown: 98",
		"Current Room's countdown: 97",
		"CMD_RESET",
		"Current Room's countdown: 99",
	}
	if len(got) != len(want) {
		t.Fatalf("消息序列不匹配: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("第 %d 条不匹配: got %q, want %q", i, got[i], want[i])
		}
	}
}

// teardownSender 在 Establish 成功后并发地拆除会话
type teardownSender struct {
	*fakeSender
	room *Room
	done chan struct{}
}

func (s *teardownSender) Establish(id transport.SessionID) error {
	if err := s.fakeSender.Establish(id); err != nil {
		return err
	}
	go func() {
		s.fakeSender.mu.Lock()
		s.fakeSender.closed[id] = true
		s.fakeSender.mu.Unlock()
		s.room.OnSessionClosed(id, transport.ErrSessionIdle)
		close(s.done)
	}()
	// 给拆除协程抢先运行的机会
	time.Sleep(10 * time.Millisecond)
	return nil
}

func TestJoinRacingTeardown(t *testing.T) {
	sender := &teardownSender{fakeSender: newFakeSender(), done: make(chan struct{})}
	r := NewRoom(testRoomConfig(), sender)
	sender.room = r

	r.OnSessionMessage("a:1", []byte("JOIN"))

	select {
	case <-sender.done:
	case <-time.After(3 * time.Second):
		t.Fatal("等待拆除超时")
	}
	if r.IsJoined("a:1") {
		t.Error("已拆除的会话不应留在房间内")
	}
	if n := len(r.JoinedPeers()); n != 0 {
		t.Errorf("JoinedPeers 数量不匹配: got %d, want 0", n)
	}
}

func TestSessionClosed(t *testing.T) {
	sender := newFakeSender()
	r := NewRoom(testRoomConfig(), sender)
	r.OnSessionMessage("a:1", []byte("JOIN"))
	r.OnSessionMessage("b:2", []byte("JOIN"))
	sender.reset()

	r.OnSessionClosed("a:1", transport.ErrRetransmitExhausted)

	if r.IsJoined("a:1") {
		t.Error("拆除后不应在房间内")
	}
	got := sender.messages("b:2")
	want := "udp client [a:1] disconnected"
	if len(got) != 1 || got[0] != want {
		t.Errorf("离开通知不匹配: got %v, want [%s]", got, want)
	}

	// 未加入的会话拆除不产生通知
	sender.reset()
	r.OnSessionClosed("c:3", transport.ErrSessionIdle)
	if got := sender.messages("b:2"); len(got) != 0 {
		t.Errorf("不应有通知: got %v", got)
	}
}

func TestParseCountdown(t *testing.T) {
	tests := []struct {
		msg  string
		want int64
		ok   bool
	}{
		{"Current Room's countdown: 42", 42, true},
		{"Current Room's countdown: -3", -3, true},
		{"Current Room's countdown: x", 0, false},
		{"CMD_RESET", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseCountdown([]byte(tt.msg))
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseCountdown(%q) = %d,%v, want %d,%v", tt.msg, got, ok, tt.want, tt.ok)
		}
	}
}

// =============================================================================
// 端到端: 两个多路复用器通过内存链路相连
// =============================================================================

type queuedSink struct {
	mu    sync.Mutex
	queue [][]byte
	drop  bool
}

func (s *queuedSink) WriteTo(p []byte, _ net.Addr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.drop {
		s.queue = append(s.queue, append([]byte(nil), p...))
	}
	return len(p), nil
}

func (s *queuedSink) take() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) OnSessionMessage(_ transport.SessionID, msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(msg))
}

func (c *collector) OnSessionClosed(transport.SessionID, error) {}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

type loopback struct {
	now        uint32
	server     *transport.Multiplexer
	client     *transport.Multiplexer
	serverSink *queuedSink
	clientSink *queuedSink
	serverAddr net.Addr
	clientAddr net.Addr
}

func newLoopback(cfg *transport.ARQConfig, handler transport.SessionHandler) *loopback {
	l := &loopback{
		serverAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 20202},
		clientAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
	}
	clock := transport.WithClock(func() uint32 { return l.now })
	l.serverSink = &queuedSink{}
	l.clientSink = &queuedSink{}
	l.server = transport.NewMultiplexer(cfg, l.serverSink, handler, clock)
	l.client = transport.NewMultiplexer(cfg, l.clientSink, &collector{}, clock)
	return l
}

// step 推进 10ms: 两端各 Tick 一次并投递数据报
func (l *loopback) step() {
	l.now += 10
	l.client.TickAll(l.now)
	for _, p := range l.clientSink.take() {
		l.server.HandleDatagram(l.clientAddr, p)
	}
	l.server.TickAll(l.now)
	for _, p := range l.serverSink.take() {
		l.client.HandleDatagram(l.serverAddr, p)
	}
}

func TestJoinAndBroadcastScenario(t *testing.T) {
	cfg := transport.DefaultARQConfig()
	received := &collector{}

	l := newLoopback(cfg, nil)
	l.client.SetHandler(received)

	r := NewRoom(testRoomConfig(), l.server)
	l.server.SetHandler(r)

	id, err := l.client.Open(l.serverAddr)
	if err != nil {
		t.Fatalf("Open 失败: %v", err)
	}
	if err := l.client.Submit(id, []byte("JOIN")); err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}

	for i := 0; i < 20 && len(received.snapshot()) == 0; i++ {
		l.step()
	}
	if !r.IsJoined(transport.SessionID(l.clientAddr.String())) {
		t.Fatal("客户端未加入房间")
	}
	if st, _ := l.server.State(transport.SessionID(l.clientAddr.String())); st != transport.StateEstablished {
		t.Errorf("服务端会话状态不匹配: got %s, want ESTABLISHED", st)
	}

	r.Tick()
	r.Tick()
	for i := 0; i < 20; i++ {
		l.step()
	}

	var values []int64
	for _, msg := range received.snapshot() {
		if v, ok := ParseCountdown([]byte(msg)); ok {
			values = append(values, v)
		}
	}
	if len(values) != 2 || values[0] != 99 || values[1] != 98 {
		t.Errorf("倒计时序列不匹配: got %v, want [99 98]", values)
	}
}

func TestDeadPeerLeavesRoom(t *testing.T) {
	cfg := transport.DefaultARQConfig()
	cfg.MaxRetries = 4
	cfg.RTOMax = 100 * time.Millisecond

	l := newLoopback(cfg, nil)
	r := NewRoom(testRoomConfig(), l.server)
	l.server.SetHandler(r)

	id, _ := l.client.Open(l.serverAddr)
	_ = l.client.Submit(id, []byte("JOIN"))
	for i := 0; i < 10; i++ {
		l.step()
	}
	peer := transport.SessionID(l.clientAddr.String())
	if !r.IsJoined(peer) {
		t.Fatal("客户端未加入房间")
	}

	// 切断链路
	l.serverSink.drop = true
	l.clientSink.drop = true
	r.Tick()

	for i := 0; i < 500 && r.IsJoined(peer); i++ {
		l.step()
	}

	if r.IsJoined(peer) {
		t.Error("失联对端应被移出房间")
	}
	if _, ok := l.server.State(peer); ok {
		t.Error("失联会话应从会话表移除")
	}
}
