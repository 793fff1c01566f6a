package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/arqroom/internal/metrics"
)

// linkCounter 读取 arqroom_link_*_total{link,direction} 的当前值
func linkCounter(t *testing.T, reg *prometheus.Registry, name, link, direction string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather 失败: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["link"] == link && labels["direction"] == direction {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

type chanHandler struct {
	ch chan []byte
}

func (h *chanHandler) HandleDatagram(from net.Addr, data []byte) {
	h.ch <- append([]byte(from.String()+"|"), data...)
}

func TestUDPServerRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	server := NewUDPServer("127.0.0.1:0")
	server.SetMetrics(metrics.NewRoomMetrics(reg))
	handler := &chanHandler{ch: make(chan []byte, 16)}
	if err := server.Start(ctx, handler); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer server.Stop()

	client, err := net.DialUDP("udp", nil, server.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer client.Close()

	for _, msg := range []string{"one", "two", "three"} {
		if _, err := client.Write([]byte(msg)); err != nil {
			t.Fatal(err)
		}
	}

	// 同一对端按到达顺序处理
	prefix := client.LocalAddr().String() + "|"
	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-handler.ch:
			if string(got) != prefix+want {
				t.Errorf("数据报不匹配: got %q, want %q", got, prefix+want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("等待 %q 超时", want)
		}
	}

	if _, err := server.WriteTo([]byte("pong"), client.LocalAddr()); err != nil {
		t.Fatalf("WriteTo 失败: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil || string(buf[:n]) != "pong" {
		t.Errorf("回包不匹配: got %q, err=%v", buf[:n], err)
	}

	if got := linkCounter(t, reg, "arqroom_link_packets_total", "udp", "in"); got != 3 {
		t.Errorf("入站包数不匹配: got %v, want 3", got)
	}
	if got := linkCounter(t, reg, "arqroom_link_packets_total", "udp", "out"); got != 1 {
		t.Errorf("出站包数不匹配: got %v, want 1", got)
	}
	// "one" + "two" + "three"
	if got := linkCounter(t, reg, "arqroom_link_bytes_total", "udp", "in"); got != 11 {
		t.Errorf("入站字节数不匹配: got %v, want 11", got)
	}

	server.Stop()
	if server.IsRunning() {
		t.Error("Stop 后不应运行")
	}
}
