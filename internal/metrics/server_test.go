package metrics

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeProvider struct{}

func (fakeProvider) SessionStateCounts() map[string]int {
	return map[string]int{"ESTABLISHED": 2, "HANDSHAKING": 1}
}
func (fakeProvider) InFlightSegments() int { return 7 }
func (fakeProvider) QueuedSegments() int   { return 3 }

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "/metrics", "/health", false)
	rm := NewRoomMetrics(s.GetRegistry())
	if err := s.RegisterCollector(NewSessionCollector(fakeProvider{})); err != nil {
		t.Fatalf("注册收集器失败: %v", err)
	}

	rm.SetCountdown(42)
	rm.PeerJoined()
	rm.SegmentReceived("PUSH")
	rm.ObserveRTT(25)

	code, body := get(t, s.Handler(), "/metrics")
	if code != http.StatusOK {
		t.Fatalf("状态码不匹配: got %d, want 200", code)
	}

	for _, want := range []string{
		"arqroom_room_countdown 42",
		"arqroom_room_joins_total 1",
		`arqroom_arq_sessions{state="ESTABLISHED"} 2`,
		`arqroom_arq_sessions{state="TERMINATING"} 0`,
		"arqroom_arq_in_flight_segments 7",
		"arqroom_arq_queued_segments 3",
		"arqroom_arq_rtt_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("输出缺少 %q", want)
		}
	}
}

func TestNilRoomMetrics(t *testing.T) {
	var rm *RoomMetrics
	rm.SessionOpened()
	rm.SessionClosed("idle")
	rm.SetActiveSessions(3)
	rm.DatagramDropped("malformed")
	rm.LinkReceived("udp", 20)
	rm.LinkSent("tcp", 20)
	rm.Retransmitted("timeout", 2)
	rm.RoomReset("udp")
	rm.BroadcastConnected("tcp")
	rm.BroadcastLine()
}

func TestHealthEndpoints(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "", "", false)
	s.SetVersion("1.2.3")
	h := s.Handler()

	decode := func(t *testing.T, body string) HealthStatus {
		t.Helper()
		var status HealthStatus
		if err := json.Unmarshal([]byte(body), &status); err != nil {
			t.Fatalf("JSON 解析失败: %v", err)
		}
		return status
	}

	t.Run("无组件时健康", func(t *testing.T) {
		code, body := get(t, h, "/health")
		if code != http.StatusOK {
			t.Errorf("状态码不匹配: got %d, want 200", code)
		}
		status := decode(t, body)
		if status.Status != StatusHealthy || status.Uptime == "" || status.Version != "1.2.3" {
			t.Errorf("状态不匹配: %+v", status)
		}
	})

	t.Run("降级仍就绪", func(t *testing.T) {
		s.AddCheck("room", func() ComponentHealth {
			return ComponentHealth{Status: StatusHealthy, Message: "countdown: 40, peers: 2"}
		})
		s.AddCheck("arq_stream", func() ComponentHealth {
			return ComponentHealth{Status: StatusDegraded, Message: "not listening"}
		})
		code, body := get(t, h, "/health")
		if code != http.StatusOK {
			t.Errorf("状态码不匹配: got %d, want 200", code)
		}
		status := decode(t, body)
		if status.Status != StatusDegraded {
			t.Errorf("总体状态不匹配: got %s, want %s", status.Status, StatusDegraded)
		}
		if status.Components["room"].Message != "countdown: 40, peers: 2" {
			t.Errorf("组件信息不匹配: %+v", status.Components)
		}
		if code, body := get(t, h, "/health/ready"); code != http.StatusOK || body != "READY" {
			t.Errorf("就绪不匹配: got %d %q", code, body)
		}
	})

	t.Run("组件异常", func(t *testing.T) {
		s.AddCheck("udp", func() ComponentHealth {
			return ComponentHealth{Status: StatusUnhealthy, Message: "not running"}
		})
		code, body := get(t, h, "/health")
		if code != http.StatusServiceUnavailable {
			t.Errorf("状态码不匹配: got %d, want 503", code)
		}
		if status := decode(t, body); status.Status != StatusUnhealthy || len(status.Components) != 3 {
			t.Errorf("状态不匹配: %+v", status)
		}
		if code, body := get(t, h, "/health/ready"); code != http.StatusServiceUnavailable || body != "NOT READY" {
			t.Errorf("就绪不匹配: got %d %q", code, body)
		}
	})

	t.Run("未知状态按异常处理", func(t *testing.T) {
		s.AddCheck("udp", func() ComponentHealth { return ComponentHealth{Status: "weird"} })
		if status := s.Status(); status.Components["udp"].Status != StatusUnhealthy {
			t.Errorf("状态不匹配: got %s, want %s", status.Components["udp"].Status, StatusUnhealthy)
		}
	})
}

func TestLiveness(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "", "", false)
	h := s.Handler()

	if code, body := get(t, h, "/health/live"); code != http.StatusOK || body != "OK" {
		t.Errorf("存活不匹配: got %d %q", code, body)
	}

	stalled := true
	s.SetLiveness(func() error {
		if stalled {
			return errors.New("倒计时已停滞")
		}
		return nil
	})
	code, body := get(t, h, "/health/live")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "倒计时已停滞") {
		t.Errorf("存活不匹配: got %d %q", code, body)
	}

	stalled = false
	if code, _ := get(t, h, "/health/live"); code != http.StatusOK {
		t.Errorf("状态码不匹配: got %d, want 200", code)
	}
}

func TestRoomEndpoint(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "", "", false)
	h := s.Handler()

	t.Run("未设置", func(t *testing.T) {
		if code, _ := get(t, h, RoomPath); code != http.StatusNotFound {
			t.Errorf("状态码不匹配: got %d, want 404", code)
		}
	})

	t.Run("空房间", func(t *testing.T) {
		s.SetRoomView(func() RoomView { return RoomView{Countdown: 100} })
		_, body := get(t, h, RoomPath)
		if !strings.Contains(body, `"peers":[]`) {
			t.Errorf("空房间 peers 应为 []: %s", body)
		}
	})

	t.Run("快照", func(t *testing.T) {
		s.SetRoomView(func() RoomView {
			return RoomView{
				Countdown:   57,
				Peers:       []string{"127.0.0.1:7000", "127.0.0.1:7001"},
				Sessions:    3,
				LineClients: 1,
			}
		})
		code, body := get(t, h, RoomPath)
		if code != http.StatusOK {
			t.Fatalf("状态码不匹配: got %d, want 200", code)
		}
		var view RoomView
		if err := json.Unmarshal([]byte(body), &view); err != nil {
			t.Fatalf("JSON 解析失败: %v", err)
		}
		if view.Countdown != 57 || len(view.Peers) != 2 || view.Sessions != 3 || view.LineClients != 1 {
			t.Errorf("快照不匹配: %+v", view)
		}
	})
}
