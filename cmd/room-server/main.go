// =============================================================================
// 文件: cmd/room-server/main.go
// 描述: 主程序入口 - UDP 可靠会话 + 房间倒计时 + TCP/WebSocket 文本广播 + Prometheus 指标
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/arqroom/internal/broadcast"
	"github.com/mrcgq/arqroom/internal/config"
	"github.com/mrcgq/arqroom/internal/logging"
	"github.com/mrcgq/arqroom/internal/metrics"
	"github.com/mrcgq/arqroom/internal/room"
	"github.com/mrcgq/arqroom/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
	startTime = time.Now()
)

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	udpListen := flag.String("udp", "", "UDP 监听地址 (覆盖配置)")
	tcpListen := flag.String("tcp", "", "TCP 监听地址 (覆盖配置)")
	logLevel := flag.String("log-level", "", "日志级别: trace/debug/info/warn/error")

	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	// 命令行覆盖
	if *udpListen != "" {
		cfg.UDPListen = *udpListen
	}
	if *tcpListen != "" {
		cfg.TCPListen = *tcpListen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:   cfg.LogLevel,
		Console: cfg.LogFormat == "console",
	})
	logger := logging.Component("main")

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("服务异常退出")
		os.Exit(1)
	}
}

// loadConfig 未显式指定且默认文件不存在时使用默认配置
func loadConfig(path string) (*config.Config, error) {
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "c" {
			explicit = true
		}
	})
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.DefaultConfig(), nil
		}
	}
	return config.Load(path)
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 创建 Metrics 服务器
	var metricsServer *metrics.MetricsServer
	var roomMetrics *metrics.RoomMetrics

	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
		)
		roomMetrics = metrics.NewRoomMetrics(metricsServer.GetRegistry())
	}

	// 组件装配: UDP -> 多路复用器 -> 房间 <-> 广播表
	udpServer := transport.NewUDPServer(cfg.UDPListen)
	udpServer.SetMetrics(roomMetrics)

	// 出站按地址类型路由: UDP 对端走 socket，TCP 承载的对端走流链路
	sink := transport.RouteSink{Datagram: udpServer}
	var streamLink *transport.StreamLink
	if cfg.ARQStreamListen != "" {
		streamLink = transport.NewStreamLink(nil)
		streamLink.SetMetrics(roomMetrics)
		sink.Stream = streamLink
	}

	mux := transport.NewMultiplexer(
		transport.ARQConfigFromConfig(&cfg.ARQ),
		sink,
		nil,
		transport.WithMetrics(roomMetrics),
	)
	if streamLink != nil {
		streamLink.SetHandler(mux)
	}

	registry := broadcast.NewRegistry(cfg.Room.ResetToken, nil, broadcast.WithMetrics(roomMetrics))

	gameRoom := room.NewRoom(&cfg.Room, mux,
		room.WithMetrics(roomMetrics),
		room.WithResetListener(registry),
	)
	registry.SetResetter(gameRoom)
	mux.SetHandler(gameRoom)

	if metricsServer != nil {
		if err := metricsServer.RegisterCollector(metrics.NewSessionCollector(mux)); err != nil {
			return fmt.Errorf("注册收集器失败: %w", err)
		}
		registerHealth(metricsServer, udpServer, streamLink, mux, gameRoom, registry)
		if err := metricsServer.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("Metrics 启动失败 (继续运行)")
			metricsServer = nil
		}
	}

	// 启动监听
	if err := udpServer.Start(ctx, mux); err != nil {
		return fmt.Errorf("UDP 启动失败: %w", err)
	}

	tcpServer := transport.NewTCPServer(cfg.TCPListen, broadcast.NewTCPHandler(registry))
	if err := tcpServer.Start(ctx); err != nil {
		udpServer.Stop()
		return fmt.Errorf("TCP 启动失败: %w", err)
	}

	var streamServer *transport.TCPServer
	if streamLink != nil {
		streamServer = transport.NewTCPServer(cfg.ARQStreamListen, streamLink)
		if err := streamServer.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("ARQ 流监听启动失败 (继续运行)")
			streamServer = nil
		}
	}

	var wsServer *transport.WebSocketServer
	if cfg.WebSocket.Enabled {
		wsServer = transport.NewWebSocketServer(cfg.WebSocket.Listen, cfg.WebSocket.Path, broadcast.NewWebSocketHandler(registry))
		if err := wsServer.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("WebSocket 启动失败 (继续运行)")
			wsServer = nil
		}
	}

	// 共享定时器与房间倒计时
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mux.Run(gctx) })
	g.Go(func() error { return gameRoom.Run(gctx) })

	printBanner(cfg, udpServer, tcpServer, streamServer, wsServer, metricsServer)

	<-gctx.Done()
	fmt.Println("\n正在关闭...")

	err := g.Wait()

	// 先让会话发出 TERMINATE，再关闭 socket
	mux.Close()
	udpServer.Stop()
	if streamServer != nil {
		streamServer.Stop()
	}
	tcpServer.Stop()
	if wsServer != nil {
		wsServer.Stop()
	}
	registry.Close()
	if metricsServer != nil {
		metricsServer.Stop()
	}

	logger.Info().Dur("uptime", time.Since(startTime).Truncate(time.Second)).Msg("已关闭")
	return err
}

// =============================================================================
// 健康检查
// =============================================================================

// livenessMissedTicks 倒计时连续错过这么多个间隔视为停摆
const livenessMissedTicks = 50

func registerHealth(ms *metrics.MetricsServer, udp *transport.UDPServer, stream *transport.StreamLink, mux *transport.Multiplexer, r *room.Room, reg *broadcast.Registry) {
	ms.SetVersion(Version)

	ms.AddCheck("udp", func() metrics.ComponentHealth {
		if !udp.IsRunning() {
			return metrics.ComponentHealth{Status: metrics.StatusUnhealthy, Message: "not running"}
		}
		return metrics.ComponentHealth{Status: metrics.StatusHealthy, Message: fmt.Sprintf("sessions: %d", mux.Count())}
	})
	if stream != nil {
		ms.AddCheck("arq_stream", func() metrics.ComponentHealth {
			return metrics.ComponentHealth{Status: metrics.StatusHealthy, Message: fmt.Sprintf("conns: %d", stream.Count())}
		})
	}
	ms.AddCheck("room", func() metrics.ComponentHealth {
		if err := r.CheckTicking(livenessMissedTicks); err != nil {
			return metrics.ComponentHealth{Status: metrics.StatusDegraded, Message: err.Error()}
		}
		return metrics.ComponentHealth{
			Status:  metrics.StatusHealthy,
			Message: fmt.Sprintf("countdown: %d, peers: %d", r.Countdown(), len(r.JoinedPeers())),
		}
	})
	ms.AddCheck("broadcast", func() metrics.ComponentHealth {
		return metrics.ComponentHealth{Status: metrics.StatusHealthy, Message: fmt.Sprintf("conns: %d", reg.Count())}
	})

	ms.SetLiveness(func() error { return r.CheckTicking(livenessMissedTicks) })

	ms.SetRoomView(func() metrics.RoomView {
		peers := r.JoinedPeers()
		view := metrics.RoomView{
			Countdown:   r.Countdown(),
			Peers:       make([]string, 0, len(peers)),
			Sessions:    mux.Count(),
			LineClients: reg.Count(),
		}
		for _, id := range peers {
			view.Peers = append(view.Peers, string(id))
		}
		return view
	})
}

// =============================================================================
// 版本和横幅
// =============================================================================

func printVersion() {
	fmt.Printf("ARQ Room Server v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func printBanner(cfg *config.Config, udp *transport.UDPServer, tcp, stream *transport.TCPServer, ws *transport.WebSocketServer, ms *metrics.MetricsServer) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════╗")
	fmt.Printf("║            ARQ Room Server v%-28s ║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  UDP (ARQ):   %-42s ║\n", udp.LocalAddr())
	fmt.Printf("║  TCP (行):    %-42s ║\n", tcp.Addr())
	if stream != nil {
		fmt.Printf("║  TCP (ARQ):   %-42s ║\n", stream.Addr())
	}
	if ws != nil {
		fmt.Printf("║  WebSocket:   %-42s ║\n", fmt.Sprintf("%s%s", ws.Addr(), cfg.WebSocket.Path))
	}
	if ms != nil {
		fmt.Printf("║  Metrics:     %-42s ║\n", cfg.Metrics.Listen+cfg.Metrics.Path)
	}
	fmt.Printf("║  倒计时:      %-42s ║\n", fmt.Sprintf("%d / %dms", cfg.Room.InitialCountdown, cfg.Room.CountdownIntervalMs))
	fmt.Printf("║  窗口:        %-42s ║\n", fmt.Sprintf("snd=%d rcv=%d interval=%dms", cfg.ARQ.SendWindow, cfg.ARQ.RecvWindow, cfg.ARQ.IntervalMs))
	fmt.Println("╚══════════════════════════════════════════════════════════╝")
	fmt.Println()
}
