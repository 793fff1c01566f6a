// =============================================================================
// 文件: cmd/room-client/main.go
// 描述: 房间客户端 - 通过可靠 UDP 会话加入房间并打印收到的消息
// =============================================================================
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/arqroom/internal/config"
	"github.com/mrcgq/arqroom/internal/logging"
	"github.com/mrcgq/arqroom/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// printer 打印服务端下发的每条消息
type printer struct {
	count  int64
	limit  int64
	done   chan struct{}
	closed atomic.Bool
	reason atomic.Value
}

func (p *printer) OnSessionMessage(_ transport.SessionID, msg []byte) {
	n := atomic.AddInt64(&p.count, 1)
	fmt.Printf("Received[%d]: '%s'\n", n, msg)
	if p.limit > 0 && n >= p.limit {
		p.finish(nil)
	}
}

func (p *printer) OnSessionClosed(_ transport.SessionID, reason error) {
	p.finish(reason)
}

func (p *printer) finish(reason error) {
	if p.closed.CompareAndSwap(false, true) {
		if reason != nil {
			p.reason.Store(reason)
		}
		close(p.done)
	}
}

func main() {
	serverAddr := flag.String("s", "127.0.0.1:20202", "服务端地址 (UDP，或 -stream 时为 ARQ 流端口)")
	useStream := flag.Bool("stream", false, "经 TCP 承载 ARQ 段 (服务端需配置 arq_stream_listen)")
	localAddr := flag.String("l", ":0", "本地 UDP 监听地址")
	configPath := flag.String("c", "", "配置文件路径 (读取 arq 段)")
	message := flag.String("m", "JOIN", "首条消息")
	count := flag.Int64("n", 0, "收到 n 条消息后退出 (0 表示不限)")
	timeout := flag.Duration("t", 0, "运行时长上限 (0 表示不限)")
	interactive := flag.Bool("i", false, "从标准输入逐行发送")
	logLevel := flag.String("log-level", "warn", "日志级别")
	showVersion := flag.Bool("v", false, "显示版本")

	flag.Parse()

	if *showVersion {
		fmt.Printf("ARQ Room Client v%s (%s, %s)\n", Version, BuildTime, GitCommit)
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logging.Init(logging.Config{Level: *logLevel, Console: true})
	logger := logging.Component("client")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	p := &printer{limit: *count, done: make(chan struct{})}

	arqCfg := transport.ARQConfigFromConfig(&cfg.ARQ)

	var (
		mux     *transport.Multiplexer
		remote  net.Addr
		local   net.Addr
		cleanup func()
	)
	if *useStream {
		link := transport.NewStreamLink(nil)
		mux = transport.NewMultiplexer(arqCfg, link, p)
		link.SetHandler(mux)

		addr, err := link.Dial(ctx, *serverAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		remote = addr
		cleanup = link.Close
	} else {
		addr, err := net.ResolveUDPAddr("udp", *serverAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "解析服务端地址失败: %v\n", err)
			os.Exit(1)
		}
		udp := transport.NewUDPServer(*localAddr)
		mux = transport.NewMultiplexer(arqCfg, udp, p)
		if err := udp.Start(ctx, mux); err != nil {
			fmt.Fprintf(os.Stderr, "UDP 启动失败: %v\n", err)
			os.Exit(1)
		}
		remote = addr
		local = udp.LocalAddr()
		cleanup = udp.Stop
	}

	id, err := mux.Open(remote)
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开会话失败: %v\n", err)
		os.Exit(1)
	}
	if err := mux.Submit(id, []byte(*message)); err != nil {
		fmt.Fprintf(os.Stderr, "发送失败: %v\n", err)
		os.Exit(1)
	}
	logger.Info().Str("server", remote.String()).Stringer("local", local).Msg("会话已打开")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mux.Run(gctx) })

	if *interactive {
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := mux.Submit(id, []byte(line)); err != nil {
					logger.Warn().Err(err).Msg("发送失败")
					return
				}
			}
		}()
	}

	select {
	case <-gctx.Done():
	case <-p.done:
	}
	stop()
	_ = g.Wait()

	mux.Close()
	cleanup()

	if v := p.reason.Load(); v != nil {
		if err := v.(error); !errors.Is(err, transport.ErrSessionClosed) {
			fmt.Fprintf(os.Stderr, "会话结束: %v\n", err)
			os.Exit(1)
		}
	}
}
