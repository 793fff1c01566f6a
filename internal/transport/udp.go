// =============================================================================
// 文件: internal/transport/udp.go
// 描述: UDP 数据报服务器 - 单读循环 + 按地址哈希的保序 worker
//       同一对端的数据报总在同一 worker 上按到达顺序处理，不同对端并行
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/arqroom/internal/logging"
	"github.com/mrcgq/arqroom/internal/metrics"
)

// =============================================================================
// 常量定义
// =============================================================================

const (
	// 缓冲区配置
	defaultSocketBufferSize = 4 * 1024 * 1024
	minSocketBufferSize     = 256 * 1024

	// Worker 配置
	defaultWorkerQueueSize = 4096
	minWorkers             = 4
	maxWorkers             = 64

	readBufferSize = 64 * 1024
)

// DatagramHandler 入站数据报处理接口，Multiplexer 即满足
type DatagramHandler interface {
	HandleDatagram(from net.Addr, data []byte)
}

// packetTask 数据包任务
type packetTask struct {
	data []byte
	addr *net.UDPAddr
}

// UDPServer UDP 服务器，同时作为多路复用器的 OutboundSink
type UDPServer struct {
	addr    string
	handler DatagramHandler
	logger  zerolog.Logger
	metrics *metrics.RoomMetrics

	conn   *net.UDPConn
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Worker 池
	workers   int
	workerChs []chan *packetTask
	workerWg  sync.WaitGroup

	running int32

	mu sync.RWMutex
}

// linkUDP 链路指标标签
const linkUDP = "udp"

// NewUDPServer 创建 UDP 服务器
func NewUDPServer(addr string) *UDPServer {
	workers := runtime.NumCPU() * 2
	if workers < minWorkers {
		workers = minWorkers
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}

	return &UDPServer{
		addr:    addr,
		logger:  logging.Component("udp"),
		workers: workers,
		stopCh:  make(chan struct{}),
	}
}

// SetMetrics 设置指标
func (s *UDPServer) SetMetrics(m *metrics.RoomMetrics) {
	s.metrics = m
}

// =============================================================================
// 启动与运行
// =============================================================================

// Start 启动服务器，入站数据报交给 handler
func (s *UDPServer) Start(ctx context.Context, handler DatagramHandler) error {
	if handler == nil {
		return errors.New("handler 不能为空")
	}

	addr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("解析地址: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.handler = handler
	s.mu.Unlock()

	rcv := tuneSocketBuffer(conn.SetReadBuffer)
	snd := tuneSocketBuffer(conn.SetWriteBuffer)

	s.workerChs = make([]chan *packetTask, s.workers)
	for i := 0; i < s.workers; i++ {
		s.workerChs[i] = make(chan *packetTask, defaultWorkerQueueSize)
		s.workerWg.Add(1)
		go s.orderedWorker(i)
	}

	atomic.StoreInt32(&s.running, 1)

	s.wg.Add(1)
	go s.readLoop(ctx)

	s.logger.Info().
		Str("addr", conn.LocalAddr().String()).
		Int("workers", s.workers).
		Int("rcvbuf", rcv).
		Int("sndbuf", snd).
		Msg("UDP 服务器已启动")
	return nil
}

// tuneSocketBuffer 从默认大小开始逐级减半，返回设置成功的大小 (0 表示沿用系统值)
func tuneSocketBuffer(set func(int) error) int {
	for size := defaultSocketBufferSize; size >= minSocketBufferSize; size /= 2 {
		if set(size) == nil {
			return size
		}
	}
	return 0
}

// readLoop 读取循环
func (s *UDPServer) readLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, readBufferSize)

	for atomic.LoadInt32(&s.running) == 1 {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug().Err(err).Msg("读取失败")
				continue
			}
		}

		if n == 0 {
			continue
		}
		s.metrics.LinkReceived(linkUDP, n)
		s.enqueue(addr, append([]byte(nil), buf[:n]...))
	}
}

// enqueue 按对端地址选定 worker，队列满时丢弃 (ARQ 会重传)
func (s *UDPServer) enqueue(addr *net.UDPAddr, data []byte) {
	select {
	case s.workerChs[s.workerFor(addr)] <- &packetTask{data: data, addr: addr}:
	default:
		s.metrics.DatagramDropped("queue_full")
	}
}

// orderedWorker 保序处理 worker
func (s *UDPServer) orderedWorker(idx int) {
	defer s.workerWg.Done()

	for task := range s.workerChs[idx] {
		s.handler.HandleDatagram(task.addr, task.data)
	}
}

// =============================================================================
// 发送
// =============================================================================

// WriteTo 发送一个数据报
func (s *UDPServer) WriteTo(p []byte, addr net.Addr) (int, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return 0, errors.New("连接未初始化")
	}

	n, err := conn.WriteTo(p, addr)
	if err != nil {
		return n, err
	}
	s.metrics.LinkSent(linkUDP, n)
	return n, nil
}

// =============================================================================
// 辅助方法
// =============================================================================

// workerFor 同一 ip:port 总映射到同一 worker
func (s *UDPServer) workerFor(addr *net.UDPAddr) int {
	h := fnv.New32a()
	_, _ = h.Write(addr.IP.To16())
	_, _ = h.Write([]byte{byte(addr.Port >> 8), byte(addr.Port)})
	return int(h.Sum32() % uint32(s.workers))
}

// LocalAddr 实际监听地址
func (s *UDPServer) LocalAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// IsRunning 是否运行中
func (s *UDPServer) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// Stop 停止服务器
func (s *UDPServer) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}

	close(s.stopCh)

	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()

	for _, ch := range s.workerChs {
		close(ch)
	}
	s.workerWg.Wait()

	s.logger.Info().Msg("UDP 服务器已停止")
}
