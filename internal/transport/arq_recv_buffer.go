// =============================================================================
// 文件: internal/transport/arq_recv_buffer.go
// 描述: ARQ 可靠传输 - 接收缓冲区 (乱序缓存 + 有序队列 + 分片重组)
// =============================================================================
package transport

import "errors"

var errOutOfWindow = errors.New("超出接收窗口")

// recvBuffer 接收缓冲区
// 不加锁，调用方持有会话锁
type recvBuffer struct {
	wnd     int
	next    uint32              // 下一个期望的序号
	pending map[uint32]*Segment // 已收到但尚未连续的段
	ready   []*Segment          // 已按序到达、等待重组的段
}

func newRecvBuffer(wnd int) *recvBuffer {
	return &recvBuffer{
		wnd:     wnd,
		pending: make(map[uint32]*Segment),
	}
}

// insert 接收 PUSH 段
// 已交付或已缓存返回 ErrDuplicateSegment，超出窗口返回 errOutOfWindow
func (b *recvBuffer) insert(seg *Segment) error {
	if seqBefore(seg.Sn, b.next) {
		return ErrDuplicateSegment
	}
	if timeDiff(seg.Sn, b.next) >= int32(b.wnd) {
		return errOutOfWindow
	}
	if _, ok := b.pending[seg.Sn]; ok {
		return ErrDuplicateSegment
	}
	b.pending[seg.Sn] = seg
	b.drain()
	return nil
}

// drain 把连续的段移入有序队列，有序队列不超过窗口
func (b *recvBuffer) drain() {
	for len(b.ready) < b.wnd {
		seg, ok := b.pending[b.next]
		if !ok {
			return
		}
		delete(b.pending, b.next)
		b.ready = append(b.ready, seg)
		b.next++
	}
}

// popMessage 取出一条完整消息 (队首直到 Frg==0 的各片)
func (b *recvBuffer) popMessage() ([]byte, bool) {
	end := -1
	size := 0
	for i, seg := range b.ready {
		size += len(seg.Data)
		if seg.Frg == 0 {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, false
	}

	msg := make([]byte, 0, size)
	for _, seg := range b.ready[:end+1] {
		msg = append(msg, seg.Data...)
	}
	b.ready = b.ready[end+1:]
	b.drain()
	return msg, true
}

// window 可通告给对端的剩余窗口
func (b *recvBuffer) window() int {
	w := b.wnd - len(b.ready)
	if w < 0 {
		return 0
	}
	return w
}

func (b *recvBuffer) nextSn() uint32 {
	return b.next
}

func (b *recvBuffer) clear() {
	b.pending = make(map[uint32]*Segment)
	b.ready = nil
}
