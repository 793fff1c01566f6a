// =============================================================================
// 文件: internal/transport/arq_send_buffer.go
// 描述: ARQ 可靠传输 - 重传队列 (按序号有序的在途段)
// =============================================================================
package transport

// inflightSegment 在途段
type inflightSegment struct {
	seg      *Segment
	firstTs  uint32 // 首次发送时间，作为该段唯一的 RTT 采样基准
	resendAt uint32 // 下次超时重传时间
	rto      uint32 // 该段当前超时值 (随重传指数退避)
	xmit     uint32 // 发送次数
	fastAck  uint32 // 被后续段的确认跳过的次数
}

// sendBuffer 重传队列
// 不加锁，调用方持有会话锁
type sendBuffer struct {
	entries []*inflightSegment
}

func (b *sendBuffer) len() int {
	return len(b.entries)
}

// push 追加在途段，sn 必须大于队尾
func (b *sendBuffer) push(e *inflightSegment) {
	b.entries = append(b.entries, e)
}

// firstSn 最小未确认序号
func (b *sendBuffer) firstSn() (uint32, bool) {
	if len(b.entries) == 0 {
		return 0, false
	}
	return b.entries[0].seg.Sn, true
}

// ackUna 移除所有 sn < una 的段，返回被移除的段
func (b *sendBuffer) ackUna(una uint32) []*inflightSegment {
	n := 0
	for n < len(b.entries) && seqBefore(b.entries[n].seg.Sn, una) {
		n++
	}
	if n == 0 {
		return nil
	}
	removed := make([]*inflightSegment, n)
	copy(removed, b.entries[:n])
	b.entries = b.entries[n:]
	return removed
}

// ackSn 移除指定序号的段；已不存在时返回 nil
func (b *sendBuffer) ackSn(sn uint32) *inflightSegment {
	lo, hi := 0, len(b.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if seqBefore(b.entries[mid].seg.Sn, sn) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(b.entries) || b.entries[lo].seg.Sn != sn {
		return nil
	}
	e := b.entries[lo]
	b.entries = append(b.entries[:lo], b.entries[lo+1:]...)
	return e
}

// bumpFastAck 序号小于 sn 的段被跳过一次
func (b *sendBuffer) bumpFastAck(sn uint32) {
	for _, e := range b.entries {
		if !seqBefore(e.seg.Sn, sn) {
			break
		}
		e.fastAck++
	}
}

// maxXmit 队列中最大发送次数
func (b *sendBuffer) maxXmit() uint32 {
	var m uint32
	for _, e := range b.entries {
		if e.xmit > m {
			m = e.xmit
		}
	}
	return m
}

func (b *sendBuffer) clear() {
	b.entries = nil
}
