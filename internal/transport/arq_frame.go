// =============================================================================
// 文件: internal/transport/arq_frame.go
// 描述: 流式传输上的段分帧 - 2 字节大端长度前缀
// =============================================================================
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxFrameSize 单帧上限，恰好容纳一个最大段
const MaxFrameSize = SegmentHeaderSize + MaxSegmentPayload

// SegmentReader 从字节流读取带长度前缀的段
type SegmentReader struct {
	r       io.Reader
	timeout time.Duration
	lenBuf  [2]byte
}

// NewSegmentReader 创建段读取器，timeout 仅在 r 为 net.Conn 时生效
func NewSegmentReader(r io.Reader, timeout time.Duration) *SegmentReader {
	return &SegmentReader{r: r, timeout: timeout}
}

// ReadFrame 读取一帧原始段字节 (未解码)
// 长度非法返回 ErrMalformedSegment，此后流已失步，调用方应断开
func (sr *SegmentReader) ReadFrame() ([]byte, error) {
	if conn, ok := sr.r.(net.Conn); ok && sr.timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(sr.timeout))
	}

	if _, err := io.ReadFull(sr.r, sr.lenBuf[:]); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(sr.lenBuf[:]))
	if length < SegmentHeaderSize || length > MaxFrameSize {
		return nil, fmt.Errorf("%w: 无效帧长度 %d", ErrMalformedSegment, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(sr.r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// ReadSegment 读取并解码一段
func (sr *SegmentReader) ReadSegment() (*Segment, error) {
	data, err := sr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeSegment(data)
}

// WriteFrame 写入一帧已编码的段，前缀与数据在一次 Write 中发出
func WriteFrame(w io.Writer, p []byte) error {
	if len(p) < SegmentHeaderSize || len(p) > MaxFrameSize {
		return fmt.Errorf("帧长度非法: %d (允许 %d..%d)", len(p), SegmentHeaderSize, MaxFrameSize)
	}

	buf := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(p)))
	copy(buf[2:], p)

	_, err := w.Write(buf)
	return err
}

// WriteSegmentFrame 编码并写入一段
func WriteSegmentFrame(w io.Writer, seg *Segment) error {
	if seg.Size() > MaxFrameSize {
		return fmt.Errorf("帧数据过大: %d > %d", seg.Size(), MaxFrameSize)
	}
	return WriteFrame(w, seg.Encode())
}
