// =============================================================================
// 文件: internal/transport/arq_packet.go
// 描述: ARQ 可靠传输 - 段编解码 (无状态)
// =============================================================================
package transport

import (
	"encoding/binary"
	"fmt"
)

// Command 段类型
type Command uint8

const (
	CmdPush        Command = 81 // 数据
	CmdAck         Command = 82 // 单段确认
	CmdWindowProbe Command = 83 // 询问对端窗口
	CmdWindowAck   Command = 84 // 通告本端窗口
	CmdTerminate   Command = 85 // 终止会话
)

func (c Command) String() string {
	switch c {
	case CmdPush:
		return "PUSH"
	case CmdAck:
		return "ACK"
	case CmdWindowProbe:
		return "WINDOW_PROBE"
	case CmdWindowAck:
		return "WINDOW_ACK"
	case CmdTerminate:
		return "TERMINATE"
	}
	return fmt.Sprintf("CMD(%d)", uint8(c))
}

// Valid 是否为已知命令
func (c Command) Valid() bool {
	return c >= CmdPush && c <= CmdTerminate
}

// Segment ARQ 段
//
// 线上格式 (大端):
//
//	Conv(4) Cmd(1) Frg(1) Wnd(2) Ts(4) Sn(4) Una(4) Data(...)
//
// 负载长度由数据报边界隐含，不单独编码。
type Segment struct {
	Conv uint32  // 会话号
	Cmd  Command // 段类型
	Frg  uint8   // 分片倒计数，0 表示消息最后一片
	Wnd  uint16  // 发送方剩余接收窗口
	Ts   uint32  // 发送方时间戳 (ms)；ACK 中回显被确认段的时间戳
	Sn   uint32  // 序列号
	Una  uint32  // 累计确认水位: 小于 Una 的段均已收到
	Data []byte  // 有效载荷
}

// Size 编码后长度
func (s *Segment) Size() int {
	return SegmentHeaderSize + len(s.Data)
}

// EncodeTo 编码到 buf，返回写入字节数；buf 长度不足时返回 0
func (s *Segment) EncodeTo(buf []byte) int {
	n := s.Size()
	if len(buf) < n {
		return 0
	}
	binary.BigEndian.PutUint32(buf[0:4], s.Conv)
	buf[4] = byte(s.Cmd)
	buf[5] = s.Frg
	binary.BigEndian.PutUint16(buf[6:8], s.Wnd)
	binary.BigEndian.PutUint32(buf[8:12], s.Ts)
	binary.BigEndian.PutUint32(buf[12:16], s.Sn)
	binary.BigEndian.PutUint32(buf[16:20], s.Una)
	copy(buf[SegmentHeaderSize:], s.Data)
	return n
}

// Encode 编码段
func (s *Segment) Encode() []byte {
	buf := make([]byte, s.Size())
	s.EncodeTo(buf)
	return buf
}

// DecodeSegment 解码段，Data 为独立副本
func DecodeSegment(data []byte) (*Segment, error) {
	if len(data) < SegmentHeaderSize {
		return nil, fmt.Errorf("%w: 包头不完整 (%d < %d)", ErrMalformedSegment, len(data), SegmentHeaderSize)
	}

	s := &Segment{
		Conv: binary.BigEndian.Uint32(data[0:4]),
		Cmd:  Command(data[4]),
		Frg:  data[5],
		Wnd:  binary.BigEndian.Uint16(data[6:8]),
		Ts:   binary.BigEndian.Uint32(data[8:12]),
		Sn:   binary.BigEndian.Uint32(data[12:16]),
		Una:  binary.BigEndian.Uint32(data[16:20]),
	}

	if !s.Cmd.Valid() {
		return nil, fmt.Errorf("%w: 未知命令 %d", ErrMalformedSegment, uint8(s.Cmd))
	}

	payload := data[SegmentHeaderSize:]
	if len(payload) > MaxSegmentPayload {
		return nil, fmt.Errorf("%w: 负载过大 (%d > %d)", ErrMalformedSegment, len(payload), MaxSegmentPayload)
	}

	if s.Cmd != CmdPush {
		if len(payload) > 0 || s.Frg != 0 {
			return nil, fmt.Errorf("%w: %s 不应携带负载或分片", ErrMalformedSegment, s.Cmd)
		}
		return s, nil
	}

	// 非末片必须携带数据，否则分片计数无法对应负载
	if s.Frg > 0 && len(payload) == 0 {
		return nil, fmt.Errorf("%w: 分片 %d 负载为空", ErrMalformedSegment, s.Frg)
	}

	if len(payload) > 0 {
		s.Data = make([]byte, len(payload))
		copy(s.Data, payload)
	}
	return s, nil
}

// =============================================================================
// 控制段构造
// =============================================================================

// newAckSegment 单段确认，回显原段时间戳
func newAckSegment(conv, sn, ts, una uint32, wnd uint16) *Segment {
	return &Segment{Conv: conv, Cmd: CmdAck, Sn: sn, Ts: ts, Una: una, Wnd: wnd}
}

func newControlSegment(conv uint32, cmd Command, ts, una uint32, wnd uint16) *Segment {
	return &Segment{Conv: conv, Cmd: cmd, Ts: ts, Una: una, Wnd: wnd}
}
