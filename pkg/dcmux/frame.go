/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-15
 *
 * 数据通道帧格式
 *
 *  0      1      2..3      4..7   8..9  10..
 * [0x17][kind][stream id][ ppid ][ seq ][payload]
 *
 * 首字节 23 落在 RFC 7983 的 DTLS 区间 (20-63)，与 STUN (0-3) 和 RTP (128-191) 区分
 * DCEP 消息 (ppid 50) 与用户消息使用独立的序号空间
 */
package dcmux

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/datachannel"
	"github.com/pion/sctp"
)

const (
	// FrameMarker 帧首字节
	FrameMarker byte = 23

	headerSize = 10
)

type frameKind byte

const (
	kindData frameKind = iota
	kindAck
	kindReset
)

func (k frameKind) String() string {
	switch k {
	case kindData:
		return "data"
	case kindAck:
		return "ack"
	case kindReset:
		return "reset"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

type ppidType = sctp.PayloadProtocolIdentifier

// PPID
const (
	ppidDCEP        = sctp.PayloadTypeWebRTCDCEP
	ppidString      = sctp.PayloadTypeWebRTCString
	ppidBinary      = sctp.PayloadTypeWebRTCBinary
	ppidStringEmpty = sctp.PayloadTypeWebRTCStringEmpty
	ppidBinaryEmpty = sctp.PayloadTypeWebRTCBinaryEmpty
)

var (
	errShortFrame   = errors.New("dcmux: short frame")
	errNotFrame     = errors.New("dcmux: not a data channel frame")
	errShortDCEP    = errors.New("dcmux: short DCEP message")
	errUnknownDCEP  = errors.New("dcmux: unknown DCEP message type")
	errLabelTooLong = errors.New("dcmux: label or protocol too long")
)

type frame struct {
	kind    frameKind
	stream  uint16
	ppid    ppidType
	seq     uint16
	payload []byte
}

// control 报告帧是否属于 DCEP 序号空间
func (f *frame) control() bool {
	return f.ppid == ppidDCEP
}

func (f *frame) marshal() []byte {
	b := make([]byte, headerSize+len(f.payload))
	b[0] = FrameMarker
	b[1] = byte(f.kind)
	binary.BigEndian.PutUint16(b[2:], f.stream)
	binary.BigEndian.PutUint32(b[4:], uint32(f.ppid))
	binary.BigEndian.PutUint16(b[8:], f.seq)
	copy(b[headerSize:], f.payload)
	return b
}

// unmarshal 解析帧，payload 引用 b
func (f *frame) unmarshal(b []byte) error {
	if len(b) < headerSize {
		return errShortFrame
	}
	if b[0] != FrameMarker {
		return errNotFrame
	}
	f.kind = frameKind(b[1])
	f.stream = binary.BigEndian.Uint16(b[2:])
	f.ppid = ppidType(binary.BigEndian.Uint32(b[4:]))
	f.seq = binary.BigEndian.Uint16(b[8:])
	f.payload = b[headerSize:]
	return nil
}

// IsFrame 报告 b 是否可能是数据通道帧
func IsFrame(b []byte) bool {
	return len(b) >= headerSize && b[0] == FrameMarker
}

// DCEP (RFC 8832)
const (
	dcepAck  byte = 0x02
	dcepOpen byte = 0x03

	dcepOpenHeaderSize = 12
)

// marshalOpen 编码 DATA_CHANNEL_OPEN
func marshalOpen(cfg *datachannel.Config) ([]byte, error) {
	if len(cfg.Label) > 0xffff || len(cfg.Protocol) > 0xffff {
		return nil, errLabelTooLong
	}
	b := make([]byte, dcepOpenHeaderSize+len(cfg.Label)+len(cfg.Protocol))
	b[0] = dcepOpen
	b[1] = byte(cfg.ChannelType)
	binary.BigEndian.PutUint16(b[2:], cfg.Priority)
	binary.BigEndian.PutUint32(b[4:], cfg.ReliabilityParameter)
	binary.BigEndian.PutUint16(b[8:], uint16(len(cfg.Label)))
	binary.BigEndian.PutUint16(b[10:], uint16(len(cfg.Protocol)))
	copy(b[dcepOpenHeaderSize:], cfg.Label)
	copy(b[dcepOpenHeaderSize+len(cfg.Label):], cfg.Protocol)
	return b, nil
}

func unmarshalOpen(b []byte) (*datachannel.Config, error) {
	if len(b) < dcepOpenHeaderSize || b[0] != dcepOpen {
		return nil, errShortDCEP
	}
	labelLen := int(binary.BigEndian.Uint16(b[8:]))
	protoLen := int(binary.BigEndian.Uint16(b[10:]))
	if len(b) < dcepOpenHeaderSize+labelLen+protoLen {
		return nil, fmt.Errorf("%w: label %d protocol %d in %d bytes", errShortDCEP, labelLen, protoLen, len(b))
	}
	rest := b[dcepOpenHeaderSize:]
	return &datachannel.Config{
		ChannelType:          datachannel.ChannelType(b[1]),
		Priority:             binary.BigEndian.Uint16(b[2:]),
		ReliabilityParameter: binary.BigEndian.Uint32(b[4:]),
		Label:                string(rest[:labelLen]),
		Protocol:             string(rest[labelLen : labelLen+protoLen]),
	}, nil
}

// seqLess 序号比较，处理回绕
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// seqWindow 记录最近收到的序号，用于去重
type seqWindow struct {
	seen  map[uint16]struct{}
	order []uint16
	limit int
}

func newSeqWindow(limit int) *seqWindow {
	return &seqWindow{seen: make(map[uint16]struct{}, limit), limit: limit}
}

// add 返回 false 表示序号已经出现过
func (w *seqWindow) add(seq uint16) bool {
	if _, ok := w.seen[seq]; ok {
		return false
	}
	w.seen[seq] = struct{}{}
	w.order = append(w.order, seq)
	if len(w.order) > w.limit {
		delete(w.seen, w.order[0])
		w.order = w.order[1:]
	}
	return true
}
