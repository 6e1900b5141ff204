/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-15
 */
package dcmux

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/pion/datachannel"
)

// ChannelState 数据通道状态
type ChannelState int32

const (
	ChannelStateConnecting ChannelState = iota
	ChannelStateOpen
	ChannelStateClosing
	ChannelStateClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateConnecting:
		return "connecting"
	case ChannelStateOpen:
		return "open"
	case ChannelStateClosing:
		return "closing"
	case ChannelStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelConfig 数据通道配置
// MaxRetransmits 与 MaxPacketLifeTime 都为 nil 时为可靠通道
type ChannelConfig struct {
	Ordered           bool
	MaxRetransmits    *uint16
	MaxPacketLifeTime *uint16 // 毫秒
	Protocol          string
}

// DefaultChannelConfig unordered, maxRetransmits=1
func DefaultChannelConfig() ChannelConfig {
	one := uint16(1)
	return ChannelConfig{Ordered: false, MaxRetransmits: &one}
}

// Reliable 报告通道是否无限重传
func (c ChannelConfig) Reliable() bool {
	return c.MaxRetransmits == nil && c.MaxPacketLifeTime == nil
}

func (c ChannelConfig) channelType() datachannel.ChannelType {
	switch {
	case c.MaxRetransmits != nil && c.Ordered:
		return datachannel.ChannelTypePartialReliableRexmit
	case c.MaxRetransmits != nil:
		return datachannel.ChannelTypePartialReliableRexmitUnordered
	case c.MaxPacketLifeTime != nil && c.Ordered:
		return datachannel.ChannelTypePartialReliableTimed
	case c.MaxPacketLifeTime != nil:
		return datachannel.ChannelTypePartialReliableTimedUnordered
	case c.Ordered:
		return datachannel.ChannelTypeReliable
	default:
		return datachannel.ChannelTypeReliableUnordered
	}
}

func (c ChannelConfig) reliabilityParameter() uint32 {
	switch {
	case c.MaxRetransmits != nil:
		return uint32(*c.MaxRetransmits)
	case c.MaxPacketLifeTime != nil:
		return uint32(*c.MaxPacketLifeTime)
	default:
		return 0
	}
}

// configFromOpen 还原远端 DATA_CHANNEL_OPEN 中的配置
func configFromOpen(open *datachannel.Config) ChannelConfig {
	cfg := ChannelConfig{Protocol: open.Protocol}
	param := uint16(open.ReliabilityParameter)
	switch open.ChannelType {
	case datachannel.ChannelTypeReliable:
		cfg.Ordered = true
	case datachannel.ChannelTypeReliableUnordered:
	case datachannel.ChannelTypePartialReliableRexmit:
		cfg.Ordered = true
		cfg.MaxRetransmits = &param
	case datachannel.ChannelTypePartialReliableRexmitUnordered:
		cfg.MaxRetransmits = &param
	case datachannel.ChannelTypePartialReliableTimed:
		cfg.Ordered = true
		cfg.MaxPacketLifeTime = &param
	case datachannel.ChannelTypePartialReliableTimedUnordered:
		cfg.MaxPacketLifeTime = &param
	default:
		cfg.Ordered = true
	}
	return cfg
}

// Message 收到的消息，Data 归接收方所有
type Message struct {
	IsString bool
	Data     []byte
}

// ChannelStats 通道统计
type ChannelStats struct {
	Label            string `json:"label"`
	ID               uint16 `json:"id"`
	State            string `json:"state"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
	Retransmissions  uint64 `json:"retransmissions"`
	Abandoned        uint64 `json:"abandoned"`
}

// Channel is one bidirectional message stream inside a Mux
type Channel struct {
	mux    *Mux
	id     uint16
	label  string
	config ChannelConfig

	state atomic.Int32

	cbMu      sync.RWMutex
	onOpen    func()
	openFired bool
	onMessage func(Message)
	onClose   func()

	// 以下字段由 mux.mu 保护
	dataSeq uint16
	ctrlSeq uint16
	recv    *receiver

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	retransmissions  atomic.Uint64
	abandoned        atomic.Uint64
}

func newChannel(m *Mux, id uint16, label string, config ChannelConfig) *Channel {
	c := &Channel{
		mux:    m,
		id:     id,
		label:  label,
		config: config,
		recv:   newReceiver(config),
	}
	c.state.Store(int32(ChannelStateConnecting))
	return c
}

// Label returns the channel label
func (c *Channel) Label() string { return c.label }

// ID returns the stream identifier
func (c *Channel) ID() uint16 { return c.id }

// Protocol returns the sub-protocol negotiated in DATA_CHANNEL_OPEN
func (c *Channel) Protocol() string { return c.config.Protocol }

// Ordered reports whether messages are delivered in send order
func (c *Channel) Ordered() bool { return c.config.Ordered }

// MaxRetransmits returns the retransmit limit, nil for reliable channels
func (c *Channel) MaxRetransmits() *uint16 { return c.config.MaxRetransmits }

// State returns the current channel state
func (c *Channel) State() ChannelState {
	return ChannelState(c.state.Load())
}

// OnOpen 通道打开回调；已打开时立即回调
func (c *Channel) OnOpen(fn func()) {
	c.cbMu.Lock()
	c.onOpen = fn
	fire := fn != nil && !c.openFired && c.State() == ChannelStateOpen
	if fire {
		c.openFired = true
	}
	c.cbMu.Unlock()
	if fire {
		fn()
	}
}

// OnMessage 消息回调，同一通道内按到达顺序调用
func (c *Channel) OnMessage(fn func(Message)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onMessage = fn
}

// OnClose 通道关闭回调
func (c *Channel) OnClose(fn func()) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onClose = fn
}

// SendText sends a text message
func (c *Channel) SendText(s string) error {
	ppid := ppidString
	payload := []byte(s)
	if len(payload) == 0 {
		ppid, payload = ppidStringEmpty, []byte{0}
	}
	return c.send(ppid, payload, len(s))
}

// Send sends a binary message
func (c *Channel) Send(b []byte) error {
	ppid := ppidBinary
	payload := b
	if len(payload) == 0 {
		ppid, payload = ppidBinaryEmpty, []byte{0}
	}
	return c.send(ppid, payload, len(b))
}

func (c *Channel) send(ppid ppidType, payload []byte, size int) error {
	if c.State() != ChannelStateOpen {
		return fmt.Errorf("%w: %q is %s", rtcerr.ErrChannelClosed, c.label, c.State())
	}
	if size > c.mux.config.MaxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, size, c.mux.config.MaxMessageSize)
	}
	if err := c.mux.sendData(c, ppid, payload); err != nil {
		return err
	}
	c.messagesSent.Add(1)
	c.bytesSent.Add(uint64(size))
	return nil
}

// Close 重置本地流，远端收到后也进入 Closed
func (c *Channel) Close() error {
	for {
		s := c.State()
		if s == ChannelStateClosing || s == ChannelStateClosed {
			return nil
		}
		if c.state.CompareAndSwap(int32(s), int32(ChannelStateClosing)) {
			break
		}
	}
	return c.mux.resetStream(c)
}

// Stats returns a snapshot of channel counters
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Label:            c.label,
		ID:               c.id,
		State:            c.State().String(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		Retransmissions:  c.retransmissions.Load(),
		Abandoned:        c.abandoned.Load(),
	}
}

// setOpen Connecting -> Open，返回是否发生了迁移
func (c *Channel) setOpen() bool {
	if !c.state.CompareAndSwap(int32(ChannelStateConnecting), int32(ChannelStateOpen)) {
		return false
	}
	c.mux.log.Debug("channel %q (%d) open", c.label, c.id)
	return true
}

// setClosed 任意状态 -> Closed，返回是否发生了迁移
func (c *Channel) setClosed() bool {
	old := ChannelState(c.state.Swap(int32(ChannelStateClosed)))
	return old != ChannelStateClosed
}

// fireOpen 每个通道最多回调一次
func (c *Channel) fireOpen() {
	c.cbMu.Lock()
	fn := c.onOpen
	if fn == nil || c.openFired {
		c.cbMu.Unlock()
		return
	}
	c.openFired = true
	c.cbMu.Unlock()
	fn()
}

func (c *Channel) fireClose() {
	c.cbMu.RLock()
	fn := c.onClose
	c.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Channel) deliver(msg Message) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(len(msg.Data)))

	c.cbMu.RLock()
	fn := c.onMessage
	c.cbMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

// receiver 用户消息的接收排序
//   - unordered: 去重后立即交付
//   - ordered reliable: 按序交付，乱序到达的先缓存
//   - ordered partial reliable: 丢弃过期序号
type receiver struct {
	ordered  bool
	reliable bool
	next     uint16
	pending  map[uint16]Message
	seen     *seqWindow
	ctrlSeen *seqWindow
}

const (
	seenWindowSize    = 1024
	maxPendingPerRecv = 1024
)

func newReceiver(config ChannelConfig) *receiver {
	r := &receiver{
		ordered:  config.Ordered,
		reliable: config.Reliable(),
		ctrlSeen: newSeqWindow(64),
	}
	if r.ordered && r.reliable {
		r.pending = make(map[uint16]Message)
	} else if !r.ordered {
		r.seen = newSeqWindow(seenWindowSize)
	}
	return r
}

// accept 返回本帧之后可以交付的消息
// stored 为 false 表示缓存已满、帧被丢弃，调用方不能确认它，由发送端重传
func (r *receiver) accept(seq uint16, msg Message) (out []Message, stored bool) {
	switch {
	case !r.ordered:
		if !r.seen.add(seq) {
			return nil, true
		}
		return []Message{msg}, true

	case !r.reliable:
		if seqLess(seq, r.next) {
			return nil, true
		}
		r.next = seq + 1
		return []Message{msg}, true

	default:
		if seqLess(seq, r.next) {
			return nil, true
		}
		if seq != r.next {
			if _, ok := r.pending[seq]; ok {
				return nil, true
			}
			if len(r.pending) >= maxPendingPerRecv {
				return nil, false
			}
			r.pending[seq] = msg
			return nil, true
		}
		out = []Message{msg}
		r.next++
		for {
			m, ok := r.pending[r.next]
			if !ok {
				break
			}
			delete(r.pending, r.next)
			out = append(out, m)
			r.next++
		}
		return out, true
	}
}
