/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-15
 *
 * DataChannelMux - 在已建立的传输上复用多个消息流
 * 通道通过 DCEP OPEN/ACK 协商；可靠性由逐消息确认与重传实现
 */
package dcmux

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/maiguangyang/peer_core/pkg/utils"
	"github.com/pion/datachannel"
)

// ErrMessageTooLarge 消息超过 MaxMessageSize
var ErrMessageTooLarge = errors.New("dcmux: message too large")

// Transport carries mux frames to the remote peer.
// *iceagent.Agent satisfies it once a candidate pair is selected.
type Transport interface {
	Send(b []byte) (int, error)
}

// Config 复用器配置
type Config struct {
	// 单条消息最大字节数，须装入一个 UDP 数据报
	MaxMessageSize int
	// 未确认帧的重传间隔
	RetransmitInterval time.Duration
	// reset 帧最多发送次数
	MaxResetSends int
	Logger        *utils.Logger
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:     16 * 1024,
		RetransmitInterval: 200 * time.Millisecond,
		MaxResetSends:      5,
	}
}

const maxQueuedFrames = 256

type pendingKey struct {
	stream uint16
	ctrl   bool
	seq    uint16
}

// pending 等待对端确认的帧
type pending struct {
	ch       *Channel
	raw      []byte
	first    time.Time
	sent     time.Time
	sends    int
	maxSends int           // 0 表示不限
	lifetime time.Duration // 0 表示不限
	done     func()        // 确认或放弃时调用
}

// Mux multiplexes data channels over one Transport
type Mux struct {
	mu     sync.Mutex
	config Config
	log    *utils.Logger

	transport Transport
	nextID    uint16

	channels    map[uint16]*Channel
	outstanding map[pendingKey]*pending
	queued      [][]byte

	onDataChannel func(*Channel)

	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMux creates a mux that is not yet attached to a transport
func NewMux(config Config) *Mux {
	def := DefaultConfig()
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	if config.RetransmitInterval <= 0 {
		config.RetransmitInterval = def.RetransmitInterval
	}
	if config.MaxResetSends <= 0 {
		config.MaxResetSends = def.MaxResetSends
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Mux{
		config:      config,
		log:         logger.Named("dcmux"),
		channels:    make(map[uint16]*Channel),
		outstanding: make(map[pendingKey]*pending),
		stopCh:      make(chan struct{}),
	}
}

// Attach 绑定已建立的传输
// odd 为 true 时本端分配奇数流 ID (offerer)，否则偶数
func (m *Mux) Attach(t Transport, odd bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return rtcerr.ErrClosed
	}
	if m.transport != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: transport already attached", rtcerr.ErrInvalidState)
	}
	m.transport = t
	if odd {
		m.nextID = 1
	} else {
		m.nextID = 0
	}
	queued := m.queued
	m.queued = nil

	m.wg.Add(1)
	go m.retransmitLoop()
	m.mu.Unlock()

	for _, raw := range queued {
		m.write(t, raw)
	}
	return nil
}

// OnDataChannel 远端创建通道回调
func (m *Mux) OnDataChannel(fn func(*Channel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDataChannel = fn
}

// CreateChannel 创建通道并发送 DATA_CHANNEL_OPEN，收到 ACK 后进入 Open
func (m *Mux) CreateChannel(label string, config ChannelConfig) (*Channel, error) {
	open := &datachannel.Config{
		ChannelType:          config.channelType(),
		Priority:             datachannel.ChannelPriorityNormal,
		ReliabilityParameter: config.reliabilityParameter(),
		Label:                label,
		Protocol:             config.Protocol,
	}
	payload, err := marshalOpen(open)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, rtcerr.ErrClosed
	}
	if m.transport == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: transport not established", rtcerr.ErrInvalidState)
	}
	id, err := m.allocateIDLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	ch := newChannel(m, id, label, config)
	m.channels[id] = ch
	raw := m.trackControlLocked(ch, kindData, payload, 0, nil)
	t := m.transport
	m.mu.Unlock()

	m.log.Debug("create channel %q id=%d type=%s", label, id, open.ChannelType)
	m.write(t, raw)
	return ch, nil
}

func (m *Mux) allocateIDLocked() (uint16, error) {
	for id := m.nextID; id < 0xffff; id += 2 {
		if _, used := m.channels[id]; !used {
			m.nextID = id + 2
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: stream ids exhausted", rtcerr.ErrInvalidState)
}

// Channels returns every channel that is not closed
func (m *Mux) Channels() []*Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// Stats returns per-channel counters
func (m *Mux) Stats() []ChannelStats {
	chans := m.Channels()
	out := make([]ChannelStats, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch.Stats())
	}
	return out
}

// trackControlLocked 发送 DCEP / reset 帧，一直重传到确认或 maxSends
func (m *Mux) trackControlLocked(ch *Channel, kind frameKind, payload []byte, maxSends int, done func()) []byte {
	seq := ch.ctrlSeq
	ch.ctrlSeq++
	raw := (&frame{kind: kind, stream: ch.id, ppid: ppidDCEP, seq: seq, payload: payload}).marshal()
	now := time.Now()
	m.outstanding[pendingKey{ch.id, true, seq}] = &pending{
		ch:       ch,
		raw:      raw,
		first:    now,
		sent:     now,
		sends:    1,
		maxSends: maxSends,
		done:     done,
	}
	return raw
}

// sendData 发送用户消息
func (m *Mux) sendData(ch *Channel, ppid ppidType, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: mux closed", rtcerr.ErrChannelClosed)
	}
	seq := ch.dataSeq
	ch.dataSeq++
	raw := (&frame{kind: kindData, stream: ch.id, ppid: ppid, seq: seq, payload: payload}).marshal()

	maxSends, lifetime, track := 0, time.Duration(0), true
	switch {
	case ch.config.MaxRetransmits != nil:
		maxSends = 1 + int(*ch.config.MaxRetransmits)
		track = maxSends > 1
	case ch.config.MaxPacketLifeTime != nil:
		lifetime = time.Duration(*ch.config.MaxPacketLifeTime) * time.Millisecond
		track = lifetime > 0
	}
	if track {
		now := time.Now()
		m.outstanding[pendingKey{ch.id, false, seq}] = &pending{
			ch:       ch,
			raw:      raw,
			first:    now,
			sent:     now,
			sends:    1,
			maxSends: maxSends,
			lifetime: lifetime,
		}
	}
	t := m.transport
	m.mu.Unlock()

	if _, err := t.Send(raw); err != nil {
		return fmt.Errorf("dcmux send: %w", err)
	}
	return nil
}

// resetStream 发送 reset，确认或放弃后通道进入 Closed
func (m *Mux) resetStream(ch *Channel) error {
	m.mu.Lock()
	if m.closed || m.transport == nil {
		m.mu.Unlock()
		m.finishClose(ch)
		return nil
	}
	raw := m.trackControlLocked(ch, kindReset, nil, m.config.MaxResetSends, func() { m.finishClose(ch) })
	t := m.transport
	m.mu.Unlock()

	m.write(t, raw)
	return nil
}

// finishClose 移除通道及其未确认帧
func (m *Mux) finishClose(ch *Channel) {
	m.mu.Lock()
	if cur, ok := m.channels[ch.id]; ok && cur == ch {
		delete(m.channels, ch.id)
	}
	for key, p := range m.outstanding {
		if p.ch == ch {
			delete(m.outstanding, key)
		}
	}
	m.mu.Unlock()

	if ch.setClosed() {
		m.log.Debug("channel %q (%d) closed", ch.label, ch.id)
		ch.fireClose()
	}
}

// HandlePacket 处理一个收到的帧，b 只在调用期间有效
func (m *Mux) HandlePacket(b []byte) error {
	var f frame
	if err := f.unmarshal(b); err != nil {
		return err
	}

	switch f.kind {
	case kindAck:
		m.handleAck(&f)
	case kindData:
		if f.control() {
			m.handleControl(&f)
		} else {
			m.handleData(&f)
		}
	case kindReset:
		m.handleReset(&f)
	default:
		return fmt.Errorf("dcmux: unknown frame %s", f.kind)
	}
	return nil
}

func ackFor(f *frame) []byte {
	return (&frame{kind: kindAck, stream: f.stream, ppid: f.ppid, seq: f.seq}).marshal()
}

func (m *Mux) handleAck(f *frame) {
	key := pendingKey{f.stream, f.control(), f.seq}
	m.mu.Lock()
	p, ok := m.outstanding[key]
	if ok {
		delete(m.outstanding, key)
	}
	m.mu.Unlock()

	if ok && p.done != nil {
		p.done()
	}
}

// handleControl 处理 DCEP 消息
func (m *Mux) handleControl(f *frame) {
	if len(f.payload) == 0 {
		return
	}

	var (
		ch       *Channel
		created  bool
		opened   bool
		frames   [][]byte
		onRemote func(*Channel)
	)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	frames = append(frames, ackFor(f))
	ch = m.channels[f.stream]

	switch {
	case ch == nil && f.payload[0] == dcepOpen:
		open, err := unmarshalOpen(f.payload)
		if err != nil {
			m.mu.Unlock()
			m.log.Warn("bad DATA_CHANNEL_OPEN on stream %d: %v", f.stream, err)
			return
		}
		ch = newChannel(m, f.stream, open.Label, configFromOpen(open))
		ch.recv.ctrlSeen.add(f.seq)
		ch.state.Store(int32(ChannelStateOpen))
		m.channels[f.stream] = ch
		frames = append(frames, m.trackControlLocked(ch, kindData, []byte{dcepAck}, 0, nil))
		created = true
		onRemote = m.onDataChannel
		m.log.Debug("remote channel %q id=%d type=%s", open.Label, f.stream, open.ChannelType)

	case ch == nil:
		// 已关闭通道的迟到消息，只回确认

	case !ch.recv.ctrlSeen.add(f.seq):
		// 重复帧，确认可能丢失

	case f.payload[0] == dcepAck:
		opened = ch.setOpen()

	case f.payload[0] == dcepOpen:
		m.log.Warn("DATA_CHANNEL_OPEN on existing stream %d ignored", f.stream)

	default:
		m.log.Debug("%v 0x%02x on stream %d", errUnknownDCEP, f.payload[0], f.stream)
	}
	t := m.transport
	if t == nil {
		m.queueLocked(frames)
		frames = nil
	}
	m.mu.Unlock()

	for _, raw := range frames {
		m.write(t, raw)
	}
	if created && onRemote != nil {
		onRemote(ch)
	}
	if opened {
		ch.fireOpen()
	}
}

// handleData 处理用户消息
func (m *Mux) handleData(f *frame) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	ch := m.channels[f.stream]
	if ch == nil {
		m.mu.Unlock()
		return
	}
	ack := ackFor(f)

	msg := Message{IsString: f.ppid == ppidString || f.ppid == ppidStringEmpty}
	switch f.ppid {
	case ppidStringEmpty, ppidBinaryEmpty:
		msg.Data = []byte{}
	default:
		msg.Data = append([]byte(nil), f.payload...)
	}

	var msgs []Message
	stored := true
	if ch.State() != ChannelStateClosed {
		msgs, stored = ch.recv.accept(f.seq, msg)
	}
	// 先于 ACK 到达的数据视为通道已打开
	opened := len(msgs) > 0 && ch.setOpen()

	t := m.transport
	if !stored {
		m.mu.Unlock()
		m.log.Debug("stream %d receive buffer full, seq %d left for retransmit", f.stream, f.seq)
		return
	}
	if t == nil {
		m.queueLocked([][]byte{ack})
	}
	m.mu.Unlock()

	if t != nil {
		m.write(t, ack)
	}
	if opened {
		ch.fireOpen()
	}
	for _, msg := range msgs {
		ch.deliver(msg)
	}
}

func (m *Mux) handleReset(f *frame) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	ack := ackFor(f)
	ch := m.channels[f.stream]
	fresh := ch != nil && ch.recv.ctrlSeen.add(f.seq)
	t := m.transport
	if t == nil {
		m.queueLocked([][]byte{ack})
	}
	m.mu.Unlock()

	if t != nil {
		m.write(t, ack)
	}
	if fresh {
		m.log.Debug("remote reset stream %d", f.stream)
		m.finishClose(ch)
	}
}

func (m *Mux) queueLocked(frames [][]byte) {
	for _, raw := range frames {
		if len(m.queued) >= maxQueuedFrames {
			m.log.Warn("drop frame queued before transport attach")
			return
		}
		m.queued = append(m.queued, raw)
	}
}

func (m *Mux) write(t Transport, raw []byte) {
	if _, err := t.Send(raw); err != nil {
		m.log.Debug("write frame: %v", err)
	}
}

func (m *Mux) retransmitLoop() {
	defer m.wg.Done()

	interval := m.config.RetransmitInterval / 2
	if interval <= 0 {
		interval = m.config.RetransmitInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.retransmit(now)
		}
	}
}

func (m *Mux) retransmit(now time.Time) {
	var (
		resend  [][]byte
		dropped []func()
	)

	m.mu.Lock()
	t := m.transport
	for key, p := range m.outstanding {
		expired := p.lifetime > 0 && now.Sub(p.first) >= p.lifetime
		if now.Sub(p.sent) < m.config.RetransmitInterval && !expired {
			continue
		}
		if expired || (p.maxSends > 0 && p.sends >= p.maxSends) {
			delete(m.outstanding, key)
			if !key.ctrl {
				p.ch.abandoned.Add(1)
			}
			if p.done != nil {
				dropped = append(dropped, p.done)
			}
			continue
		}
		p.sends++
		p.sent = now
		if !key.ctrl {
			p.ch.retransmissions.Add(1)
		}
		resend = append(resend, p.raw)
	}
	m.mu.Unlock()

	for _, raw := range resend {
		m.write(t, raw)
	}
	for _, fn := range dropped {
		fn()
	}
}

// Close 关闭所有通道，尽力通知对端
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	chans := make([]*Channel, 0, len(m.channels))
	resets := make([][]byte, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
		if ch.State() != ChannelStateClosed {
			resets = append(resets, (&frame{kind: kindReset, stream: ch.id, ppid: ppidDCEP, seq: ch.ctrlSeq}).marshal())
		}
	}
	m.channels = make(map[uint16]*Channel)
	m.outstanding = make(map[pendingKey]*pending)
	m.queued = nil
	t := m.transport
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if t != nil {
		for _, raw := range resets {
			m.write(t, raw)
		}
	}
	for _, ch := range chans {
		if ch.setClosed() {
			ch.fireClose()
		}
	}
	return nil
}
