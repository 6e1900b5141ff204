/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-16
 *
 * MediaPipeline - 原始视频帧的 RTP 传输
 * 发送端：帧描述头 + 像素数据，按 MTU 切分为 RTP 包，最后一个包带 marker
 * 接收端：抖动缓冲按序号重排，按 timestamp/marker 重组为帧
 */
package media

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/maiguangyang/peer_core/pkg/utils"
	"github.com/pion/randutil"
	"github.com/pion/rtp"
)

// Transport carries RTP packets to the remote peer
type Transport interface {
	Send(b []byte) (int, error)
}

// Pipeline is the media collaborator of a peer connection
type Pipeline interface {
	// SendFrame 发送一帧，f.Data 在返回后可以复用
	SendFrame(f Frame) error
	// OnRemoteFrame 远端帧回调，Frame.Data 只在回调期间有效
	OnRemoteFrame(fn func(Frame))
	SetAudioEnabled(enabled bool)
	AudioEnabled() bool
	Close() error
}

// RTPConfig RTP 管线配置
type RTPConfig struct {
	MTU         uint16
	PayloadType uint8
	ClockRate   uint32
	Jitter      JitterBufferConfig
	Logger      *utils.Logger
}

// DefaultRTPConfig 返回默认配置
func DefaultRTPConfig() RTPConfig {
	return RTPConfig{
		MTU:         1200,
		PayloadType: 97,
		ClockRate:   90000,
		Jitter:      DefaultJitterBufferConfig(),
	}
}

const frameHeaderSize = 5

// IsRTP RFC 7983: 128-191 为 RTP/RTCP
func IsRTP(b []byte) bool {
	return len(b) >= 12 && b[0] >= 128 && b[0] <= 191
}

// rawPayloader 按 MTU 切分，不做编码
type rawPayloader struct{}

func (rawPayloader) Payload(mtu uint16, payload []byte) [][]byte {
	if mtu == 0 || len(payload) == 0 {
		return nil
	}
	out := make([][]byte, 0, len(payload)/int(mtu)+1)
	for len(payload) > 0 {
		n := min(int(mtu), len(payload))
		out = append(out, append([]byte(nil), payload[:n]...))
		payload = payload[n:]
	}
	return out
}

// PipelineStats 管线统计
type PipelineStats struct {
	FramesSent      uint64            `json:"frames_sent"`
	FramesReceived  uint64            `json:"frames_received"`
	FramesDropped   uint64            `json:"frames_dropped"`
	PacketsSent     uint64            `json:"packets_sent"`
	PacketsReceived uint64            `json:"packets_received"`
	BytesSent       uint64            `json:"bytes_sent"`
	BytesReceived   uint64            `json:"bytes_received"`
	AudioEnabled    bool              `json:"audio_enabled"`
	Jitter          JitterBufferStats `json:"jitter"`
}

// RTPPipeline sends and receives raw frames as RTP over a Transport
type RTPPipeline struct {
	mu     sync.Mutex
	config RTPConfig
	log    *utils.Logger

	transport  Transport
	packetizer rtp.Packetizer
	lastSend   time.Time

	jitter   *JitterBuffer
	onRemote atomic.Value // func(Frame)
	audio    atomic.Bool

	closed bool
	wg     sync.WaitGroup

	framesSent      atomic.Uint64
	framesReceived  atomic.Uint64
	framesDropped   atomic.Uint64
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
}

// NewRTPPipeline 创建管线并启动接收重组
func NewRTPPipeline(config RTPConfig) (*RTPPipeline, error) {
	def := DefaultRTPConfig()
	if config.MTU == 0 {
		config.MTU = def.MTU
	}
	if config.PayloadType == 0 {
		config.PayloadType = def.PayloadType
	}
	if config.ClockRate == 0 {
		config.ClockRate = def.ClockRate
	}
	if config.Jitter.MaxPackets == 0 {
		config.Jitter = def.Jitter
	}
	config.Jitter.ClockRate = config.ClockRate

	ssrc, err := randutil.CryptoUint64()
	if err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}

	p := &RTPPipeline{
		config: config,
		log:    logger.Named("media"),
		packetizer: rtp.NewPacketizer(
			config.MTU,
			config.PayloadType,
			uint32(ssrc),
			rawPayloader{},
			rtp.NewRandomSequencer(),
			config.ClockRate,
		),
		jitter: NewJitterBuffer(config.Jitter),
	}
	p.jitter.Start()

	p.wg.Add(1)
	go p.reassembleLoop()
	return p, nil
}

// Attach 绑定传输，ICE 连接后调用
func (p *RTPPipeline) Attach(t Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transport = t
}

// OnRemoteFrame 设置远端帧回调
func (p *RTPPipeline) OnRemoteFrame(fn func(Frame)) {
	p.onRemote.Store(fn)
}

// SetAudioEnabled 音频开关，影响协商中的 audio 段
func (p *RTPPipeline) SetAudioEnabled(enabled bool) {
	p.audio.Store(enabled)
}

// AudioEnabled reports the audio switch
func (p *RTPPipeline) AudioEnabled() bool {
	return p.audio.Load()
}

// SendFrame 打包发送一帧
func (p *RTPPipeline) SendFrame(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}

	payload := GetFrameBuffer(frameHeaderSize + len(f.Data))
	defer PutFrameBuffer(payload)
	payload[0] = byte(f.Format)
	binary.BigEndian.PutUint16(payload[1:], uint16(f.Width))
	binary.BigEndian.PutUint16(payload[3:], uint16(f.Height))
	copy(payload[frameHeaderSize:], f.Data)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return rtcerr.ErrClosed
	}
	t := p.transport
	if t == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: media transport not established", rtcerr.ErrInvalidState)
	}
	now := time.Now()
	if !p.lastSend.IsZero() {
		p.packetizer.SkipSamples(uint32(now.Sub(p.lastSend).Seconds() * float64(p.config.ClockRate)))
	}
	p.lastSend = now
	packets := p.packetizer.Packetize(payload, 0)
	p.mu.Unlock()

	for _, pkt := range packets {
		raw, err := pkt.Marshal()
		if err != nil {
			return err
		}
		if _, err := t.Send(raw); err != nil {
			return fmt.Errorf("send RTP: %w", err)
		}
		p.packetsSent.Add(1)
		p.bytesSent.Add(uint64(len(raw)))
	}
	p.framesSent.Add(1)
	return nil
}

// HandleRTP 处理收到的 RTP 包，b 只在调用期间有效
func (p *RTPPipeline) HandleRTP(b []byte) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(append([]byte(nil), b...)); err != nil {
		return fmt.Errorf("unmarshal RTP: %w", err)
	}
	if pkt.PayloadType != p.config.PayloadType {
		return nil
	}
	p.packetsReceived.Add(1)
	p.bytesReceived.Add(uint64(len(b)))
	p.jitter.Push(pkt)
	return nil
}

// reassembly 当前正在重组的帧
type reassembly struct {
	active    bool
	timestamp uint32
	nextSeq   uint16
	broken    bool
	buf       []byte
}

// push 返回完整帧的负载，未完成或残缺时返回 false
// dropped 表示此前未完成的帧被放弃
func (r *reassembly) push(pkt *rtp.Packet) (payload []byte, complete, dropped bool) {
	if !r.active || pkt.Timestamp != r.timestamp {
		dropped = r.active
		r.active = true
		r.timestamp = pkt.Timestamp
		r.broken = false
		r.buf = r.buf[:0]
	} else if pkt.SequenceNumber != r.nextSeq {
		r.broken = true
	}
	r.nextSeq = pkt.SequenceNumber + 1
	r.buf = append(r.buf, pkt.Payload...)

	if !pkt.Marker {
		return nil, false, dropped
	}
	r.active = false
	if r.broken {
		return nil, false, true
	}
	return r.buf, true, dropped
}

func (p *RTPPipeline) reassembleLoop() {
	defer p.wg.Done()

	var r reassembly
	for pkt := range p.jitter.Output() {
		payload, complete, dropped := r.push(pkt)
		if dropped {
			p.framesDropped.Add(1)
		}
		if !complete {
			continue
		}
		if err := p.deliver(payload); err != nil {
			p.framesDropped.Add(1)
			p.log.Debug("drop remote frame: %v", err)
		}
	}
}

func (p *RTPPipeline) deliver(payload []byte) error {
	if len(payload) < frameHeaderSize {
		return fmt.Errorf("%w: short frame header", rtcerr.ErrInvalidFrame)
	}
	f := Frame{
		Format: PixelFormat(payload[0]),
		Width:  int(binary.BigEndian.Uint16(payload[1:])),
		Height: int(binary.BigEndian.Uint16(payload[3:])),
	}
	data := payload[frameHeaderSize:]

	buf := GetFrameBuffer(len(data))
	defer PutFrameBuffer(buf)
	copy(buf, data)
	f.Data = buf
	if err := f.Validate(); err != nil {
		return err
	}

	p.framesReceived.Add(1)
	if fn, ok := p.onRemote.Load().(func(Frame)); ok && fn != nil {
		fn(f)
	}
	return nil
}

// Stats returns pipeline counters
func (p *RTPPipeline) Stats() PipelineStats {
	return PipelineStats{
		FramesSent:      p.framesSent.Load(),
		FramesReceived:  p.framesReceived.Load(),
		FramesDropped:   p.framesDropped.Load(),
		PacketsSent:     p.packetsSent.Load(),
		PacketsReceived: p.packetsReceived.Load(),
		BytesSent:       p.bytesSent.Load(),
		BytesReceived:   p.bytesReceived.Load(),
		AudioEnabled:    p.audio.Load(),
		Jitter:          p.jitter.GetStats(),
	}
}

// Close 停止接收，等待正在进行的回调返回
func (p *RTPPipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.transport = nil
	p.mu.Unlock()

	p.jitter.Close()
	p.wg.Wait()
	return nil
}
