/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 *
 * Jitter Buffer - 抖动缓冲
 * 远端帧重组之前按序号重排 RTP 包，平滑网络抖动
 */
package media

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// JitterBufferConfig 抖动缓冲配置
type JitterBufferConfig struct {
	// 是否启用，禁用时按到达顺序直接输出
	Enabled bool
	// 最小延迟
	MinDelay time.Duration
	// 最大延迟
	MaxDelay time.Duration
	// 目标延迟
	TargetDelay time.Duration
	// 最大缓冲包数，一帧原始视频可能有数百个包
	MaxPackets int
	// RTP 时钟频率
	ClockRate uint32
}

// DefaultJitterBufferConfig 默认配置
func DefaultJitterBufferConfig() JitterBufferConfig {
	return JitterBufferConfig{
		Enabled:     true,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		TargetDelay: 20 * time.Millisecond,
		MaxPackets:  4096,
		ClockRate:   90000,
	}
}

// bufferedPacket 缓冲的 RTP 包
type bufferedPacket struct {
	packet       *rtp.Packet
	receivedTime time.Time
	index        int // heap index
}

// packetHeap RTP 包堆（按序号排序）
type packetHeap []*bufferedPacket

func (h packetHeap) Len() int { return len(h) }

func (h packetHeap) Less(i, j int) bool {
	// 处理序号回绕
	diff := int16(h[i].packet.SequenceNumber - h[j].packet.SequenceNumber)
	return diff < 0
}

func (h packetHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *packetHeap) Push(x interface{}) {
	n := len(*h)
	packet := x.(*bufferedPacket)
	packet.index = n
	*h = append(*h, packet)
}

func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	packet := old[n-1]
	old[n-1] = nil
	packet.index = -1
	*h = old[0 : n-1]
	return packet
}

// JitterBuffer 抖动缓冲
type JitterBuffer struct {
	mu     sync.Mutex
	config JitterBufferConfig

	packets packetHeap

	// 序号跟踪
	lastSeqNum      uint16
	initialized     bool
	highestSeq      uint16
	seenAny         bool
	packetsReceived uint64
	packetsDropped  uint64
	packetsReorder  uint64

	// 延迟估计
	currentDelay    time.Duration
	jitter          time.Duration
	lastArrivalTime time.Time
	lastTimestamp   uint32

	// 所有对 outputCh 的写入都在 mu 内完成，Close 在 mu 内关闭它
	outputCh chan *rtp.Packet

	stopCh  chan struct{}
	started bool
	closed  bool
}

// NewJitterBuffer 创建抖动缓冲
func NewJitterBuffer(config JitterBufferConfig) *JitterBuffer {
	def := DefaultJitterBufferConfig()
	if config.MaxPackets <= 0 {
		config.MaxPackets = def.MaxPackets
	}
	if config.ClockRate == 0 {
		config.ClockRate = def.ClockRate
	}
	jb := &JitterBuffer{
		config:       config,
		packets:      make(packetHeap, 0, config.MaxPackets),
		currentDelay: config.TargetDelay,
		outputCh:     make(chan *rtp.Packet, config.MaxPackets),
		stopCh:       make(chan struct{}),
	}
	heap.Init(&jb.packets)
	return jb
}

// Push 添加 RTP 包
func (jb *JitterBuffer) Push(packet *rtp.Packet) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if jb.closed {
		return
	}
	jb.packetsReceived++

	if !jb.config.Enabled {
		select {
		case jb.outputCh <- packet:
		default:
			jb.packetsDropped++
		}
		return
	}

	now := time.Now()

	// 计算抖动 (RFC 3550 算法)
	if jb.initialized && !jb.lastArrivalTime.IsZero() {
		arrivalDiff := now.Sub(jb.lastArrivalTime)
		timestampDiff := time.Duration(packet.Timestamp-jb.lastTimestamp) * time.Second / time.Duration(jb.config.ClockRate)

		d := arrivalDiff - timestampDiff
		if d < 0 {
			d = -d
		}

		// jitter = jitter + (|D(i-1,i)| - jitter) / 16
		jb.jitter = jb.jitter + (d-jb.jitter)/16

		targetDelay := jb.jitter * 3
		if targetDelay < jb.config.MinDelay {
			targetDelay = jb.config.MinDelay
		}
		if targetDelay > jb.config.MaxDelay {
			targetDelay = jb.config.MaxDelay
		}
		jb.currentDelay = jb.currentDelay + (targetDelay-jb.currentDelay)/8
	}

	jb.lastArrivalTime = now
	jb.lastTimestamp = packet.Timestamp

	// 已经输出过的包不再缓冲
	if jb.initialized {
		diff := int16(packet.SequenceNumber - jb.lastSeqNum)
		if diff <= 0 {
			jb.packetsDropped++
			return
		}
	}

	if len(jb.packets) >= jb.config.MaxPackets {
		heap.Pop(&jb.packets)
		jb.packetsDropped++
	}

	heap.Push(&jb.packets, &bufferedPacket{
		packet:       packet,
		receivedTime: now,
	})
	if jb.seenAny && int16(packet.SequenceNumber-jb.highestSeq) < 0 {
		jb.packetsReorder++
	} else {
		jb.highestSeq = packet.SequenceNumber
		jb.seenAny = true
	}
}

// Start 启动输出
func (jb *JitterBuffer) Start() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	if !jb.config.Enabled || jb.started || jb.closed {
		return
	}
	jb.started = true
	go jb.outputLoop()
}

func (jb *JitterBuffer) outputLoop() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-jb.stopCh:
			return
		case <-ticker.C:
			jb.tryOutput()
		}
	}
}

// tryOutput 输出已达到目标延迟的包
func (jb *JitterBuffer) tryOutput() {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if jb.closed {
		return
	}

	now := time.Now()
	for len(jb.packets) > 0 {
		oldest := jb.packets[0]
		if now.Sub(oldest.receivedTime) < jb.currentDelay {
			break
		}

		bp := heap.Pop(&jb.packets).(*bufferedPacket)
		if !jb.initialized || int16(bp.packet.SequenceNumber-jb.lastSeqNum) > 0 {
			jb.lastSeqNum = bp.packet.SequenceNumber
			jb.initialized = true
		}

		select {
		case jb.outputCh <- bp.packet:
		default:
			jb.packetsDropped++
		}
	}
}

// Output 输出通道，Close 后关闭
func (jb *JitterBuffer) Output() <-chan *rtp.Packet {
	return jb.outputCh
}

// SetDelay 设置目标延迟
func (jb *JitterBuffer) SetDelay(delay time.Duration) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if delay < jb.config.MinDelay {
		delay = jb.config.MinDelay
	}
	if delay > jb.config.MaxDelay {
		delay = jb.config.MaxDelay
	}
	jb.currentDelay = delay
}

// JitterBufferStats 统计信息
type JitterBufferStats struct {
	Enabled         bool   `json:"enabled"`
	BufferedPackets int    `json:"buffered_packets"`
	CurrentDelay    int64  `json:"current_delay_ms"`
	Jitter          int64  `json:"jitter_ms"`
	PacketsReceived uint64 `json:"packets_received"`
	PacketsDropped  uint64 `json:"packets_dropped"`
	PacketsReorder  uint64 `json:"packets_reorder"`
}

// GetStats 获取统计
func (jb *JitterBuffer) GetStats() JitterBufferStats {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	return JitterBufferStats{
		Enabled:         jb.config.Enabled,
		BufferedPackets: len(jb.packets),
		CurrentDelay:    jb.currentDelay.Milliseconds(),
		Jitter:          jb.jitter.Milliseconds(),
		PacketsReceived: jb.packetsReceived,
		PacketsDropped:  jb.packetsDropped,
		PacketsReorder:  jb.packetsReorder,
	}
}

// Close 关闭，缓冲中的包被丢弃
func (jb *JitterBuffer) Close() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	if jb.closed {
		return
	}
	jb.closed = true
	jb.packets = nil
	close(jb.stopCh)
	close(jb.outputCh)
}
