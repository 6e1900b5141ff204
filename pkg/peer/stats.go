/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 *
 * Stats - 流量统计
 * 选中候选对上的收发字节、包数与码率
 */
package peer

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maiguangyang/peer_core/pkg/dcmux"
	"github.com/maiguangyang/peer_core/pkg/iceagent"
	"github.com/maiguangyang/peer_core/pkg/media"
)

// TrafficStats 流量统计
type TrafficStats struct {
	mu sync.Mutex

	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	// 无法识别的入站包
	packetsUnknown atomic.Uint64

	// 码率计算
	lastCalcTime time.Time
	lastBytesIn  uint64
	lastBytesOut uint64
	bitrateIn    float64
	bitrateOut   float64
}

// NewTrafficStats 创建流量统计
func NewTrafficStats() *TrafficStats {
	return &TrafficStats{lastCalcTime: time.Now()}
}

// AddIn 记录一个入站包
func (s *TrafficStats) AddIn(bytes int) {
	s.packetsIn.Add(1)
	s.bytesIn.Add(uint64(bytes))
}

// AddOut 记录一个出站包
func (s *TrafficStats) AddOut(bytes int) {
	s.packetsOut.Add(1)
	s.bytesOut.Add(uint64(bytes))
}

// AddUnknown 记录一个无法识别的入站包
func (s *TrafficStats) AddUnknown() {
	s.packetsUnknown.Add(1)
}

// calculateBitrate 距上次计算超过 100ms 时更新码率
func (s *TrafficStats) calculateBitrate(now time.Time) {
	elapsed := now.Sub(s.lastCalcTime).Seconds()
	if elapsed < 0.1 {
		return
	}

	in := s.bytesIn.Load()
	out := s.bytesOut.Load()

	// bits per second
	s.bitrateIn = float64(in-s.lastBytesIn) * 8 / elapsed
	s.bitrateOut = float64(out-s.lastBytesOut) * 8 / elapsed

	s.lastBytesIn = in
	s.lastBytesOut = out
	s.lastCalcTime = now
}

// Snapshot 获取当前快照并刷新码率
func (s *TrafficStats) Snapshot() TrafficStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.calculateBitrate(now)
	return TrafficStatsSnapshot{
		BytesIn:        s.bytesIn.Load(),
		BytesOut:       s.bytesOut.Load(),
		PacketsIn:      s.packetsIn.Load(),
		PacketsOut:     s.packetsOut.Load(),
		PacketsUnknown: s.packetsUnknown.Load(),
		BitrateIn:      s.bitrateIn,
		BitrateOut:     s.bitrateOut,
		Timestamp:      now.Unix(),
	}
}

// TrafficStatsSnapshot 统计快照
type TrafficStatsSnapshot struct {
	BytesIn        uint64  `json:"bytes_in"`
	BytesOut       uint64  `json:"bytes_out"`
	PacketsIn      uint64  `json:"packets_in"`
	PacketsOut     uint64  `json:"packets_out"`
	PacketsUnknown uint64  `json:"packets_unknown"`
	BitrateIn      float64 `json:"bitrate_in_bps"`
	BitrateOut     float64 `json:"bitrate_out_bps"`
	Timestamp      int64   `json:"timestamp"`
}

// Stats 连接统计
type Stats struct {
	ID               string                        `json:"id"`
	State            string                        `json:"state"`
	SignalingState   string                        `json:"signaling_state"`
	ICEState         string                        `json:"ice_state"`
	GatheringState   string                        `json:"gathering_state"`
	SelectedPair     *iceagent.CandidatePairStats  `json:"selected_pair,omitempty"`
	LocalCandidates  []iceagent.Candidate          `json:"local_candidates"`
	CandidatePairs   []iceagent.CandidatePairStats `json:"candidate_pairs"`
	Channels         []dcmux.ChannelStats          `json:"channels"`
	Media            *media.PipelineStats          `json:"media,omitempty"`
	Traffic          TrafficStatsSnapshot          `json:"traffic"`
	EventsDispatched uint64                        `json:"events_dispatched"`
	FramesDropped    uint64                        `json:"render_frames_dropped"`
	Uptime           int64                         `json:"uptime_sec"`
}

// ToJSON 序列化为 JSON
func (s Stats) ToJSON() string {
	data, _ := json.Marshal(s)
	return string(data)
}

// countingTransport 统计出站流量的传输包装
type countingTransport struct {
	agent *iceagent.Agent
	stats *TrafficStats
}

func (t *countingTransport) Send(b []byte) (int, error) {
	n, err := t.agent.Send(b)
	if err == nil {
		t.stats.AddOut(n)
	}
	return n, err
}
