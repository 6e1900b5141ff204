/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 *
 * Network Probe - 连接质量采样
 * 定期读取 PeerConnection 统计，计算 RTT / 抖动 / 丢包和质量评分
 */
package peer

import (
	"sync"
	"time"
)

// NetworkMetrics 网络质量指标
type NetworkMetrics struct {
	RTT        time.Duration `json:"rtt_ms"`      // 选中候选对的往返时间
	Jitter     time.Duration `json:"jitter_ms"`   // 远端媒体的到达抖动
	PacketLoss float64       `json:"packet_loss"` // 媒体丢包率 (0-1)

	BitrateIn  float64 `json:"bitrate_in_bps"`
	BitrateOut float64 `json:"bitrate_out_bps"`

	// 质量评分 (0-100)
	QualityScore float64 `json:"quality_score"`

	Timestamp time.Time `json:"timestamp"`
}

// statsSource 由 *PeerConnection 实现
type statsSource interface {
	Stats() Stats
}

// NetworkProbe 连接质量探测器
type NetworkProbe struct {
	mu sync.RWMutex

	src statsSource

	history     []NetworkMetrics
	historySize int
	latest      NetworkMetrics

	onMetricsUpdated func(metrics NetworkMetrics)

	interval time.Duration
	stopCh   chan struct{}
	running  bool
}

// NewNetworkProbe 创建探测器，默认每秒采样一次，保留 60 个采样点
func NewNetworkProbe(pc *PeerConnection) *NetworkProbe {
	return newNetworkProbe(pc)
}

func newNetworkProbe(src statsSource) *NetworkProbe {
	return &NetworkProbe{
		src:         src,
		history:     make([]NetworkMetrics, 0, 60),
		historySize: 60,
		interval:    time.Second,
	}
}

// SetOnMetricsUpdated 设置指标更新回调
func (p *NetworkProbe) SetOnMetricsUpdated(fn func(metrics NetworkMetrics)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMetricsUpdated = fn
}

// SetInterval 设置采样间隔，下次 Start 生效
func (p *NetworkProbe) SetInterval(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if interval > 0 {
		p.interval = interval
	}
}

// Start 开始探测
func (p *NetworkProbe) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	go p.probeLoop(p.interval, p.stopCh)
}

func (p *NetworkProbe) probeLoop(interval time.Duration, stopCh chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.Probe()
		}
	}
}

// Probe 执行一次采样
func (p *NetworkProbe) Probe() NetworkMetrics {
	metrics := extractMetrics(p.src.Stats())

	p.mu.Lock()
	p.latest = metrics
	p.history = append(p.history, metrics)
	if len(p.history) > p.historySize {
		p.history = p.history[1:]
	}
	callback := p.onMetricsUpdated
	p.mu.Unlock()

	if callback != nil {
		callback(metrics)
	}
	return metrics
}

// extractMetrics 从连接统计提取指标
func extractMetrics(s Stats) NetworkMetrics {
	m := NetworkMetrics{
		BitrateIn:  s.Traffic.BitrateIn,
		BitrateOut: s.Traffic.BitrateOut,
		Timestamp:  time.Now(),
	}
	if s.SelectedPair != nil {
		m.RTT = time.Duration(s.SelectedPair.RTT) * time.Millisecond
	}
	if s.Media != nil {
		j := s.Media.Jitter
		m.Jitter = time.Duration(j.Jitter) * time.Millisecond
		if j.PacketsReceived > 0 {
			m.PacketLoss = float64(j.PacketsDropped) / float64(j.PacketsReceived)
		}
	}
	m.QualityScore = calculateQualityScore(m)
	return m
}

// calculateQualityScore 计算质量评分 (0-100)
func calculateQualityScore(m NetworkMetrics) float64 {
	score := 100.0

	// RTT 评分（< 50ms = 满分，> 300ms = 扣 30 分）
	rttMs := m.RTT.Milliseconds()
	if rttMs > 300 {
		score -= 30
	} else if rttMs > 100 {
		score -= 10 + float64(rttMs-100)/200*20
	} else if rttMs > 50 {
		score -= float64(rttMs-50) / 50 * 10
	}

	// 丢包率评分（0% = 满分，> 5% = 扣 30 分）
	if m.PacketLoss > 0.05 {
		score -= 30
	} else if m.PacketLoss > 0.02 {
		score -= 10 + (m.PacketLoss-0.02)/0.03*20
	} else if m.PacketLoss > 0 {
		score -= m.PacketLoss / 0.02 * 10
	}

	// 抖动评分（< 20ms = 满分，> 100ms = 扣 20 分）
	jitterMs := m.Jitter.Milliseconds()
	if jitterMs > 100 {
		score -= 20
	} else if jitterMs > 50 {
		score -= 10 + float64(jitterMs-50)/50*10
	} else if jitterMs > 20 {
		score -= float64(jitterMs-20) / 30 * 10
	}

	if score < 0 {
		score = 0
	}
	return score
}

// GetLatest 获取最新指标
func (p *NetworkProbe) GetLatest() NetworkMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// GetHistory 获取历史指标
func (p *NetworkProbe) GetHistory() []NetworkMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]NetworkMetrics, len(p.history))
	copy(result, p.history)
	return result
}

// GetAverage 获取平均指标
func (p *NetworkProbe) GetAverage() NetworkMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.history) == 0 {
		return NetworkMetrics{}
	}

	var totalRTT, totalJitter time.Duration
	var totalPacketLoss, totalScore, totalIn, totalOut float64
	for _, m := range p.history {
		totalRTT += m.RTT
		totalJitter += m.Jitter
		totalPacketLoss += m.PacketLoss
		totalScore += m.QualityScore
		totalIn += m.BitrateIn
		totalOut += m.BitrateOut
	}

	n := len(p.history)
	return NetworkMetrics{
		RTT:          totalRTT / time.Duration(n),
		Jitter:       totalJitter / time.Duration(n),
		PacketLoss:   totalPacketLoss / float64(n),
		BitrateIn:    totalIn / float64(n),
		BitrateOut:   totalOut / float64(n),
		QualityScore: totalScore / float64(n),
		Timestamp:    time.Now(),
	}
}

// Stop 停止探测，可以再次 Start
func (p *NetworkProbe) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
}

// IsRunning 是否正在运行
func (p *NetworkProbe) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
