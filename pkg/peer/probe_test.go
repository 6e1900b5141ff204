/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 *
 * NetworkProbe Tests
 */
package peer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/maiguangyang/peer_core/pkg/iceagent"
	"github.com/maiguangyang/peer_core/pkg/media"
)

type fixedStats struct {
	stats Stats
	calls atomic.Int32
}

func (f *fixedStats) Stats() Stats {
	f.calls.Add(1)
	return f.stats
}

func TestQualityScore(t *testing.T) {
	if s := calculateQualityScore(NetworkMetrics{}); s != 100 {
		t.Errorf("perfect link scored %f", s)
	}
	bad := NetworkMetrics{RTT: time.Second, PacketLoss: 0.5, Jitter: time.Second}
	if s := calculateQualityScore(bad); s != 20 {
		t.Errorf("bad link scored %f, want 20", s)
	}

	// 指标变差时评分不升高
	prev := 101.0
	for _, rtt := range []time.Duration{0, 60, 100, 101, 200, 300, 301} {
		s := calculateQualityScore(NetworkMetrics{RTT: rtt * time.Millisecond})
		if s > prev {
			t.Errorf("score rose from %f to %f at rtt %dms", prev, s, rtt)
		}
		prev = s
	}
}

func TestExtractMetrics(t *testing.T) {
	s := Stats{
		SelectedPair: &iceagent.CandidatePairStats{RTT: 40},
		Media: &media.PipelineStats{
			Jitter: media.JitterBufferStats{Jitter: 5, PacketsReceived: 100, PacketsDropped: 1},
		},
		Traffic: TrafficStatsSnapshot{BitrateIn: 1000, BitrateOut: 2000},
	}
	m := extractMetrics(s)
	if m.RTT != 40*time.Millisecond || m.Jitter != 5*time.Millisecond {
		t.Errorf("rtt=%v jitter=%v", m.RTT, m.Jitter)
	}
	if m.PacketLoss != 0.01 {
		t.Errorf("loss = %f", m.PacketLoss)
	}
	if m.BitrateOut != 2000 || m.QualityScore <= 0 || m.QualityScore >= 100 {
		t.Errorf("metrics = %+v", m)
	}

	// 没有选中的候选对和媒体统计
	if m := extractMetrics(Stats{}); m.RTT != 0 || m.PacketLoss != 0 || m.QualityScore != 100 {
		t.Errorf("empty stats = %+v", m)
	}
}

func TestNetworkProbeHistory(t *testing.T) {
	src := &fixedStats{stats: Stats{SelectedPair: &iceagent.CandidatePairStats{RTT: 20}}}
	p := newNetworkProbe(src)
	p.historySize = 3

	var updates atomic.Int32
	p.SetOnMetricsUpdated(func(NetworkMetrics) { updates.Add(1) })

	for i := 0; i < 5; i++ {
		p.Probe()
	}
	if n := len(p.GetHistory()); n != 3 {
		t.Fatalf("history = %d, want 3", n)
	}
	if updates.Load() != 5 {
		t.Fatalf("updates = %d", updates.Load())
	}
	if avg := p.GetAverage(); avg.RTT != 20*time.Millisecond || avg.QualityScore != 100 {
		t.Fatalf("average = %+v", avg)
	}
	if p.GetLatest().RTT != 20*time.Millisecond {
		t.Fatal("latest not updated")
	}
}

func TestNetworkProbeStartStop(t *testing.T) {
	src := &fixedStats{}
	p := newNetworkProbe(src)
	p.SetInterval(10 * time.Millisecond)

	p.Start()
	p.Start()
	if !p.IsRunning() {
		t.Fatal("not running")
	}
	time.Sleep(60 * time.Millisecond)
	p.Stop()
	p.Stop()
	if p.IsRunning() {
		t.Fatal("still running")
	}
	n := src.calls.Load()
	if n == 0 {
		t.Fatal("never sampled")
	}
	time.Sleep(30 * time.Millisecond)
	if src.calls.Load() > n+1 {
		t.Fatal("sampling after Stop")
	}

	// 停止后可以重新启动
	p.Start()
	defer p.Stop()
	if !p.IsRunning() {
		t.Fatal("restart failed")
	}
}

func TestNetworkProbeOnPeer(t *testing.T) {
	pc := newTestPeer(t)
	p := NewNetworkProbe(pc)
	m := p.Probe()
	if m.QualityScore != 100 {
		t.Fatalf("idle peer scored %f", m.QualityScore)
	}
}
