/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 *
 * JitterBuffer Tests
 * 测试抖动缓冲的核心功能
 */
package media

import (
	"testing"
	"time"

	"github.com/pion/rtp"
)

func TestJitterBufferDisabled(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{
		Enabled:    false,
		MaxPackets: 100,
	})
	defer jb.Close()

	// 禁用时直接输出
	jb.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1, Timestamp: 3000}})

	select {
	case out := <-jb.Output():
		if out.SequenceNumber != 1 {
			t.Errorf("Expected seq 1, got %d", out.SequenceNumber)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Packet should be immediately output when disabled")
	}
}

func TestJitterBufferReordering(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{
		Enabled:     true,
		TargetDelay: 30 * time.Millisecond,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		MaxPackets:  100,
	})
	defer jb.Close()

	// 推入乱序包
	for _, seq := range []uint16{3, 1, 2} {
		jb.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq, Timestamp: uint32(seq) * 3000}})
	}

	stats := jb.GetStats()
	if stats.PacketsReceived != 3 {
		t.Errorf("Expected 3 packets received, got %d", stats.PacketsReceived)
	}
	if stats.BufferedPackets != 3 {
		t.Errorf("Expected 3 buffered packets, got %d", stats.BufferedPackets)
	}
	if stats.PacketsReorder != 2 {
		t.Errorf("Expected 2 reordered packets, got %d", stats.PacketsReorder)
	}

	jb.Start()
	for want := uint16(1); want <= 3; want++ {
		select {
		case out := <-jb.Output():
			if out.SequenceNumber != want {
				t.Fatalf("Expected seq %d, got %d", want, out.SequenceNumber)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for seq %d", want)
		}
	}
}

func TestJitterBufferSequenceWrap(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{
		Enabled:     true,
		TargetDelay: 10 * time.Millisecond,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		MaxPackets:  16,
	})
	defer jb.Close()

	for _, seq := range []uint16{1, 65535, 0} {
		jb.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}})
	}
	jb.Start()

	for _, want := range []uint16{65535, 0, 1} {
		select {
		case out := <-jb.Output():
			if out.SequenceNumber != want {
				t.Fatalf("Expected seq %d, got %d", want, out.SequenceNumber)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for seq %d", want)
		}
	}
}

func TestJitterBufferDrop(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{
		Enabled:     true,
		TargetDelay: 30 * time.Millisecond,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		MaxPackets:  5, // 很小的缓冲区
	})
	defer jb.Close()

	for i := uint16(0); i < 10; i++ {
		jb.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: i, Timestamp: uint32(i) * 3000}})
	}

	stats := jb.GetStats()
	if stats.BufferedPackets > 5 {
		t.Errorf("Buffer should not exceed max, got %d", stats.BufferedPackets)
	}
	if stats.PacketsDropped < 5 {
		t.Errorf("Should have dropped at least 5 packets, got %d", stats.PacketsDropped)
	}
}

func TestJitterBufferDropsLatePackets(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{
		Enabled:     true,
		TargetDelay: 10 * time.Millisecond,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		MaxPackets:  16,
	})
	defer jb.Close()
	jb.Start()

	jb.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: 10}})
	select {
	case <-jb.Output():
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for first packet")
	}

	// 已输出序号之前的包被丢弃
	jb.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: 9}})
	if stats := jb.GetStats(); stats.PacketsDropped != 1 || stats.BufferedPackets != 0 {
		t.Errorf("Expected late packet dropped, got %+v", stats)
	}
}

func TestJitterBufferSetDelay(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{
		Enabled:     true,
		TargetDelay: 50 * time.Millisecond,
		MinDelay:    20 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		MaxPackets:  100,
	})
	defer jb.Close()

	jb.SetDelay(5 * time.Millisecond)
	if got := jb.GetStats().CurrentDelay; got != 20 {
		t.Errorf("Expected delay clamped to 20ms, got %d", got)
	}
	jb.SetDelay(time.Second)
	if got := jb.GetStats().CurrentDelay; got != 200 {
		t.Errorf("Expected delay clamped to 200ms, got %d", got)
	}
}

func TestJitterBufferCloseTwice(t *testing.T) {
	jb := NewJitterBuffer(DefaultJitterBufferConfig())
	jb.Start()
	jb.Close()
	jb.Close()

	// 关闭后 Push 不应 panic
	jb.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}})
	if _, ok := <-jb.Output(); ok {
		t.Error("Output should be closed")
	}
}

func TestJitterBufferDefaultConfig(t *testing.T) {
	config := DefaultJitterBufferConfig()
	if !config.Enabled {
		t.Error("Default config should be enabled")
	}
	if config.MinDelay > config.TargetDelay || config.TargetDelay > config.MaxDelay {
		t.Errorf("Delays out of order: %+v", config)
	}
	if config.ClockRate != 90000 {
		t.Errorf("Expected video clock rate, got %d", config.ClockRate)
	}
}
