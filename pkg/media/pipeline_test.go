/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-16
 */
package media

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/pion/rtp"
)

// loopback 把发送端的包直接交给接收端
type loopback struct {
	mu   sync.Mutex
	to   *RTPPipeline
	sent int
	drop func(n int) bool
}

func (l *loopback) Send(b []byte) (int, error) {
	l.mu.Lock()
	n := l.sent
	l.sent++
	drop := l.drop != nil && l.drop(n)
	l.mu.Unlock()
	if drop {
		return len(b), nil
	}
	if !IsRTP(b) {
		return 0, errors.New("not RTP")
	}
	return len(b), l.to.HandleRTP(b)
}

func newPipelinePair(t *testing.T) (*RTPPipeline, *RTPPipeline, *loopback) {
	t.Helper()
	config := DefaultRTPConfig()
	config.Jitter.TargetDelay = 10 * time.Millisecond

	a, err := NewRTPPipeline(config)
	if err != nil {
		t.Fatalf("NewRTPPipeline failed: %v", err)
	}
	b, err := NewRTPPipeline(config)
	if err != nil {
		t.Fatalf("NewRTPPipeline failed: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	link := &loopback{to: b}
	a.Attach(link)
	return a, b, link
}

func testFrame(w, h int, seed byte) Frame {
	data := make([]byte, PixelFormatBGR24.FrameSize(w, h))
	for i := range data {
		data[i] = byte(i) + seed
	}
	return Frame{Format: PixelFormatBGR24, Width: w, Height: h, Data: data}
}

func collectFrames(p *RTPPipeline) <-chan Frame {
	ch := make(chan Frame, 8)
	p.OnRemoteFrame(func(f Frame) {
		ch <- f.Clone()
	})
	return ch
}

func TestPipelineLoopback(t *testing.T) {
	a, b, link := newPipelinePair(t)
	frames := collectFrames(b)

	sent := testFrame(64, 48, 7)
	if err := a.SendFrame(sent); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}

	select {
	case got := <-frames:
		if got.Format != sent.Format || got.Width != sent.Width || got.Height != sent.Height {
			t.Fatalf("Frame header mismatch: %v %dx%d", got.Format, got.Width, got.Height)
		}
		if !bytes.Equal(got.Data, sent.Data) {
			t.Fatal("Frame data mismatch")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for remote frame")
	}

	if link.sent < 2 {
		t.Errorf("Expected frame split over several packets, got %d", link.sent)
	}
	if stats := a.Stats(); stats.FramesSent != 1 || stats.PacketsSent != uint64(link.sent) {
		t.Errorf("Unexpected sender stats: %+v", stats)
	}
	if stats := b.Stats(); stats.FramesReceived != 1 || stats.PacketsReceived != uint64(link.sent) {
		t.Errorf("Unexpected receiver stats: %+v", stats)
	}
}

func TestPipelineDropsIncompleteFrame(t *testing.T) {
	a, b, link := newPipelinePair(t)
	frames := collectFrames(b)
	link.drop = func(n int) bool { return n == 2 }

	if err := a.SendFrame(testFrame(64, 48, 1)); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}
	second := testFrame(64, 48, 2)
	if err := a.SendFrame(second); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}

	select {
	case got := <-frames:
		if !bytes.Equal(got.Data, second.Data) {
			t.Fatal("Expected only the complete second frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for remote frame")
	}

	select {
	case <-frames:
		t.Fatal("Unexpected extra frame")
	case <-time.After(100 * time.Millisecond):
	}
	if dropped := b.Stats().FramesDropped; dropped != 1 {
		t.Errorf("Expected 1 dropped frame, got %d", dropped)
	}
}

func TestPipelineSendErrors(t *testing.T) {
	p, err := NewRTPPipeline(DefaultRTPConfig())
	if err != nil {
		t.Fatalf("NewRTPPipeline failed: %v", err)
	}

	if err := p.SendFrame(testFrame(4, 4, 0)); !errors.Is(err, rtcerr.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState before attach, got %v", err)
	}
	bad := Frame{Format: PixelFormatBGR24, Width: 4, Height: 4, Data: make([]byte, 3)}
	if err := p.SendFrame(bad); !errors.Is(err, rtcerr.ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame, got %v", err)
	}

	p.Close()
	p.Close()
	if err := p.SendFrame(testFrame(4, 4, 0)); !errors.Is(err, rtcerr.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestPipelineAudioSwitch(t *testing.T) {
	p, err := NewRTPPipeline(DefaultRTPConfig())
	if err != nil {
		t.Fatalf("NewRTPPipeline failed: %v", err)
	}
	defer p.Close()

	if p.AudioEnabled() {
		t.Error("Audio should start disabled")
	}
	p.SetAudioEnabled(true)
	if !p.AudioEnabled() || !p.Stats().AudioEnabled {
		t.Error("Audio should be enabled")
	}
}

func TestRawPayloader(t *testing.T) {
	payload := make([]byte, 2500)
	chunks := rawPayloader{}.Payload(1000, payload)
	if len(chunks) != 3 || len(chunks[2]) != 500 {
		t.Fatalf("Unexpected chunks: %d", len(chunks))
	}
	if (rawPayloader{}).Payload(1000, nil) != nil {
		t.Error("Empty payload should produce no chunks")
	}
}

func TestReassemblyGap(t *testing.T) {
	var r reassembly
	pkt := func(seq uint16, ts uint32, marker bool, b byte) *rtp.Packet {
		return &rtp.Packet{
			Header:  rtp.Header{SequenceNumber: seq, Timestamp: ts, Marker: marker},
			Payload: []byte{b},
		}
	}

	if _, complete, _ := r.push(pkt(1, 100, false, 'a')); complete {
		t.Fatal("Frame should not be complete yet")
	}
	out, complete, dropped := r.push(pkt(2, 100, true, 'b'))
	if !complete || dropped || string(out) != "ab" {
		t.Fatalf("Expected complete frame, got %q %v %v", out, complete, dropped)
	}

	r.push(pkt(3, 200, false, 'c'))
	if _, complete, dropped := r.push(pkt(5, 200, true, 'e')); complete || !dropped {
		t.Fatal("Frame with gap should be dropped")
	}

	// 未见 marker 的帧被下一个时间戳取代
	r.push(pkt(6, 300, false, 'f'))
	if _, _, dropped := r.push(pkt(8, 400, false, 'h')); !dropped {
		t.Fatal("Abandoned frame should be reported")
	}
}

func BenchmarkReassembly(b *testing.B) {
	var r reassembly
	packets := make([]*rtp.Packet, 8)
	for i := range packets {
		packets[i] = &rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i), Marker: i == len(packets)-1},
			Payload: make([]byte, 1200),
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ts := uint32(i)
		for j, pkt := range packets {
			pkt.Timestamp = ts
			pkt.SequenceNumber = uint16(i*len(packets) + j)
			r.push(pkt)
		}
	}
}
