/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-15
 */
package dcmux

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/maiguangyang/peer_core/pkg/utils"
	"github.com/pion/datachannel"
)

// pipe 异步投递到对端 mux，drop 返回 true 的帧被丢弃
type pipe struct {
	peer  *Mux
	queue chan []byte
	drop  func(b []byte) bool
	sent  atomic.Int64
	done  chan struct{}
	once  sync.Once
}

func newPipe() *pipe {
	p := &pipe{queue: make(chan []byte, 1024), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-p.done:
				return
			case b := <-p.queue:
				if p.peer != nil {
					_ = p.peer.HandlePacket(b)
				}
			}
		}
	}()
	return p
}

func (p *pipe) Send(b []byte) (int, error) {
	p.sent.Add(1)
	if p.drop != nil && p.drop(b) {
		return len(b), nil
	}
	select {
	case p.queue <- append([]byte(nil), b...):
	case <-p.done:
	}
	return len(b), nil
}

func (p *pipe) close() { p.once.Do(func() { close(p.done) }) }

func quietLogger() *utils.Logger {
	l := utils.NewLogger("test")
	l.SetLevel(utils.LogLevelError)
	return l
}

func newMuxPair(t *testing.T, ab, ba func([]byte) bool) (*Mux, *Mux) {
	t.Helper()
	config := Config{RetransmitInterval: 30 * time.Millisecond, Logger: quietLogger()}
	a := NewMux(config)
	b := NewMux(config)

	toB := newPipe()
	toB.drop = ab
	toA := newPipe()
	toA.drop = ba
	toB.peer = b
	toA.peer = a

	if err := a.Attach(toB, true); err != nil {
		t.Fatal(err)
	}
	if err := b.Attach(toA, false); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
		toA.close()
		toB.close()
	})
	return a, b
}

func waitChan[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

func openPair(t *testing.T, a, b *Mux, label string, cfg ChannelConfig) (*Channel, *Channel) {
	t.Helper()
	remote := make(chan *Channel, 1)
	b.OnDataChannel(func(ch *Channel) { remote <- ch })

	local, err := a.CreateChannel(label, cfg)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	opened := make(chan struct{}, 1)
	local.OnOpen(func() { opened <- struct{}{} })

	rc := waitChan(t, remote, "remote channel")
	waitChan(t, opened, "open")
	return local, rc
}

func TestCreateChannelBeforeAttach(t *testing.T) {
	m := NewMux(Config{Logger: quietLogger()})
	defer m.Close()

	if _, err := m.CreateChannel("chat", DefaultChannelConfig()); !errors.Is(err, rtcerr.ErrInvalidState) {
		t.Fatalf("CreateChannel = %v, want ErrInvalidState", err)
	}
}

func TestChannelOpenAndLabels(t *testing.T) {
	a, b := newMuxPair(t, nil, nil)

	local, remote := openPair(t, a, b, "chat", ChannelConfig{Ordered: true, Protocol: "json"})
	if local.ID()%2 != 1 {
		t.Errorf("offerer stream id = %d, want odd", local.ID())
	}
	if remote.Label() != "chat" || remote.Protocol() != "json" || !remote.Ordered() {
		t.Errorf("remote channel = %q/%q ordered=%v", remote.Label(), remote.Protocol(), remote.Ordered())
	}
	if remote.MaxRetransmits() != nil {
		t.Error("reliable channel should have no retransmit limit")
	}
	if local.State() != ChannelStateOpen || remote.State() != ChannelStateOpen {
		t.Errorf("states = %s/%s", local.State(), remote.State())
	}

	// 应答方使用偶数 ID
	answer, err := b.CreateChannel("reverse", DefaultChannelConfig())
	if err != nil {
		t.Fatal(err)
	}
	if answer.ID()%2 != 0 {
		t.Errorf("answerer stream id = %d, want even", answer.ID())
	}
}

func TestSendBeforeOpen(t *testing.T) {
	// 丢弃所有发往 b 的帧，通道停留在 Connecting
	a, _ := newMuxPair(t, func([]byte) bool { return true }, nil)

	ch, err := a.CreateChannel("chat", DefaultChannelConfig())
	if err != nil {
		t.Fatal(err)
	}
	if ch.State() != ChannelStateConnecting {
		t.Fatalf("state = %s, want connecting", ch.State())
	}
	if err := ch.SendText("hi"); !errors.Is(err, rtcerr.ErrChannelClosed) {
		t.Errorf("SendText = %v, want ErrChannelClosed", err)
	}
	if err := ch.Send([]byte{1}); !errors.Is(err, rtcerr.ErrChannelClosed) {
		t.Errorf("Send = %v, want ErrChannelClosed", err)
	}
}

func TestTextAndBinaryPreserved(t *testing.T) {
	a, b := newMuxPair(t, nil, nil)
	local, remote := openPair(t, a, b, "chat", ChannelConfig{Ordered: true})

	got := make(chan Message, 8)
	remote.OnMessage(func(m Message) { got <- m })

	if err := local.SendText("hello"); err != nil {
		t.Fatal(err)
	}
	if err := local.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := local.SendText(""); err != nil {
		t.Fatal(err)
	}
	if err := local.Send(nil); err != nil {
		t.Fatal(err)
	}

	want := []Message{
		{IsString: true, Data: []byte("hello")},
		{IsString: false, Data: []byte("hello")},
		{IsString: true, Data: []byte{}},
		{IsString: false, Data: []byte{}},
	}
	for i, w := range want {
		m := waitChan(t, got, "message")
		if m.IsString != w.IsString || !bytes.Equal(m.Data, w.Data) {
			t.Errorf("message %d = %+v, want %+v", i, m, w)
		}
	}

	stats := remote.Stats()
	if stats.MessagesReceived != 4 || stats.BytesReceived != 10 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReliableOrderedRecoversLoss(t *testing.T) {
	// 每个用户消息第一次发送都丢弃
	var mu sync.Mutex
	seen := map[uint16]bool{}
	drop := func(b []byte) bool {
		var f frame
		if f.unmarshal(b) != nil || f.kind != kindData || f.control() {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if seen[f.seq] {
			return false
		}
		seen[f.seq] = true
		return true
	}
	a, b := newMuxPair(t, drop, nil)
	local, remote := openPair(t, a, b, "reliable", ChannelConfig{Ordered: true})

	got := make(chan string, 16)
	remote.OnMessage(func(m Message) { got <- string(m.Data) })

	for _, s := range []string{"1", "2", "3", "4", "5"} {
		if err := local.SendText(s); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"1", "2", "3", "4", "5"} {
		if s := waitChan(t, got, "message "+want); s != want {
			t.Fatalf("got %q, want %q", s, want)
		}
	}
	if local.Stats().Retransmissions == 0 {
		t.Error("expected retransmissions")
	}
}

func TestReliableOrderedRecoversBufferOverflow(t *testing.T) {
	// 丢掉第一条消息的首次发送，其后的消息超过接收缓存
	var dropped atomic.Bool
	drop := func(b []byte) bool {
		var f frame
		if f.unmarshal(b) != nil || f.kind != kindData || f.control() || f.seq != 0 {
			return false
		}
		return dropped.CompareAndSwap(false, true)
	}
	a, b := newMuxPair(t, drop, nil)
	local, remote := openPair(t, a, b, "bulk", ChannelConfig{Ordered: true})

	const total = maxPendingPerRecv + 100
	got := make(chan int, total)
	var next atomic.Int64
	remote.OnMessage(func(m Message) {
		i := next.Add(1) - 1
		if string(m.Data) != fmt.Sprint(i) {
			t.Errorf("message %q out of order, want %d", m.Data, i)
		}
		got <- int(i)
	})

	for i := 0; i < total; i++ {
		if err := local.SendText(fmt.Sprint(i)); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.After(10 * time.Second)
	for i := 0; i < total; i++ {
		select {
		case <-got:
		case <-deadline:
			t.Fatalf("delivered %d of %d messages", i, total)
		}
	}
}

func TestPartialReliableGivesUp(t *testing.T) {
	drop := func(b []byte) bool {
		var f frame
		return f.unmarshal(b) == nil && f.kind == kindData && !f.control()
	}
	a, b := newMuxPair(t, drop, nil)
	local, _ := openPair(t, a, b, "lossy", DefaultChannelConfig())

	if err := local.SendText("gone"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for local.Stats().Abandoned == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("message never abandoned: %+v", local.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if r := local.Stats().Retransmissions; r != 1 {
		t.Errorf("retransmissions = %d, want 1", r)
	}
}

func TestCloseResetsRemote(t *testing.T) {
	a, b := newMuxPair(t, nil, nil)
	local, remote := openPair(t, a, b, "chat", DefaultChannelConfig())

	localClosed := make(chan struct{})
	remoteClosed := make(chan struct{})
	local.OnClose(func() { close(localClosed) })
	remote.OnClose(func() { close(remoteClosed) })

	if err := local.Close(); err != nil {
		t.Fatal(err)
	}
	waitChan(t, remoteClosed, "remote close")
	waitChan(t, localClosed, "local close")

	if remote.State() != ChannelStateClosed {
		t.Errorf("remote state = %s", remote.State())
	}
	if err := local.SendText("late"); !errors.Is(err, rtcerr.ErrChannelClosed) {
		t.Errorf("send after close = %v", err)
	}
	if len(a.Channels()) != 0 || len(b.Channels()) != 0 {
		t.Errorf("channels left: %d/%d", len(a.Channels()), len(b.Channels()))
	}
}

func TestMuxCloseClosesChannels(t *testing.T) {
	a, b := newMuxPair(t, nil, nil)
	local, _ := openPair(t, a, b, "chat", DefaultChannelConfig())

	closed := make(chan struct{})
	local.OnClose(func() { close(closed) })

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	waitChan(t, closed, "close")
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := a.CreateChannel("x", DefaultChannelConfig()); !errors.Is(err, rtcerr.ErrClosed) {
		t.Errorf("CreateChannel after Close = %v", err)
	}
}

func TestMessageTooLarge(t *testing.T) {
	a, b := newMuxPair(t, nil, nil)
	local, _ := openPair(t, a, b, "chat", DefaultChannelConfig())

	big := make([]byte, DefaultConfig().MaxMessageSize+1)
	if err := local.Send(big); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Send = %v, want ErrMessageTooLarge", err)
	}
}

func TestFramesBeforeAttachAreAnswered(t *testing.T) {
	config := Config{RetransmitInterval: 30 * time.Millisecond, Logger: quietLogger()}
	a := NewMux(config)
	b := NewMux(config)
	defer a.Close()
	defer b.Close()

	toB := newPipe()
	toA := newPipe()
	defer toA.close()
	defer toB.close()
	toB.peer = b
	toA.peer = a

	remote := make(chan *Channel, 1)
	b.OnDataChannel(func(ch *Channel) { remote <- ch })

	if err := a.Attach(toB, true); err != nil {
		t.Fatal(err)
	}
	local, err := a.CreateChannel("early", DefaultChannelConfig())
	if err != nil {
		t.Fatal(err)
	}
	waitChan(t, remote, "remote channel")
	if local.State() != ChannelStateConnecting {
		t.Fatalf("local state = %s before b attached", local.State())
	}

	opened := make(chan struct{}, 1)
	local.OnOpen(func() { opened <- struct{}{} })
	if err := b.Attach(toA, false); err != nil {
		t.Fatal(err)
	}
	waitChan(t, opened, "open after attach")
}

func TestChannelConfigTypes(t *testing.T) {
	one := uint16(1)
	cases := []struct {
		cfg  ChannelConfig
		want datachannel.ChannelType
	}{
		{ChannelConfig{Ordered: true}, datachannel.ChannelTypeReliable},
		{ChannelConfig{}, datachannel.ChannelTypeReliableUnordered},
		{ChannelConfig{Ordered: true, MaxRetransmits: &one}, datachannel.ChannelTypePartialReliableRexmit},
		{DefaultChannelConfig(), datachannel.ChannelTypePartialReliableRexmitUnordered},
		{ChannelConfig{MaxPacketLifeTime: &one}, datachannel.ChannelTypePartialReliableTimedUnordered},
	}
	for _, c := range cases {
		if got := c.cfg.channelType(); got != c.want {
			t.Errorf("channelType(%+v) = %v, want %v", c.cfg, got, c.want)
		}
		back := configFromOpen(&datachannel.Config{ChannelType: c.want, ReliabilityParameter: c.cfg.reliabilityParameter()})
		if back.channelType() != c.want {
			t.Errorf("round trip %v -> %v", c.want, back.channelType())
		}
	}
}
