/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-22
 */
package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maiguangyang/peer_core/pkg/iceagent"
	"github.com/maiguangyang/peer_core/pkg/peer"
	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
)

type call struct {
	op, a, b string
	index    uint16
}

// fakePeer 记录调用，手动触发事件
type fakePeer struct {
	mu        sync.Mutex
	listeners map[peer.EventKind][]peer.Listener
	calls     []call
	failSDP   bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{listeners: make(map[peer.EventKind][]peer.Listener)}
}

func (f *fakePeer) On(kind peer.EventKind, fn peer.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[kind] = append(f.listeners[kind], fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, kind)
	}
}

func (f *fakePeer) fire(ev peer.Event) {
	f.mu.Lock()
	fns := append([]peer.Listener(nil), f.listeners[ev.Kind]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakePeer) SetRemoteDescription(sdpType, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "sdp", a: sdpType, b: sdp})
	if f.failSDP {
		return rtcerr.ErrMalformedSDP
	}
	return nil
}

func (f *fakePeer) AddICECandidate(mid string, index uint16, candidate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "candidate", a: mid, b: candidate, index: index})
	return nil
}

func (f *fakePeer) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func TestPumpForwardsLocalEvents(t *testing.T) {
	local, remote := NewLocalPair()
	defer local.Close()

	fp := newFakePeer()
	pump := NewPump(local, fp, quietLogger())

	fp.fire(peer.Event{Kind: peer.EventSuccessOffer, SDP: "offer-sdp"})
	fp.fire(peer.Event{Kind: peer.EventIceCandidate, Candidate: iceagent.Candidate{SDPMid: "0", Candidate: "candidate:x"}})

	if got := recv(t, remote); got.Type != MessageTypeOffer || got.SDP != "offer-sdp" {
		t.Fatalf("got %+v", got)
	}
	got := recv(t, remote)
	if mid, _, cand, err := got.CandidateFields(); err != nil || mid != "0" || cand != "candidate:x" {
		t.Fatalf("candidate %q %q %v", mid, cand, err)
	}

	pump.Stop()
	fp.fire(peer.Event{Kind: peer.EventSuccessAnswer, SDP: "late"})
	select {
	case msg := <-remote.Receive():
		t.Fatalf("forwarded after Stop: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPumpAppliesRemoteMessages(t *testing.T) {
	local, remote := NewLocalPair()
	defer local.Close()

	fp := newFakePeer()
	fp.failSDP = true
	pump := NewPump(local, fp, quietLogger())

	done := make(chan error, 1)
	go func() { done <- pump.Run(context.Background()) }()

	_ = remote.Send(AnswerMessage("bad"))
	_ = remote.Send(CandidateMessage("0", 0, "candidate:y"))

	// 应用失败时回报 error 消息
	if got := recv(t, remote); got.Type != MessageTypeError || got.Error == "" {
		t.Fatalf("got %+v", got)
	}

	_ = remote.Send(Message{Type: MessageTypeBye})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on bye")
	}

	calls := fp.snapshot()
	if len(calls) != 2 || calls[0].op != "sdp" || calls[0].a != "answer" || calls[1].op != "candidate" || calls[1].b != "candidate:y" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestPumpRunContext(t *testing.T) {
	local, _ := NewLocalPair()
	defer local.Close()

	pump := NewPump(local, newFakePeer(), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pump.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
}

func newVNet(t *testing.T, ips ...string) []*vnet.Net {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "1.2.3.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	nets := make([]*vnet.Net, 0, len(ips))
	for _, ip := range ips {
		nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("NewNet: %v", err)
		}
		if err := router.AddNet(nw); err != nil {
			t.Fatalf("AddNet: %v", err)
		}
		nets = append(nets, nw)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("router start: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return nets
}

func TestPumpConnectsPeers(t *testing.T) {
	nets := newVNet(t, "1.2.3.4", "1.2.3.5")
	newPeer := func(n *vnet.Net) *peer.PeerConnection {
		pc, err := peer.NewPeerConnection(peer.WithNet(n), peer.WithLogger(quietLogger()))
		if err != nil {
			t.Fatalf("NewPeerConnection: %v", err)
		}
		t.Cleanup(func() { _ = pc.Close() })
		return pc
	}
	a, b := newPeer(nets[0]), newPeer(nets[1])

	chA, chB := NewLocalPair()
	defer chA.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pumpA := NewPump(chA, a, quietLogger())
	pumpB := NewPump(chB, b, quietLogger())
	go func() { _ = pumpA.Run(ctx) }()
	go func() { _ = pumpB.Run(ctx) }()

	got := make(chan string, 1)
	b.On(peer.EventDataMessage, func(ev peer.Event) {
		select {
		case got <- ev.Message:
		default:
		}
	})
	opened := make(chan struct{}, 1)
	a.On(peer.EventDataChannelOpen, func(peer.Event) {
		select {
		case opened <- struct{}{}:
		default:
		}
	})

	if err := a.CreateDataChannel("chat"); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	if err := a.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	select {
	case <-opened:
	case <-time.After(15 * time.Second):
		t.Fatalf("channel not open, state a=%s b=%s", a.ConnectionState(), b.ConnectionState())
	}
	if err := a.SendText("over signaling"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	select {
	case m := <-got:
		if m != "over signaling" {
			t.Fatalf("got %q", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}
