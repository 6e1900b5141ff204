/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-21
 */
package peer

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/maiguangyang/peer_core/pkg/media"
	"github.com/maiguangyang/peer_core/pkg/negotiation"
	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/maiguangyang/peer_core/pkg/utils"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
)

func quietLogger() *utils.Logger {
	l := utils.NewLogger("test")
	l.SetLevel(utils.LogLevelError)
	return l
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

func newTestPeer(t *testing.T, opts ...Option) *PeerConnection {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	pc, err := NewPeerConnection(opts...)
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

// recorder 把指定类型的事件写入通道
type recorder struct {
	ch chan Event
}

func record(pc *PeerConnection, kinds ...EventKind) *recorder {
	r := &recorder{ch: make(chan Event, 64)}
	for _, k := range kinds {
		pc.On(k, func(ev Event) {
			if ev.Kind == EventRenderLocal || ev.Kind == EventRenderRemote {
				ev.Frame = ev.Frame.Clone()
			}
			if ev.Data != nil {
				ev.Data = append([]byte(nil), ev.Data...)
			}
			select {
			case r.ch <- ev:
			default:
			}
		})
	}
	return r
}

func (r *recorder) wait(t *testing.T, timeout time.Duration, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-r.ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
			return Event{}
		}
	}
}

func isState(s ConnectionState) func(Event) bool {
	return func(ev Event) bool {
		return ev.Kind == EventConnectionStateChange && ev.State == s
	}
}

func isKind(k EventKind) func(Event) bool {
	return func(ev Event) bool { return ev.Kind == k }
}

// signal 用监听把两端的描述和候选互相转交
func signal(t *testing.T, a, b *PeerConnection) {
	forward := func(from, to *PeerConnection) {
		from.On(EventSuccessOffer, func(ev Event) {
			if err := to.SetRemoteDescription("offer", ev.SDP); err != nil {
				t.Errorf("SetRemoteDescription(offer): %v", err)
			}
		})
		from.On(EventSuccessAnswer, func(ev Event) {
			if err := to.SetRemoteDescription("answer", ev.SDP); err != nil {
				t.Errorf("SetRemoteDescription(answer): %v", err)
			}
		})
		from.On(EventIceCandidate, func(ev Event) {
			c := ev.Candidate
			if err := to.AddICECandidate(c.SDPMid, c.SDPMLineIndex, c.Candidate); err != nil {
				t.Errorf("AddICECandidate: %v", err)
			}
		})
	}
	forward(a, b)
	forward(b, a)
}

func TestChatScenario(t *testing.T) {
	nets := newVNet(t, "1.2.3.4", "1.2.3.5")
	a := newTestPeer(t, WithNet(nets[0]))
	b := newTestPeer(t, WithNet(nets[1]))
	signal(t, a, b)

	// 每类事件一个 recorder，等待时不会吞掉其他类型
	aState := record(a, EventConnectionStateChange)
	bState := record(b, EventConnectionStateChange)
	aOpen := record(a, EventDataChannelOpen)
	bOpen := record(b, EventDataChannelOpen)
	aDone := record(a, EventNegotiationComplete)
	aBinary := record(a, EventDataBinaryMessage)
	bText := record(b, EventDataMessage)
	bRender := record(b, EventRenderRemote)

	// 连接之前发送失败
	if err := a.SendText("too early"); !errors.Is(err, rtcerr.ErrChannelClosed) {
		t.Fatalf("SendText before open: expected ErrChannelClosed, got %v", err)
	}
	if err := a.CreateDataChannel("chat"); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	if err := a.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	aDone.wait(t, 5*time.Second, isKind(EventNegotiationComplete))
	aState.wait(t, 10*time.Second, isState(ConnectionStateConnected))
	bState.wait(t, 10*time.Second, isState(ConnectionStateConnected))

	if a.SignalingState() != negotiation.SignalingStateStable || b.SignalingState() != negotiation.SignalingStateStable {
		t.Fatalf("signaling states %s / %s, want stable", a.SignalingState(), b.SignalingState())
	}

	openA := aOpen.wait(t, 5*time.Second, isKind(EventDataChannelOpen))
	openB := bOpen.wait(t, 5*time.Second, isKind(EventDataChannelOpen))
	if openA.Label != "chat" || openB.Label != "chat" {
		t.Fatalf("open labels %q / %q", openA.Label, openB.Label)
	}

	if err := a.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	msg := bText.wait(t, 5*time.Second, isKind(EventDataMessage))
	if msg.Message != "hello" {
		t.Fatalf("got %q, want hello", msg.Message)
	}

	if err := b.SendBinary([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}
	bin := aBinary.wait(t, 5*time.Second, isKind(EventDataBinaryMessage))
	if !bytes.Equal(bin.Data, []byte{1, 2, 3}) {
		t.Fatalf("got %v, want [1 2 3]", bin.Data)
	}

	frame := media.Frame{Format: media.PixelFormatBGR24, Width: 64, Height: 48}
	frame.Data = make([]byte, media.PixelFormatBGR24.FrameSize(64, 48))
	for i := range frame.Data {
		frame.Data[i] = byte(i * 7)
	}
	if err := a.PushFrame(frame); err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	remote := bRender.wait(t, 5*time.Second, isKind(EventRenderRemote))
	if remote.Frame.Width != 64 || !bytes.Equal(remote.Frame.Data, frame.Data) {
		t.Fatal("remote frame mismatch")
	}

	stats := a.Stats()
	if stats.State != "connected" || stats.SelectedPair == nil {
		t.Errorf("unexpected stats %s", stats.ToJSON())
	}
	if stats.Traffic.PacketsOut == 0 || stats.Traffic.PacketsIn == 0 {
		t.Errorf("traffic not counted: %+v", stats.Traffic)
	}
	if len(stats.Channels) != 1 || stats.Channels[0].ID%2 != 1 {
		t.Errorf("offerer channel should use an odd id: %+v", stats.Channels)
	}
	if stats.GatheringState != "complete" || len(stats.LocalCandidates) == 0 {
		t.Errorf("gathering not reported: %s %v", stats.GatheringState, stats.LocalCandidates)
	}
}

func TestCreateOfferWhilePending(t *testing.T) {
	nets := newVNet(t, "1.2.3.4")
	pc := newTestPeer(t, WithNet(nets[0]))
	r := record(pc, EventSuccessOffer)

	if err := pc.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	r.wait(t, time.Second, isKind(EventSuccessOffer))

	if err := pc.CreateOffer(); !errors.Is(err, rtcerr.ErrInvalidState) {
		t.Fatalf("second CreateOffer: expected ErrInvalidState, got %v", err)
	}
	if pc.SignalingState() != negotiation.SignalingStateHaveLocalOffer {
		t.Fatalf("pending exchange disturbed: %s", pc.SignalingState())
	}
}

func TestMalformedCandidateLeavesStateUnchanged(t *testing.T) {
	pc := newTestPeer(t)
	before := pc.ConnectionState()

	err := pc.AddICECandidate("0", 0, "candidate:not a candidate")
	if !errors.Is(err, rtcerr.ErrInvalidCandidate) {
		t.Fatalf("expected ErrInvalidCandidate, got %v", err)
	}
	if pc.ConnectionState() != before {
		t.Fatalf("state changed %s -> %s", before, pc.ConnectionState())
	}
}

func TestCandidatesBeforeRemoteDescription(t *testing.T) {
	pc := newTestPeer(t)
	// 远端描述之前到达的候选被缓存
	err := pc.AddICECandidate("0", 0, "candidate:1 1 udp 2130706431 1.2.3.9 5000 typ host")
	if err != nil {
		t.Fatalf("AddICECandidate: %v", err)
	}
	if err := pc.AddICECandidate("0", 0, ""); err != nil {
		t.Fatalf("end-of-candidates: %v", err)
	}
}

func TestSetRemoteDescriptionErrors(t *testing.T) {
	nets := newVNet(t, "1.2.3.4", "1.2.3.5")
	pc := newTestPeer(t, WithNet(nets[0]))

	if err := pc.SetRemoteDescription("pranswer", "v=0"); !errors.Is(err, rtcerr.ErrMalformedSDP) {
		t.Errorf("unknown type: expected ErrMalformedSDP, got %v", err)
	}
	if err := pc.SetRemoteDescription("offer", "garbage"); !errors.Is(err, rtcerr.ErrMalformedSDP) {
		t.Errorf("garbage offer: expected ErrMalformedSDP, got %v", err)
	}

	other := newTestPeer(t, WithNet(nets[1]))
	r := record(other, EventSuccessOffer)
	if err := other.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	offer := r.wait(t, time.Second, isKind(EventSuccessOffer))

	// 没有挂起的 offer 时收到 answer
	if err := pc.SetRemoteDescription("answer", offer.SDP); !errors.Is(err, rtcerr.ErrInvalidState) {
		t.Errorf("unexpected answer: expected ErrInvalidState, got %v", err)
	}
	if pc.SignalingState() != negotiation.SignalingStateNew {
		t.Errorf("signaling state %s, want new", pc.SignalingState())
	}
}

func TestNegotiationTimeout(t *testing.T) {
	nets := newVNet(t, "1.2.3.4")
	pc := newTestPeer(t, WithNet(nets[0]), WithNegotiationTimeout(100*time.Millisecond))
	r := record(pc, EventError, EventConnectionStateChange)

	if err := pc.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	ev := r.wait(t, 2*time.Second, isKind(EventError))
	if !errors.Is(ev.Err, rtcerr.ErrNegotiationTimeout) {
		t.Fatalf("expected ErrNegotiationTimeout, got %v", ev.Err)
	}
	r.wait(t, time.Second, isState(ConnectionStateFailed))

	if pc.SignalingState() != negotiation.SignalingStateNew {
		t.Errorf("signaling state %s, want new", pc.SignalingState())
	}
	if err := pc.CreateOffer(); !errors.Is(err, rtcerr.ErrInvalidState) {
		t.Errorf("CreateOffer after failure: expected ErrInvalidState, got %v", err)
	}
}

func TestCloseDuringGathering(t *testing.T) {
	nets := newVNet(t, "1.2.3.4")
	pc := newTestPeer(t, WithNet(nets[0]))
	// 不存在的 STUN 服务器让收集一直挂着
	if err := pc.AddICEServerConfig("stun:1.2.3.200:3478", "", ""); err != nil {
		t.Fatalf("AddICEServerConfig: %v", err)
	}

	events := make(chan Event, 64)
	closed := make(chan struct{})
	for _, k := range []EventKind{EventIceCandidate, EventConnectionStateChange, EventError, EventFailure, EventSuccessOffer} {
		pc.On(k, func(ev Event) {
			select {
			case <-closed:
				events <- ev
			default:
			}
		})
	}

	if err := pc.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := pc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(closed)
	if err := pc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case ev := <-events:
		t.Fatalf("event %s delivered after Close", ev.Kind)
	case <-time.After(300 * time.Millisecond):
	}

	if pc.ConnectionState() != ConnectionStateClosed {
		t.Errorf("state %s, want closed", pc.ConnectionState())
	}
	if err := pc.CreateOffer(); !errors.Is(err, rtcerr.ErrClosed) {
		t.Errorf("CreateOffer after Close: expected ErrClosed, got %v", err)
	}
	if err := pc.SendText("x"); !errors.Is(err, rtcerr.ErrClosed) {
		t.Errorf("SendText after Close: expected ErrClosed, got %v", err)
	}
}

func TestPushFrameRendersLocal(t *testing.T) {
	pc := newTestPeer(t)
	r := record(pc, EventRenderLocal)

	f := media.Frame{Format: media.PixelFormatBGRA, Width: 2, Height: 2, Data: bytes.Repeat([]byte{9}, 16)}
	if err := pc.PushFrame(f); err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	ev := r.wait(t, time.Second, isKind(EventRenderLocal))
	if ev.Frame.Format != media.PixelFormatBGRA || !bytes.Equal(ev.Frame.Data, f.Data) {
		t.Fatalf("unexpected local frame %+v", ev.Frame)
	}

	bad := media.Frame{Format: media.PixelFormatBGRA, Width: 2, Height: 2, Data: []byte{1}}
	if err := pc.PushFrame(bad); !errors.Is(err, rtcerr.ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestCaptureDevice(t *testing.T) {
	pc := newTestPeer(t, WithRegistry(media.NewRegistry()))
	r := record(pc, EventRenderLocal)

	if _, err := pc.CaptureFrameAndPush(); !errors.Is(err, rtcerr.ErrDeviceUnavailable) {
		t.Fatalf("no device: expected ErrDeviceUnavailable, got %v", err)
	}
	if err := pc.OpenCaptureDevice("missing"); !errors.Is(err, rtcerr.ErrDeviceUnavailable) {
		t.Fatalf("unknown device: expected ErrDeviceUnavailable, got %v", err)
	}
	if got := pc.VideoDevices(); len(got) != 1 || got[0] != media.TestPatternDevice {
		t.Fatalf("devices %v", got)
	}

	if err := pc.SetVideoCapturer(32, 16, 5); err != nil {
		t.Fatalf("SetVideoCapturer: %v", err)
	}
	if err := pc.OpenCaptureDevice(media.TestPatternDevice); err != nil {
		t.Fatalf("OpenCaptureDevice: %v", err)
	}
	pushed, err := pc.CaptureFrameAndPush()
	if err != nil || !pushed {
		t.Fatalf("CaptureFrameAndPush = %v, %v", pushed, err)
	}
	ev := r.wait(t, time.Second, isKind(EventRenderLocal))
	if ev.Frame.Width != 32 || ev.Frame.Height != 16 {
		t.Fatalf("frame %dx%d, want 32x16", ev.Frame.Width, ev.Frame.Height)
	}

	if err := pc.SetVideoCapturer(0, 16, 5); !errors.Is(err, rtcerr.ErrInvalidFrame) {
		t.Fatalf("bad capture config: expected ErrInvalidFrame, got %v", err)
	}
}

func TestSetAudioEnabledAddsAudioSection(t *testing.T) {
	nets := newVNet(t, "1.2.3.4")
	pc := newTestPeer(t, WithNet(nets[0]))
	r := record(pc, EventSuccessOffer)

	pc.SetAudioEnabled(true)
	if err := pc.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	offer := r.wait(t, time.Second, isKind(EventSuccessOffer))
	if !bytes.Contains([]byte(offer.SDP), []byte("m=audio")) {
		t.Fatal("offer should contain an audio section")
	}
	if st := pc.Stats(); st.Media == nil || !st.Media.AudioEnabled {
		t.Error("pipeline audio switch not applied")
	}
}

func TestRunServers(t *testing.T) {
	nets := newVNet(t, "1.2.3.4")
	pc := newTestPeer(t, WithNet(nets[0]))

	if err := pc.RunSTUNServer("1.2.3.4:3478"); err != nil {
		t.Fatalf("RunSTUNServer: %v", err)
	}
	if err := pc.RunTURNServer("1.2.3.4:3479", "1.2.3.4", "realm", "/nonexistent/auth"); err == nil {
		t.Fatal("RunTURNServer with missing auth file should fail")
	}
	if got := pc.Servers(); len(got) != 1 || got[0].Kind() != "stun" {
		t.Fatalf("servers %v", got)
	}
}
