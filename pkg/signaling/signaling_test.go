/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-22
 */
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/maiguangyang/peer_core/pkg/utils"
)

func quietLogger() *utils.Logger {
	l := utils.NewLogger("test")
	l.SetLevel(utils.LogLevelError)
	return l
}

func recv(t *testing.T, ch Channel) Message {
	t.Helper()
	select {
	case msg, ok := <-ch.Receive():
		if !ok {
			t.Fatal("channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMessageJSON(t *testing.T) {
	msg := CandidateMessage("0", 0, "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host")
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// 与浏览器 RTCIceCandidateInit 字段一致
	for _, field := range []string{`"sdpMid":"0"`, `"sdpMLineIndex":0`, `"type":"candidate"`} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("%s missing %s", raw, field)
		}
	}

	var back Message
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	mid, index, cand, err := back.CandidateFields()
	if err != nil || mid != "0" || index != 0 || cand != msg.Candidate.Candidate {
		t.Fatalf("CandidateFields = %q %d %q %v", mid, index, cand, err)
	}
}

func TestMessageValidate(t *testing.T) {
	if err := OfferMessage("").Validate(); !errors.Is(err, rtcerr.ErrMalformedSDP) {
		t.Errorf("empty offer: %v", err)
	}
	if err := (Message{Type: MessageTypeCandidate}).Validate(); !errors.Is(err, rtcerr.ErrInvalidCandidate) {
		t.Errorf("candidate without payload: %v", err)
	}
	if err := (Message{Type: "room_join"}).Validate(); err == nil {
		t.Error("unknown type accepted")
	}
	// 空候选是结束标记，合法
	if err := CandidateMessage("0", 0, "").Validate(); err != nil {
		t.Errorf("end-of-candidates: %v", err)
	}
	if err := (Message{Type: MessageTypeBye}).Validate(); err != nil {
		t.Errorf("bye: %v", err)
	}
}

func TestLocalPairOrder(t *testing.T) {
	a, b := NewLocalPair()
	defer a.Close()

	for i := 0; i < 100; i++ {
		if err := a.Send(OfferMessage(strings.Repeat("x", i+1))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for i := 0; i < 100; i++ {
		if got := recv(t, b); len(got.SDP) != i+1 {
			t.Fatalf("message %d out of order: len %d", i, len(got.SDP))
		}
	}

	if err := b.Send(AnswerMessage("v=0")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recv(t, a); got.Type != MessageTypeAnswer {
		t.Fatalf("got %s", got.Type)
	}
}

func TestLocalPairClose(t *testing.T) {
	a, b := NewLocalPair()
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := a.Send(OfferMessage("v=0")); !errors.Is(err, rtcerr.ErrClosed) {
		t.Errorf("Send after close: %v", err)
	}
	if err := b.Send(OfferMessage("v=0")); !errors.Is(err, rtcerr.ErrClosed) {
		t.Errorf("Send to closed peer: %v", err)
	}
	select {
	case _, ok := <-b.Receive():
		if ok {
			t.Error("unexpected message")
		}
	case <-time.After(time.Second):
		t.Error("Receive not closed")
	}
}

func TestWebSocketChannel(t *testing.T) {
	srv := NewServer(quietLogger())
	defer srv.Close()
	hs := httptest.NewServer(srv)
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"), quietLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	remote, err := srv.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer remote.Close()

	if err := client.Send(OfferMessage("v=0\r\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recv(t, remote); got.Type != MessageTypeOffer || got.SDP != "v=0\r\n" {
		t.Fatalf("got %+v", got)
	}

	if err := remote.Send(CandidateMessage("0", 0, "")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := recv(t, client)
	if _, _, cand, err := got.CandidateFields(); err != nil || cand != "" {
		t.Fatalf("candidate = %q, %v", cand, err)
	}

	// 一端关闭后另一端的 Receive 关闭
	if err := remote.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case _, ok := <-client.Receive():
		if ok {
			t.Fatal("unexpected message after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client Receive not closed")
	}
	if err := remote.Send(OfferMessage("v=0")); !errors.Is(err, rtcerr.ErrClosed) {
		t.Errorf("Send after close: %v", err)
	}
}

func TestServerAcceptAfterClose(t *testing.T) {
	srv := NewServer(quietLogger())
	srv.Close()
	srv.Close()
	if _, err := srv.Accept(context.Background()); !errors.Is(err, rtcerr.ErrClosed) {
		t.Fatalf("Accept = %v", err)
	}
}

func TestServePairs(t *testing.T) {
	srv := NewServer(quietLogger())
	defer srv.Close()
	hs := httptest.NewServer(srv)
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = srv.ServePairs(ctx) }()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	a, err := Dial(ctx, url, quietLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer a.Close()
	b, err := Dial(ctx, url, quietLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer b.Close()

	if err := a.Send(OfferMessage("v=0")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recv(t, b); got.Type != MessageTypeOffer {
		t.Fatalf("got %+v", got)
	}
	if err := b.Send(AnswerMessage("v=0")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recv(t, a); got.Type != MessageTypeAnswer {
		t.Fatalf("got %+v", got)
	}

	// 一端断开后另一端也被关闭
	_ = a.Close()
	select {
	case _, ok := <-b.Receive():
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer not closed")
	}
}

func TestRelayLocal(t *testing.T) {
	a1, a2 := NewLocalPair()
	b1, b2 := NewLocalPair()

	done := make(chan struct{})
	go func() {
		Relay(context.Background(), a2, b2)
		close(done)
	}()

	_ = a1.Send(OfferMessage("v=0"))
	if got := recv(t, b1); got.SDP != "v=0" {
		t.Fatalf("got %+v", got)
	}
	_ = a1.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Relay did not return")
	}
	if err := b1.Send(OfferMessage("v=0")); !errors.Is(err, rtcerr.ErrClosed) {
		t.Fatalf("Send after relay stop: %v", err)
	}
}
