/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-22
 *
 * Pump - 把 PeerConnection 的本地描述和候选转发到信令通道，
 * 并把收到的远端描述和候选交给 PeerConnection
 */
package signaling

import (
	"context"
	"sync"

	"github.com/maiguangyang/peer_core/pkg/peer"
	"github.com/maiguangyang/peer_core/pkg/utils"
)

// Peer is the part of a peer connection the pump drives
type Peer interface {
	On(kind peer.EventKind, fn peer.Listener) func()
	SetRemoteDescription(sdpType, sdp string) error
	AddICECandidate(mid string, index uint16, candidate string) error
}

// Pump connects one Peer to one Channel
type Pump struct {
	ch     Channel
	peer   Peer
	log    *utils.Logger
	unsubs []func()
	once   sync.Once
}

// NewPump 立即开始转发本地事件，Run 处理远端消息
func NewPump(ch Channel, p Peer, logger *utils.Logger) *Pump {
	if logger == nil {
		logger = utils.GetLogger()
	}
	pump := &Pump{ch: ch, peer: p, log: logger.Named("signaling")}
	pump.unsubs = []func(){
		p.On(peer.EventSuccessOffer, func(ev peer.Event) {
			pump.send(OfferMessage(ev.SDP))
		}),
		p.On(peer.EventSuccessAnswer, func(ev peer.Event) {
			pump.send(AnswerMessage(ev.SDP))
		}),
		p.On(peer.EventIceCandidate, func(ev peer.Event) {
			c := ev.Candidate
			pump.send(CandidateMessage(c.SDPMid, c.SDPMLineIndex, c.Candidate))
		}),
	}
	return pump
}

// Stop 停止转发本地事件，不关闭通道
func (p *Pump) Stop() {
	p.once.Do(func() {
		for _, unsub := range p.unsubs {
			unsub()
		}
	})
}

// Run 处理远端消息直到 ctx 取消、通道关闭或收到 bye，返回时停止转发
func (p *Pump) Run(ctx context.Context) error {
	defer p.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-p.ch.Receive():
			if !ok {
				return nil
			}
			if msg.Type == MessageTypeBye {
				p.log.Debug("remote said bye")
				return nil
			}
			p.apply(msg)
		}
	}
}

// Bye 通知远端结束
func (p *Pump) Bye() error {
	return p.ch.Send(Message{Type: MessageTypeBye})
}

func (p *Pump) send(msg Message) {
	if err := p.ch.Send(msg); err != nil {
		p.log.Warn("send %s failed: %v", msg.Type, err)
	}
}

// apply 远端消息出错只记录并回报，不中断转发
func (p *Pump) apply(msg Message) {
	var err error
	switch msg.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		err = p.peer.SetRemoteDescription(string(msg.Type), msg.SDP)
	case MessageTypeCandidate:
		mid, index, candidate, ferr := msg.CandidateFields()
		if ferr != nil {
			err = ferr
			break
		}
		err = p.peer.AddICECandidate(mid, index, candidate)
	case MessageTypeError:
		p.log.Warn("remote signaling error: %s", msg.Error)
		return
	default:
		p.log.Debug("ignore signaling message %q", msg.Type)
		return
	}
	if err != nil {
		p.log.Warn("apply %s failed: %v", msg.Type, err)
		p.send(Message{Type: MessageTypeError, Error: err.Error()})
	}
}
