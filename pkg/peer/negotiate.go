/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-20
 */
package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/maiguangyang/peer_core/pkg/iceagent"
	"github.com/maiguangyang/peer_core/pkg/negotiation"
	"github.com/maiguangyang/peer_core/pkg/rtcerr"
)

// CreateOffer 生成 offer，结果通过 SuccessOffer 事件送出
// 协商进行中调用返回 ErrInvalidState，进行中的交换不受影响
func (pc *PeerConnection) CreateOffer() error {
	pc.mu.Lock()
	if err := pc.checkOpenLocked(); err != nil {
		pc.mu.Unlock()
		return err
	}
	offer, err := pc.negotiator.CreateOffer()
	if err != nil {
		pc.mu.Unlock()
		return err
	}
	pc.agent.SetControlling(true)
	pc.armNegotiationTimerLocked()
	pc.events.emit(Event{Kind: EventSuccessOffer, SDP: offer.SDP})
	pc.mu.Unlock()

	return pc.startGathering()
}

// SetRemoteDescription 应用远端 offer/answer
// offer: 生成 answer 并通过 SuccessAnswer 事件送出
// answer: 完成交换，送出 NegotiationComplete 事件
func (pc *PeerConnection) SetRemoteDescription(sdpType, sdp string) error {
	t, err := negotiation.NewSDPType(sdpType)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	if err := pc.checkOpenLocked(); err != nil {
		pc.mu.Unlock()
		return err
	}
	answer, err := pc.negotiator.SetRemoteDescription(negotiation.SessionDescription{Type: t, SDP: sdp})
	if err != nil {
		// 协商器已回到 New，挂起的 offer 作废
		pc.stopNegotiationTimerLocked()
		pc.mu.Unlock()
		return err
	}
	if t == negotiation.SDPTypeOffer {
		pc.agent.SetControlling(false)
	} else {
		pc.stopNegotiationTimerLocked()
	}
	remote := pc.negotiator.RemoteICEParameters()
	candidates := pc.negotiator.RemoteCandidates()
	if answer != nil {
		pc.events.emit(Event{Kind: EventSuccessAnswer, SDP: answer.SDP})
	} else {
		pc.events.emit(Event{Kind: EventNegotiationComplete, SDP: sdp})
	}
	pc.mu.Unlock()

	if err := pc.agent.SetRemoteCredentials(remote.UsernameFragment, remote.Password); err != nil {
		return err
	}
	for _, c := range candidates {
		err := pc.agent.AddRemoteCandidate(iceagent.Candidate{
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
			Candidate:     c.Candidate,
		})
		if err != nil {
			pc.reportError(fmt.Errorf("remote description candidate: %w", err))
		}
	}

	if answer != nil {
		return pc.startGathering()
	}
	return nil
}

// AddICECandidate 添加远端候选，远端描述之前到达的候选会被缓存
// 格式错误返回 ErrInvalidCandidate，连接状态不变
func (pc *PeerConnection) AddICECandidate(mid string, index uint16, candidate string) error {
	pc.mu.Lock()
	if err := pc.checkOpenLocked(); err != nil {
		pc.mu.Unlock()
		return err
	}
	pc.mu.Unlock()

	return pc.agent.AddRemoteCandidate(iceagent.Candidate{
		SDPMid:        mid,
		SDPMLineIndex: index,
		Candidate:     candidate,
	})
}

// AddICEServerConfig 添加 STUN/TURN 服务器，须在开始收集之前调用
func (pc *PeerConnection) AddICEServerConfig(uri, username, credential string) error {
	return pc.agent.AddServer(uri, username, credential)
}

// startGathering 第一次 CreateOffer 或收到远端 offer 时开始收集
func (pc *PeerConnection) startGathering() error {
	pc.mu.Lock()
	if pc.closed || pc.gathering {
		pc.mu.Unlock()
		return nil
	}
	pc.gathering = true
	if pc.state == ConnectionStateNew {
		pc.setStateLocked(ConnectionStateGathering)
	}
	pc.mu.Unlock()

	if err := pc.agent.StartGathering(pc.ctx); err != nil {
		if errors.Is(err, rtcerr.ErrClosed) {
			return err
		}
		err = fmt.Errorf("start gathering: %w", err)
		pc.fail(EventFailure, err)
		return err
	}
	return nil
}

func (pc *PeerConnection) armNegotiationTimerLocked() {
	pc.stopNegotiationTimerLocked()
	timeout := pc.config.NegotiationTimeout
	if timeout <= 0 {
		return
	}
	gen := pc.negGen
	pc.negTimer = time.AfterFunc(timeout, func() {
		pc.negotiationTimedOut(gen, timeout)
	})
}

func (pc *PeerConnection) stopNegotiationTimerLocked() {
	pc.negGen++
	if pc.negTimer != nil {
		pc.negTimer.Stop()
		pc.negTimer = nil
	}
}

func (pc *PeerConnection) negotiationTimedOut(gen uint64, timeout time.Duration) {
	pc.mu.Lock()
	if pc.closed || gen != pc.negGen || pc.negotiator.State() != negotiation.SignalingStateHaveLocalOffer {
		pc.mu.Unlock()
		return
	}
	pc.negotiator.Reset()
	pc.negTimer = nil
	pc.mu.Unlock()

	pc.fail(EventError, fmt.Errorf("%w: no answer within %s", rtcerr.ErrNegotiationTimeout, timeout))
}
