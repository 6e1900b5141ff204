/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-20
 *
 * ICE 回调与入站包分流
 * RFC 7983: 数据通道帧首字节 23，RTP 128-191，STUN 由 agent 自己处理
 */
package peer

import (
	"fmt"

	"github.com/maiguangyang/peer_core/pkg/dcmux"
	"github.com/maiguangyang/peer_core/pkg/iceagent"
	"github.com/maiguangyang/peer_core/pkg/media"
	"github.com/maiguangyang/peer_core/pkg/rtcerr"
)

func (pc *PeerConnection) handleCandidate(c iceagent.Candidate) {
	c.SDPMid = pc.negotiator.BundleMid()
	c.SDPMLineIndex = 0

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return
	}
	pc.events.emit(Event{Kind: EventIceCandidate, Candidate: c})
	if c.IsEndOfCandidates() && pc.state == ConnectionStateGathering {
		pc.setStateLocked(ConnectionStateNegotiating)
	}
}

func (pc *PeerConnection) handleGatheringState(s iceagent.GatheringState) {
	if s != iceagent.GatheringStateComplete {
		pc.log.Debug("ICE gathering %s", s)
		return
	}
	pc.log.Info("ICE gathering complete, %d local candidates", len(pc.agent.LocalCandidates()))
}

func (pc *PeerConnection) handleICEState(s iceagent.ConnectionState) {
	pc.log.Debug("ICE state %s", s)

	switch s {
	case iceagent.ConnectionStateConnected, iceagent.ConnectionStateCompleted:
		pc.attach()
		pc.mu.Lock()
		if !pc.closed {
			pc.setStateLocked(ConnectionStateConnected)
		}
		pc.mu.Unlock()
	case iceagent.ConnectionStateDisconnected:
		// consent 恢复后 agent 会回到 Connected
		pc.log.Warn("selected pair stopped answering consent checks")
	case iceagent.ConnectionStateFailed:
		pc.fail(EventFailure, fmt.Errorf("%w: no candidate pair succeeded", rtcerr.ErrICEConnectivity))
	}
}

// attach 候选对选定后把复用器和媒体管线接到传输上
func (pc *PeerConnection) attach() {
	pc.mu.Lock()
	if pc.attached || pc.closed {
		pc.mu.Unlock()
		return
	}
	pc.attached = true
	pending := pc.pendingChannels
	pc.pendingChannels = nil
	pc.mu.Unlock()

	odd := pc.negotiator.IsOfferer()
	if err := pc.mux.Attach(pc.transport, odd); err != nil {
		pc.reportError(fmt.Errorf("attach data channels: %w", err))
		return
	}
	if a, ok := pc.pipeline.(transportAttacher); ok {
		a.Attach(pc.transport)
	}
	pc.log.Info("transport attached, stream ids odd=%v", odd)

	for _, label := range pending {
		if err := pc.openChannel(label); err != nil {
			pc.reportError(fmt.Errorf("open data channel %q: %w", label, err))
		}
	}
}

// handlePacket b 只在回调期间有效，下游各自复制
func (pc *PeerConnection) handlePacket(b []byte) {
	pc.traffic.AddIn(len(b))

	switch {
	case dcmux.IsFrame(b):
		if err := pc.mux.HandlePacket(b); err != nil {
			pc.log.Debug("drop data channel frame: %v", err)
		}
	case media.IsRTP(b):
		h, ok := pc.pipeline.(rtpHandler)
		if !ok {
			pc.traffic.AddUnknown()
			return
		}
		if err := h.HandleRTP(b); err != nil {
			pc.log.Debug("drop RTP packet: %v", err)
		}
	default:
		pc.traffic.AddUnknown()
	}
}
