/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-12
 */
package negotiation

import (
	"fmt"
	"strings"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
)

// SDPType is the role of a session description in an exchange
type SDPType int

const (
	SDPTypeUnknown SDPType = iota
	SDPTypeOffer
	SDPTypeAnswer
)

func (t SDPType) String() string {
	switch t {
	case SDPTypeOffer:
		return "offer"
	case SDPTypeAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// NewSDPType parses "offer" / "answer" (case-insensitive)
func NewSDPType(raw string) (SDPType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "offer":
		return SDPTypeOffer, nil
	case "answer":
		return SDPTypeAnswer, nil
	default:
		return SDPTypeUnknown, fmt.Errorf("%w: unknown description type %q", rtcerr.ErrMalformedSDP, raw)
	}
}

// SessionDescription is an immutable offer or answer
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// SignalingState tracks the offer/answer exchange
type SignalingState int

const (
	SignalingStateNew SignalingState = iota
	SignalingStateHaveLocalOffer
	SignalingStateHaveRemoteOffer
	SignalingStateStable
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStateNew:
		return "new"
	case SignalingStateHaveLocalOffer:
		return "have-local-offer"
	case SignalingStateHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingStateStable:
		return "stable"
	default:
		return "unknown"
	}
}

// Pending reports whether an exchange is in flight
func (s SignalingState) Pending() bool {
	return s == SignalingStateHaveLocalOffer || s == SignalingStateHaveRemoteOffer
}

// ICEParameters are the credentials of one side of the ICE session
type ICEParameters struct {
	UsernameFragment string
	Password         string
	Lite             bool
}

// CandidateLine is an a=candidate attribute found in a remote description
type CandidateLine struct {
	SDPMid        string
	SDPMLineIndex uint16
	Candidate     string
}

// Direction is the media direction attribute
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// reverse returns the direction seen from the other side
func (d Direction) reverse() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	case DirectionInactive:
		return DirectionInactive
	default:
		return DirectionSendRecv
	}
}

// limit drops the send half when we have nothing to send
func (d Direction) limit(canSend bool) Direction {
	if canSend {
		return d
	}
	switch d {
	case DirectionSendRecv:
		return DirectionRecvOnly
	case DirectionSendOnly:
		return DirectionInactive
	default:
		return d
	}
}

// MediaSection is the negotiated outcome of one m-line
type MediaSection struct {
	Mid       string
	Kind      MediaKind
	Direction Direction
	Codecs    []CodecInfo
	Rejected  bool
}
