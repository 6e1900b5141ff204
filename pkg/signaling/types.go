/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 */
package signaling

import (
	"fmt"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/pion/webrtc/v4"
)

// MessageType represents the type of signaling message
type MessageType string

const (
	// MessageTypeOffer is an SDP offer
	MessageTypeOffer MessageType = "offer"
	// MessageTypeAnswer is an SDP answer
	MessageTypeAnswer MessageType = "answer"
	// MessageTypeCandidate is an ICE candidate
	MessageTypeCandidate MessageType = "candidate"
	// MessageTypeBye ends the session, the receiving pump stops
	MessageTypeBye MessageType = "bye"
	// MessageTypeError indicates an error occurred
	MessageTypeError MessageType = "error"
)

// Message represents a signaling message
// 候选使用 webrtc.ICECandidateInit 的 JSON 形式，与浏览器端互通
type Message struct {
	Type      MessageType              `json:"type"`
	PeerID    string                   `json:"peer_id,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// OfferMessage builds an offer message
func OfferMessage(sdp string) Message {
	return Message{Type: MessageTypeOffer, SDP: sdp}
}

// AnswerMessage builds an answer message
func AnswerMessage(sdp string) Message {
	return Message{Type: MessageTypeAnswer, SDP: sdp}
}

// CandidateMessage builds a candidate message; an empty candidate is end-of-candidates
func CandidateMessage(mid string, index uint16, candidate string) Message {
	return Message{
		Type: MessageTypeCandidate,
		Candidate: &webrtc.ICECandidateInit{
			Candidate:     candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &index,
		},
	}
}

// CandidateFields 取出候选三元组，缺省的 mid/index 为空串和 0
func (m Message) CandidateFields() (mid string, index uint16, candidate string, err error) {
	if m.Type != MessageTypeCandidate || m.Candidate == nil {
		return "", 0, "", fmt.Errorf("%w: %s message carries no candidate", rtcerr.ErrInvalidCandidate, m.Type)
	}
	if m.Candidate.SDPMid != nil {
		mid = *m.Candidate.SDPMid
	}
	if m.Candidate.SDPMLineIndex != nil {
		index = *m.Candidate.SDPMLineIndex
	}
	return mid, index, m.Candidate.Candidate, nil
}

// Validate checks that the message carries what its type needs
func (m Message) Validate() error {
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%w: empty %s", rtcerr.ErrMalformedSDP, m.Type)
		}
	case MessageTypeCandidate:
		_, _, _, err := m.CandidateFields()
		return err
	case MessageTypeBye, MessageTypeError:
	default:
		return fmt.Errorf("%w: unknown signaling message %q", rtcerr.ErrInvalidState, m.Type)
	}
	return nil
}
