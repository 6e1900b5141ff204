/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-20
 */
package peer

import (
	"fmt"

	"github.com/maiguangyang/peer_core/pkg/iceagent"
	"github.com/maiguangyang/peer_core/pkg/media"
)

// ConnectionState 对外的连接状态
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateGathering
	ConnectionStateNegotiating
	ConnectionStateConnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateGathering:
		return "gathering"
	case ConnectionStateNegotiating:
		return "negotiating"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// terminal Failed/Closed 之后只允许进入 Closed
func (s ConnectionState) terminal() bool {
	return s == ConnectionStateFailed || s == ConnectionStateClosed
}

// EventKind 事件类型
type EventKind int

const (
	// EventSuccessOffer 本地 offer 已生成
	EventSuccessOffer EventKind = iota
	// EventSuccessAnswer 本地 answer 已生成
	EventSuccessAnswer
	// EventNegotiationComplete 远端 answer 已应用，交换完成
	EventNegotiationComplete
	// EventIceCandidate 本地候选，Candidate 为空表示收集结束
	EventIceCandidate
	EventError
	EventFailure
	EventDataMessage
	EventDataBinaryMessage
	EventRenderLocal
	EventRenderRemote
	EventConnectionStateChange
	EventDataChannelOpen
)

var eventKindNames = map[EventKind]string{
	EventSuccessOffer:          "success-offer",
	EventSuccessAnswer:         "success-answer",
	EventNegotiationComplete:   "negotiation-complete",
	EventIceCandidate:          "ice-candidate",
	EventError:                 "error",
	EventFailure:               "failure",
	EventDataMessage:           "data-message",
	EventDataBinaryMessage:     "data-binary-message",
	EventRenderLocal:           "render-local",
	EventRenderRemote:          "render-remote",
	EventConnectionStateChange: "connection-state-change",
	EventDataChannelOpen:       "data-channel-open",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one entry of the outward event stream.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// SuccessOffer / SuccessAnswer / NegotiationComplete
	SDP string
	// IceCandidate
	Candidate iceagent.Candidate
	// Error / Failure / DataMessage
	Message string
	// Error / Failure 的原始错误，可用 errors.Is 匹配
	Err error
	// DataBinaryMessage，只在回调期间有效
	Data []byte
	// RenderLocal / RenderRemote，Frame.Data 只在回调期间有效
	Frame media.Frame
	// ConnectionStateChange
	State ConnectionState
	// DataChannelOpen / DataMessage / DataBinaryMessage
	Label string
}

// Listener receives events of one kind
type Listener func(Event)
