/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-13
 */
package iceagent

// ConnectionState ICE 连接状态
// New -> Checking -> Connected -> Completed
// Checking 超时 -> Failed (终态)
// Connected/Completed 失去 consent -> Disconnected，恢复后回到 Connected
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateChecking
	ConnectionStateConnected
	ConnectionStateCompleted
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateChecking:
		return "checking"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateCompleted:
		return "completed"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// GatheringState 候选收集状态
type GatheringState int

const (
	GatheringStateNew GatheringState = iota
	GatheringStateGathering
	GatheringStateComplete
)

func (s GatheringState) String() string {
	switch s {
	case GatheringStateNew:
		return "new"
	case GatheringStateGathering:
		return "gathering"
	case GatheringStateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

type pairState int

const (
	pairStateWaiting pairState = iota
	pairStateInProgress
	pairStateSucceeded
	pairStateFailed
)

func (s pairState) String() string {
	switch s {
	case pairStateWaiting:
		return "waiting"
	case pairStateInProgress:
		return "in-progress"
	case pairStateSucceeded:
		return "succeeded"
	case pairStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
