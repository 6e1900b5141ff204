/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-12
 *
 * Error taxonomy shared by every peer-connection component.
 * Callers match with errors.Is, context is added with fmt.Errorf("%w: ...").
 */
package rtcerr

import "errors"

var (
	// ErrMalformedSDP indicates a session description that cannot be parsed
	ErrMalformedSDP = errors.New("malformed SDP")

	// ErrInvalidState indicates an operation that is not valid in the current state
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidCandidate indicates an ICE candidate that cannot be parsed
	ErrInvalidCandidate = errors.New("invalid ICE candidate")

	// ErrChannelClosed indicates a send on a data channel that is not open
	ErrChannelClosed = errors.New("data channel is not open")

	// ErrDeviceUnavailable indicates a capture device that cannot be opened
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrNegotiationTimeout indicates an offer that was never answered
	ErrNegotiationTimeout = errors.New("negotiation timed out")

	// ErrICEConnectivity indicates that no candidate pair became reachable
	ErrICEConnectivity = errors.New("ICE connectivity failure")

	// ErrInvalidFrame indicates a frame whose buffer does not match its geometry
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrClosed indicates an operation on a closed object
	ErrClosed = errors.New("closed")
)
