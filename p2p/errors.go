package p2p

import "errors"

// ErrInvalidPayload indicates that a peer supplied a syntactically correct message with invalid contents.
var ErrInvalidPayload = errors.New("p2p: invalid payload")

var (
	ErrPeerUnknown     = errors.New("p2p: unknown peer")
	ErrDialTargetEmpty = errors.New("p2p: empty dial target")
	ErrSelfDial        = errors.New("p2p: refusing connection to self")
	ErrDuplicatePeer   = errors.New("p2p: peer already connected")
	ErrMaxPeers        = errors.New("p2p: peer limit reached")
	ErrClosed          = errors.New("p2p: server closed")

	errQueueFull = errors.New("p2p: peer outbound queue full")
)

// IsInvalidPayload reports whether the error originated from a malformed or invalid payload.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}
