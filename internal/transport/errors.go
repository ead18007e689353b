package transport

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	ErrNoPeers      = errors.New("no connected peers")
	ErrNotConnected = errors.New("peer not connected")
	ErrClosed       = errors.New("session closed")
	ErrRejected     = errors.New("invitation rejected")
	ErrAckTimeout   = errors.New("acknowledgement timed out")
	ErrBadAck       = errors.New("acknowledgement failed to open")
	ErrUnsupported  = errors.New("stream transfer not supported")
)

// TransportError reports a failed session operation, optionally scoped
// to one peer.
type TransportError struct {
	Op   string
	Peer peer.ID
	Err  error
}

func (e *TransportError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Peer.ShortString(), e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
