package transport

import "github.com/libp2p/go-libp2p/core/peer"

// State of the link to one peer.
type State uint8

const (
	NotConnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not-connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Reliability selects how Send treats each peer.
type Reliability uint8

const (
	// Reliable waits for a sealed acknowledgement from every peer.
	Reliable Reliability = iota
	// Unreliable returns once the frame is written.
	Unreliable
)

// Peer is a remote endpoint as announced in its hello.
type Peer struct {
	ID   peer.ID
	Name string
}

func (p Peer) String() string {
	if p.Name == "" {
		return p.ID.ShortString()
	}
	return p.Name + "@" + p.ID.ShortString()
}

// Event is emitted by a Session to its owner.
type Event interface {
	isEvent()
}

// PeerStateChanged reports a transition of one peer link.
type PeerStateChanged struct {
	Peer  Peer
	State State
}

// DataReceived carries an opened payload from a connected peer.
type DataReceived struct {
	Data []byte
	From Peer
}

func (PeerStateChanged) isEvent() {}
func (DataReceived) isEvent()     {}
