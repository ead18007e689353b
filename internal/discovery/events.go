package discovery

import (
	"context"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/pivaldi/nearchat/internal/transport"
)

// Binder takes over an accepted invitation stream.
type Binder interface {
	Bind(stream network.Stream, hello transport.Hello) error
}

// Inviter opens a session with a discovered peer.
type Inviter interface {
	Connect(ctx context.Context, info peer.AddrInfo) error
}

// Event is emitted by a Service to its owner.
type Event interface {
	isEvent()
}

// PeerFound reports a peer seen for the first time since browsing
// started.
type PeerFound struct {
	Info peer.AddrInfo
}

// PeerLost reports a peer that has not been announced for a while.
type PeerLost struct {
	ID peer.ID
}

// InvitationReceived is an inbound invitation waiting for an answer.
// Only the first Respond counts; unanswered invitations are declined
// after the service's invite timeout.
type InvitationReceived struct {
	From    transport.Peer
	Context []byte

	respond func(accept bool, to Binder)
}

// Respond accepts the invitation into to, or declines it. It does not
// block.
func (ir InvitationReceived) Respond(accept bool, to Binder) {
	if ir.respond == nil {
		return
	}
	go ir.respond(accept, to)
}

func (PeerFound) isEvent()          {}
func (PeerLost) isEvent()           {}
func (InvitationReceived) isEvent() {}
