package session

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/pivaldi/nearchat/internal/discovery"
	"github.com/pivaldi/nearchat/internal/identity"
	"github.com/pivaldi/nearchat/internal/transport"
)

// Transport is the part of *transport.Session the manager drives.
type Transport interface {
	Connect(ctx context.Context, info peer.AddrInfo) error
	Bind(stream network.Stream, hello transport.Hello) error
	Send(ctx context.Context, data []byte, to []peer.ID, mode transport.Reliability) error
	ConnectedPeers() []transport.Peer
	Disconnect()
	Events() <-chan transport.Event
	Close() error
}

// Discovery is the part of *discovery.Service the manager drives.
type Discovery interface {
	StartAdvertising() error
	StopAdvertising()
	StartBrowsing() error
	StopBrowsing()
	InvitePeer(info peer.AddrInfo, to discovery.Inviter, timeout time.Duration)
	Events() <-chan discovery.Event
	Close() error
}

// Epoch is the transport and discovery built for one identity. They
// are built together and torn down together.
type Epoch struct {
	Transport Transport
	Discovery Discovery
}

// EpochFactory builds a fresh epoch for id. The previous epoch is fully
// closed before it is called.
type EpochFactory func(ctx context.Context, id *identity.Identity) (*Epoch, error)

// SettingsStore persists the display name.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// close releases the epoch: stop both discovery roles, drop every peer,
// then close.
func (e *Epoch) close() error {
	e.Discovery.StopAdvertising()
	e.Discovery.StopBrowsing()
	e.Transport.Disconnect()

	derr := e.Discovery.Close()
	terr := e.Transport.Close()
	if derr != nil {
		return derr
	}
	return terr
}
