package p2p

import (
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
)

// ListenAddrs returns the TCP listen multiaddr for a port.
// If port is 0, a random available port is used.
func ListenAddrs(port int) ([]multiaddr.Multiaddr, error) {
	s := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port)
	addr, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("parse listen address %q: %w", s, err)
	}
	return []multiaddr.Multiaddr{addr}, nil
}

// NewHost creates a TCP-only libp2p host secured with Noise. No QUIC:
// simultaneous QUIC dials between two peers reset each other.
func NewHost(priv crypto.PrivKey, port int) (host.Host, error) {
	addrs, err := ListenAddrs(port)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(addrs...),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	return h, nil
}
