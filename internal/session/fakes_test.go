package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/pivaldi/nearchat/internal/discovery"
	"github.com/pivaldi/nearchat/internal/eventq"
	"github.com/pivaldi/nearchat/internal/identity"
	"github.com/pivaldi/nearchat/internal/transport"
)

type fakeTransport struct {
	events *eventq.Queue[transport.Event]

	mu     sync.Mutex
	peers  map[peer.ID]transport.Peer
	sent   [][]byte
	gate   chan struct{}
	failed error
	closed bool

	disconnects int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: eventq.New[transport.Event](),
		peers:  make(map[peer.ID]transport.Peer),
	}
}

func (f *fakeTransport) Connect(context.Context, peer.AddrInfo) error { return nil }

func (f *fakeTransport) Bind(network.Stream, transport.Hello) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, data []byte, to []peer.ID, _ transport.Reliability) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &transport.TransportError{Op: "send", Err: transport.ErrClosed}
	}
	if len(to) == 0 {
		return &transport.TransportError{Op: "send", Err: transport.ErrNoPeers}
	}
	if f.failed != nil {
		return f.failed
	}
	for _, id := range to {
		if _, ok := f.peers[id]; !ok {
			return &transport.TransportError{Op: "send", Peer: id, Err: transport.ErrNotConnected}
		}
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) ConnectedPeers() []transport.Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Peer, 0, len(f.peers))
	for _, p := range f.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	dropped := make([]transport.Peer, 0, len(f.peers))
	for id, p := range f.peers {
		dropped = append(dropped, p)
		delete(f.peers, id)
	}
	f.disconnects++
	f.mu.Unlock()

	for _, p := range dropped {
		f.events.Push(transport.PeerStateChanged{Peer: p, State: transport.NotConnected})
	}
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events.Out() }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.events.Close()
	return nil
}

func (f *fakeTransport) join(p transport.Peer) {
	f.mu.Lock()
	f.peers[p.ID] = p
	f.mu.Unlock()
	f.events.Push(transport.PeerStateChanged{Peer: p, State: transport.Connected})
}

func (f *fakeTransport) leave(p transport.Peer) {
	f.mu.Lock()
	delete(f.peers, p.ID)
	f.mu.Unlock()
	f.events.Push(transport.PeerStateChanged{Peer: p, State: transport.NotConnected})
}

func (f *fakeTransport) deliver(data []byte, from transport.Peer) {
	f.events.Push(transport.DataReceived{Data: data, From: from})
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDiscovery struct {
	events *eventq.Queue[discovery.Event]

	mu          sync.Mutex
	advertising bool
	browsing    bool
	browses     int
	invited     []peer.ID
	closed      bool
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{events: eventq.New[discovery.Event]()}
}

func (f *fakeDiscovery) StartAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = true
	return nil
}

func (f *fakeDiscovery) StopAdvertising() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = false
}

func (f *fakeDiscovery) StartBrowsing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.browsing {
		f.browses++
	}
	f.browsing = true
	return nil
}

func (f *fakeDiscovery) StopBrowsing() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.browsing = false
}

func (f *fakeDiscovery) InvitePeer(info peer.AddrInfo, _ discovery.Inviter, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invited = append(f.invited, info.ID)
}

func (f *fakeDiscovery) Events() <-chan discovery.Event { return f.events.Out() }

func (f *fakeDiscovery) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.events.Close()
	return nil
}

// cycles counts browse starts, one per advertise/browse cycle.
func (f *fakeDiscovery) cycles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.browses
}

func (f *fakeDiscovery) active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertising && f.browsing
}

func (f *fakeDiscovery) invitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invited)
}

// fakeEpochs records every epoch the manager builds.
type fakeEpochs struct {
	mu     sync.Mutex
	epochs []*fakeEpoch
	fail   error
}

type fakeEpoch struct {
	identity  *identity.Identity
	transport *fakeTransport
	discovery *fakeDiscovery
}

func (f *fakeEpochs) factory(_ context.Context, id *identity.Identity) (*Epoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	e := &fakeEpoch{identity: id, transport: newFakeTransport(), discovery: newFakeDiscovery()}
	f.epochs = append(f.epochs, e)
	return &Epoch{Transport: e.transport, Discovery: e.discovery}, nil
}

func (f *fakeEpochs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.epochs)
}

func (f *fakeEpochs) last() *fakeEpoch {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.epochs) == 0 {
		return nil
	}
	return f.epochs[len(f.epochs)-1]
}

type memStore struct {
	mu   sync.Mutex
	vals map[string]string
}

func newMemStore() *memStore {
	return &memStore{vals: make(map[string]string)}
}

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = value
	return nil
}
