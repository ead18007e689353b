// Package transport moves chat payloads between connected peers over
// libp2p streams. Each peer gets one long-lived stream that carries
// HPKE-sealed frames; reliable sends wait for a sealed ack.
package transport

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pivaldi/nearchat/internal/eventq"
	"github.com/pivaldi/nearchat/internal/identity"
)

const (
	DefaultAckTimeout       = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Session) { s.log = l }
}

// WithAckTimeout bounds how long a reliable send waits per peer.
func WithAckTimeout(d time.Duration) Option {
	return func(s *Session) { s.ackTimeout = d }
}

// WithHandshakeTimeout bounds the invite round trip in Connect.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) { s.handshakeTimeout = d }
}

// Session is the set of live peer streams for one identity.
type Session struct {
	host  host.Host
	ident *identity.Identity
	seal  *sealer
	log   *logrus.Entry

	ackTimeout       time.Duration
	handshakeTimeout time.Duration

	events *eventq.Queue[Event]

	mu         sync.Mutex
	peers      map[peer.ID]*peerConn
	connecting map[peer.ID]bool
	closed     bool
}

// NewSession builds a session on h for id. The session does not accept
// streams by itself: inbound invitations reach it through Bind.
func NewSession(h host.Host, id *identity.Identity, opts ...Option) (*Session, error) {
	seal, err := newSealer(id.Keys())
	if err != nil {
		return nil, err
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &Session{
		host:             h,
		ident:            id,
		seal:             seal,
		log:              logrus.NewEntry(discard),
		ackTimeout:       DefaultAckTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		events:           eventq.New[Event](),
		peers:            make(map[peer.ID]*peerConn),
		connecting:       make(map[peer.ID]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "transport")
	return s, nil
}

// Hello is what this session announces to peers.
func (s *Session) Hello() Hello {
	keys := s.ident.Keys()
	return Hello{
		Name:    s.ident.DisplayName(),
		HPKEPub: keys.HPKEPubBytes,
		KeyID:   keys.KeyID,
	}
}

// Host returns the underlying libp2p host.
func (s *Session) Host() host.Host {
	return s.host
}

// Events delivers peer state changes and received payloads in order.
// The channel is closed by Close.
func (s *Session) Events() <-chan Event {
	return s.events.Out()
}

func (s *Session) emit(ev Event) {
	s.events.Push(ev)
}

// Connect invites info to a session and attaches the resulting stream.
// Connecting to self, to a connected peer, or to a peer with a pending
// invite is a no-op.
func (s *Session) Connect(ctx context.Context, info peer.AddrInfo) error {
	if info.ID == s.host.ID() {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &TransportError{Op: "connect", Peer: info.ID, Err: ErrClosed}
	}
	if s.peers[info.ID].isAlive() || s.connecting[info.ID] {
		s.mu.Unlock()
		return nil
	}
	s.connecting[info.ID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.connecting, info.ID)
		s.mu.Unlock()
	}()

	s.emit(PeerStateChanged{Peer: Peer{ID: info.ID}, State: Connecting})

	stream, hello, err := s.invite(ctx, info)
	if err != nil {
		s.log.WithError(err).WithField("peer", info.ID.ShortString()).Debug("connect failed")
		if !s.isConnected(info.ID) {
			s.emit(PeerStateChanged{Peer: Peer{ID: info.ID}, State: NotConnected})
		}
		return &TransportError{Op: "connect", Peer: info.ID, Err: err}
	}

	s.attach(newPeerConn(s, stream, hello, true))
	return nil
}

func (s *Session) invite(ctx context.Context, info peer.AddrInfo) (network.Stream, Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	// Both sides often dial at once after mutual discovery; one retry
	// reuses whichever connection won.
	if err := s.host.Connect(ctx, info); err != nil {
		if ctx.Err() != nil {
			return nil, Hello{}, err
		}
		s.log.WithError(err).WithField("peer", info.ID.ShortString()).Debug("dial failed, retrying once")
		if err := s.host.Connect(ctx, info); err != nil {
			return nil, Hello{}, err
		}
	}
	stream, err := s.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, Hello{}, err
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}

	if err := WriteMsg(stream, MsgInvite, EncodeHello(s.Hello())); err != nil {
		_ = stream.Reset()
		return nil, Hello{}, err
	}

	typ, payload, err := ReadMsg(stream)
	if err != nil {
		_ = stream.Reset()
		return nil, Hello{}, err
	}

	switch typ {
	case MsgAccept:
		hello, err := DecodeHello(payload)
		if err != nil {
			_ = stream.Reset()
			return nil, Hello{}, err
		}
		_ = stream.SetDeadline(time.Time{})
		return stream, hello, nil
	case MsgReject:
		rej, _ := DecodeReject(payload)
		_ = stream.Close()
		return nil, Hello{}, fmt.Errorf("%w: %s", ErrRejected, rej.Reason)
	default:
		_ = stream.Reset()
		return nil, Hello{}, fmt.Errorf("unexpected handshake frame %d", typ)
	}
}

// Bind accepts an inbound invitation on stream. hello is the inviter's.
func (s *Session) Bind(stream network.Stream, hello Hello) error {
	remote := stream.Conn().RemotePeer()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		_ = stream.Reset()
		return &TransportError{Op: "bind", Peer: remote, Err: ErrClosed}
	}

	s.emit(PeerStateChanged{Peer: Peer{ID: remote, Name: hello.Name}, State: Connecting})

	_ = stream.SetWriteDeadline(time.Now().Add(s.handshakeTimeout))
	if err := WriteMsg(stream, MsgAccept, EncodeHello(s.Hello())); err != nil {
		_ = stream.Reset()
		if !s.isConnected(remote) {
			s.emit(PeerStateChanged{Peer: Peer{ID: remote, Name: hello.Name}, State: NotConnected})
		}
		return &TransportError{Op: "bind", Peer: remote, Err: err}
	}
	_ = stream.SetDeadline(time.Time{})

	s.attach(newPeerConn(s, stream, hello, false))
	return nil
}

// attach makes pc the live conn to its peer. When both sides invited
// each other, the stream opened by the smaller peer ID wins on both
// ends.
func (s *Session) attach(pc *peerConn) {
	id := pc.remote.ID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		pc.failAll()
		return
	}

	old := s.peers[id]
	replacing := old.isAlive()
	if replacing && !preferNew(old, pc, s.host.ID()) {
		s.mu.Unlock()
		pc.log.Debug("duplicate stream, keeping existing")
		pc.failAll()
		return
	}
	s.peers[id] = pc
	s.mu.Unlock()

	if old != nil {
		old.failAll()
	}

	go pc.readLoop()

	if replacing {
		pc.log.Debug("replaced duplicate stream")
		return
	}
	pc.log.Info("peer connected")
	s.emit(PeerStateChanged{Peer: pc.remote, State: Connected})
}

func preferNew(old, cur *peerConn, local peer.ID) bool {
	winner := local
	if old.remote.ID < local {
		winner = old.remote.ID
	}
	if old.initiator() == winner && cur.initiator() != winner {
		return false
	}
	return true
}

// detach forgets pc if it is still the live conn to its peer.
func (s *Session) detach(pc *peerConn) {
	s.mu.Lock()
	if s.peers[pc.remote.ID] != pc {
		s.mu.Unlock()
		return
	}
	delete(s.peers, pc.remote.ID)
	closed := s.closed
	s.mu.Unlock()

	if !closed {
		pc.log.Info("peer disconnected")
		s.emit(PeerStateChanged{Peer: pc.remote, State: NotConnected})
	}
}

func (s *Session) isConnected(id peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[id].isAlive()
}

// ConnectedPeers returns the live peers ordered by ID.
func (s *Session) ConnectedPeers() []Peer {
	s.mu.Lock()
	out := make([]Peer, 0, len(s.peers))
	for _, pc := range s.peers {
		if pc.isAlive() {
			out = append(out, pc.remote)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Send delivers data to every peer in to. In Reliable mode it returns
// once each peer has acked, or the first error.
func (s *Session) Send(ctx context.Context, data []byte, to []peer.ID, mode Reliability) error {
	if len(to) == 0 {
		return &TransportError{Op: "send", Err: ErrNoPeers}
	}

	targets := make([]*peerConn, 0, len(to))
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &TransportError{Op: "send", Err: ErrClosed}
	}
	for _, id := range to {
		pc := s.peers[id]
		if !pc.isAlive() {
			s.mu.Unlock()
			return &TransportError{Op: "send", Peer: id, Err: ErrNotConnected}
		}
		targets = append(targets, pc)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.ackTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, pc := range targets {
		g.Go(func() error {
			var err error
			if mode == Unreliable {
				err = pc.datagram(data)
			} else {
				err = pc.request(gctx, data)
			}
			if err != nil {
				return &TransportError{Op: "send", Peer: pc.remote.ID, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

// SendStream is not supported; chat payloads are small enough to frame.
func (s *Session) SendStream(_ context.Context, _ io.Reader, to peer.ID) error {
	return &TransportError{Op: "send stream", Peer: to, Err: ErrUnsupported}
}

// Disconnect says goodbye to every peer and drops their streams. The
// session stays usable.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.peers))
	for id, pc := range s.peers {
		conns = append(conns, pc)
		delete(s.peers, id)
	}
	closed := s.closed
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, pc := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc.goodbye()
		}()
	}
	wg.Wait()

	if closed {
		return
	}
	for _, pc := range conns {
		s.emit(PeerStateChanged{Peer: pc.remote, State: NotConnected})
	}
}

// Close disconnects, stops event delivery, and closes the host.
func (s *Session) Close() error {
	s.Disconnect()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.events.Close()
	return s.host.Close()
}
