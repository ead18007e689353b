package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

const goodbyeTimeout = time.Second

// peerConn is the single live stream to one peer.
type peerConn struct {
	session  *Session
	stream   network.Stream
	remote   Peer
	hello    Hello
	outbound bool
	log      *logrus.Entry

	writeMu sync.Mutex

	nextID uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan Ack

	dead atomic.Bool
}

func newPeerConn(s *Session, stream network.Stream, hello Hello, outbound bool) *peerConn {
	remote := Peer{ID: stream.Conn().RemotePeer(), Name: hello.Name}
	return &peerConn{
		session:  s,
		stream:   stream,
		remote:   remote,
		hello:    hello,
		outbound: outbound,
		log:      s.log.WithField("peer", remote.String()),
		pending:  make(map[uint64]chan Ack),
	}
}

// initiator is the side that opened the stream.
func (pc *peerConn) initiator() peer.ID {
	if pc.outbound {
		return pc.session.host.ID()
	}
	return pc.remote.ID
}

func (pc *peerConn) isAlive() bool {
	return pc != nil && !pc.dead.Load()
}

// failAll closes the stream and unblocks every waiter.
func (pc *peerConn) failAll() {
	if pc.dead.CompareAndSwap(false, true) {
		_ = pc.stream.Close()
	}

	pc.pendingMu.Lock()
	defer pc.pendingMu.Unlock()
	for id, ch := range pc.pending {
		delete(pc.pending, id)
		close(ch) // best-effort unblock waiters
	}
}

// goodbye tells the peer we are leaving, then closes.
func (pc *peerConn) goodbye() {
	if pc.isAlive() {
		pc.writeMu.Lock()
		_ = pc.stream.SetWriteDeadline(time.Now().Add(goodbyeTimeout))
		_ = WriteMsg(pc.stream, MsgGoodbye, nil)
		pc.writeMu.Unlock()
	}
	pc.failAll()
}

func (pc *peerConn) write(typ byte, payload []byte) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if pc.dead.Load() {
		return ErrNotConnected
	}
	return WriteMsg(pc.stream, typ, payload)
}

func (pc *peerConn) readLoop() {
	defer func() {
		pc.failAll()
		pc.session.detach(pc)
	}()

	for {
		typ, payload, err := ReadMsg(pc.stream)
		if err != nil {
			if pc.isAlive() {
				pc.log.WithError(err).Debug("stream closed")
			}
			return
		}

		switch typ {
		case MsgData, MsgDatagram:
			in, err := DecodeSealed(payload)
			if err != nil {
				pc.log.WithError(err).Debug("drop undecodable frame")
				continue
			}
			plain, reply, err := pc.session.seal.open(in)
			if err != nil {
				pc.log.WithError(err).Debug("drop unopenable payload")
				continue
			}
			pc.session.emit(DataReceived{Data: plain, From: pc.remote})

			if typ == MsgData {
				ack, err := reply()
				if err != nil {
					pc.log.WithError(err).Warn("seal ack")
					continue
				}
				if err := pc.write(MsgAck, EncodeAck(ack)); err != nil {
					pc.log.WithError(err).Debug("write ack")
					return
				}
			}

		case MsgAck:
			ack, err := DecodeAck(payload)
			if err != nil {
				continue
			}
			pc.pendingMu.Lock()
			ch := pc.pending[ack.RequestID]
			delete(pc.pending, ack.RequestID)
			pc.pendingMu.Unlock()

			if ch != nil {
				ch <- ack
				close(ch)
			}

		case MsgGoodbye:
			pc.log.Debug("peer said goodbye")
			return

		case MsgStream:
			pc.log.Debug("ignoring stream frame")

		default:
			pc.log.WithField("type", typ).Debug("ignoring unknown frame")
		}
	}
}

// request sends plain reliably and waits for the peer's sealed ack.
func (pc *peerConn) request(ctx context.Context, plain []byte) error {
	if !pc.isAlive() {
		return ErrNotConnected
	}

	sealed, verify, err := pc.session.seal.seal(pc.hello, plain)
	if err != nil {
		return err
	}

	id := atomic.AddUint64(&pc.nextID, 1)
	sealed.RequestID = id

	ch := make(chan Ack, 1)
	pc.pendingMu.Lock()
	pc.pending[id] = ch
	pc.pendingMu.Unlock()

	forget := func() {
		pc.pendingMu.Lock()
		delete(pc.pending, id)
		pc.pendingMu.Unlock()
	}

	if err := pc.write(MsgData, EncodeSealed(sealed)); err != nil {
		forget()
		return err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return verify(ack)
	case <-ctx.Done():
		forget()
		if ctx.Err() == context.DeadlineExceeded {
			return ErrAckTimeout
		}
		return ctx.Err()
	}
}

// datagram sends plain without waiting for an ack.
func (pc *peerConn) datagram(plain []byte) error {
	sealed, _, err := pc.session.seal.seal(pc.hello, plain)
	if err != nil {
		return err
	}
	return pc.write(MsgDatagram, EncodeSealed(sealed))
}
