// Package discovery finds nearby nodes over mDNS and answers the
// invitations they send. Accepted invitations are handed to a Binder,
// normally the transport session.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"github.com/pivaldi/nearchat/internal/eventq"
	"github.com/pivaldi/nearchat/internal/transport"
)

const (
	DefaultServiceTag    = "nearchat"
	DefaultLostAfter     = 2 * time.Minute
	DefaultInviteTimeout = 30 * time.Second
)

var ErrClosed = errors.New("discovery closed")

// MDNSFactory builds the mDNS service for a host.
type MDNSFactory func(h host.Host, serviceTag string, n mdns.Notifee) mdns.Service

// Options configures a Service. Host is required.
type Options struct {
	Host       host.Host
	ServiceTag string
	// LostAfter is how long a peer may stay silent before PeerLost.
	LostAfter time.Duration
	// InviteTimeout declines invitations nobody answered.
	InviteTimeout time.Duration
	Clock         clock.Clock
	Logger        *logrus.Entry
	MDNS          MDNSFactory
}

// Service advertises this node and browses for others. The two roles
// share one mDNS responder, which runs while either role is active.
type Service struct {
	h             host.Host
	tag           string
	lostAfter     time.Duration
	inviteTimeout time.Duration
	clock         clock.Clock
	log           *logrus.Entry
	newMDNS       MDNSFactory

	ctx    context.Context
	cancel context.CancelFunc
	events *eventq.Queue[Event]

	mu          sync.Mutex
	advertising bool
	browsing    bool
	responder   mdns.Service
	cycles      int
	seen        map[peer.ID]time.Time
	stopSweep   chan struct{}
	closed      bool
}

// New builds a stopped Service.
func New(opts Options) (*Service, error) {
	if opts.Host == nil {
		return nil, errors.New("discovery: host is required")
	}
	if opts.ServiceTag == "" {
		opts.ServiceTag = DefaultServiceTag
	}
	if opts.LostAfter <= 0 {
		opts.LostAfter = DefaultLostAfter
	}
	if opts.InviteTimeout <= 0 {
		opts.InviteTimeout = DefaultInviteTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = logrus.NewEntry(l)
	}
	if opts.MDNS == nil {
		opts.MDNS = func(h host.Host, tag string, n mdns.Notifee) mdns.Service {
			return mdns.NewMdnsService(h, tag, n)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		h:             opts.Host,
		tag:           opts.ServiceTag,
		lostAfter:     opts.LostAfter,
		inviteTimeout: opts.InviteTimeout,
		clock:         opts.Clock,
		log:           opts.Logger.WithField("component", "discovery"),
		newMDNS:       opts.MDNS,
		ctx:           ctx,
		cancel:        cancel,
		events:        eventq.New[Event](),
		seen:          make(map[peer.ID]time.Time),
	}, nil
}

// Events delivers discovery events in order until Close.
func (s *Service) Events() <-chan Event {
	return s.events.Out()
}

// Cycles counts how many times the mDNS responder was started.
func (s *Service) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

// StartAdvertising makes this node visible and starts accepting
// invitations. It is idempotent.
func (s *Service) StartAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.advertising {
		return nil
	}
	s.h.SetStreamHandler(transport.ProtocolID, s.handleInvite)
	s.advertising = true
	if err := s.ensureResponderLocked(); err != nil {
		s.h.RemoveStreamHandler(transport.ProtocolID)
		s.advertising = false
		return err
	}
	s.log.WithField("tag", s.tag).Info("advertising")
	return nil
}

// StopAdvertising stops accepting invitations.
func (s *Service) StopAdvertising() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.advertising {
		return
	}
	s.h.RemoveStreamHandler(transport.ProtocolID)
	s.advertising = false
	s.stopResponderIfIdleLocked()
	s.log.Debug("stopped advertising")
}

// StartBrowsing starts reporting nearby peers. Every peer already
// nearby is reported again after a restart.
func (s *Service) StartBrowsing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.browsing {
		return nil
	}
	s.browsing = true
	if err := s.ensureResponderLocked(); err != nil {
		s.browsing = false
		return err
	}

	interval := s.lostAfter / 4
	if interval <= 0 {
		interval = s.lostAfter
	}
	stop := make(chan struct{})
	s.stopSweep = stop
	go s.sweep(s.clock.Ticker(interval), stop)

	s.log.WithField("tag", s.tag).Info("browsing")
	return nil
}

// StopBrowsing stops reporting peers and forgets the ones seen.
func (s *Service) StopBrowsing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.browsing {
		return
	}
	s.browsing = false
	close(s.stopSweep)
	s.stopSweep = nil
	s.seen = make(map[peer.ID]time.Time)
	s.stopResponderIfIdleLocked()
	s.log.Debug("stopped browsing")
}

func (s *Service) ensureResponderLocked() error {
	if s.responder != nil {
		return nil
	}
	r := s.newMDNS(s.h, s.tag, &notifee{s: s})
	if err := r.Start(); err != nil {
		return fmt.Errorf("start mdns: %w", err)
	}
	s.responder = r
	s.cycles++
	return nil
}

func (s *Service) stopResponderIfIdleLocked() {
	if s.advertising || s.browsing || s.responder == nil {
		return
	}
	if err := s.responder.Close(); err != nil {
		s.log.WithError(err).Debug("close mdns")
	}
	s.responder = nil
}

type notifee struct {
	s *Service
}

func (n *notifee) HandlePeerFound(info peer.AddrInfo) {
	n.s.peerFound(info)
}

func (s *Service) peerFound(info peer.AddrInfo) {
	if info.ID == s.h.ID() || len(info.Addrs) == 0 {
		return
	}

	s.mu.Lock()
	if !s.browsing {
		s.mu.Unlock()
		return
	}
	_, known := s.seen[info.ID]
	s.seen[info.ID] = s.clock.Now()
	s.mu.Unlock()

	if !known {
		s.log.WithField("peer", info.ID.ShortString()).Debug("peer found")
		s.events.Push(PeerFound{Info: info})
	}
}

func (s *Service) sweep(ticker *clock.Ticker, stop chan struct{}) {
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *Service) expire() {
	now := s.clock.Now()

	s.mu.Lock()
	var lost []peer.ID
	for id, at := range s.seen {
		if now.Sub(at) >= s.lostAfter {
			lost = append(lost, id)
			delete(s.seen, id)
		}
	}
	s.mu.Unlock()

	for _, id := range lost {
		s.log.WithField("peer", id.ShortString()).Debug("peer lost")
		s.events.Push(PeerLost{ID: id})
	}
}

// InvitePeer asks to Connect to info in the background, bounded by
// timeout.
func (s *Service) InvitePeer(info peer.AddrInfo, to Inviter, timeout time.Duration) {
	if timeout <= 0 {
		timeout = s.inviteTimeout
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		if err := to.Connect(ctx, info); err != nil {
			s.log.WithError(err).WithField("peer", info.ID.ShortString()).Debug("invite failed")
		}
	}()
}

func (s *Service) handleInvite(stream network.Stream) {
	remote := stream.Conn().RemotePeer()
	log := s.log.WithField("peer", remote.ShortString())

	_ = stream.SetReadDeadline(time.Now().Add(s.inviteTimeout))
	typ, payload, err := transport.ReadMsg(stream)
	if err != nil {
		log.WithError(err).Debug("read invite")
		_ = stream.Reset()
		return
	}
	if typ != transport.MsgInvite {
		log.WithField("type", typ).Debug("expected invite")
		_ = stream.Reset()
		return
	}
	hello, err := transport.DecodeHello(payload)
	if err != nil {
		log.WithError(err).Debug("decode invite")
		_ = stream.Reset()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	var once sync.Once
	answer := func(accept bool, to Binder, reason string) {
		once.Do(func() {
			if accept && to != nil {
				if err := to.Bind(stream, hello); err != nil {
					log.WithError(err).Warn("bind invitation")
				}
				return
			}
			log.WithField("reason", reason).Debug("declining invitation")
			_ = stream.SetWriteDeadline(time.Now().Add(time.Second))
			_ = transport.WriteMsg(stream, transport.MsgReject, transport.EncodeReject(transport.Reject{Reason: reason}))
			_ = stream.Close()
		})
	}
	timer := s.clock.AfterFunc(s.inviteTimeout, func() { answer(false, nil, "timeout") })

	s.events.Push(InvitationReceived{
		From:    transport.Peer{ID: remote, Name: hello.Name},
		Context: hello.Context,
		respond: func(accept bool, to Binder) {
			timer.Stop()
			answer(accept, to, "declined")
		},
	})
}

// Close stops both roles and event delivery.
func (s *Service) Close() error {
	s.StopBrowsing()
	s.StopAdvertising()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.events.Close()
	return nil
}
