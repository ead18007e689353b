// Package session owns the chat state of one node: the message list,
// the connected peer set and the epoch of identity, transport and
// discovery. All of it is mutated on a single goroutine, Manager.Run;
// everything else talks to it through its inbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"github.com/pivaldi/nearchat/internal/chat"
	"github.com/pivaldi/nearchat/internal/discovery"
	"github.com/pivaldi/nearchat/internal/identity"
	"github.com/pivaldi/nearchat/internal/metrics"
	"github.com/pivaldi/nearchat/internal/settings"
	"github.com/pivaldi/nearchat/internal/transport"
)

const (
	DefaultInviteTimeout  = 30 * time.Second
	DefaultReconnectDelay = 2 * time.Second
	DefaultSendTimeout    = 30 * time.Second
)

var (
	ErrStopped        = errors.New("session manager stopped")
	ErrAlreadyRunning = errors.New("session manager already running")
)

// Options configures a Manager. Keys, Store and NewEpoch are required.
type Options struct {
	Keys     *identity.DerivedKeys
	Store    SettingsStore
	NewEpoch EpochFactory

	Clock   clock.Clock
	Logger  *logrus.Logger
	Metrics *metrics.Metrics

	InviteTimeout  time.Duration
	ReconnectDelay time.Duration
	SendTimeout    time.Duration
}

// Manager is the peer session manager.
type Manager struct {
	keys     *identity.DerivedKeys
	store    SettingsStore
	newEpoch EpochFactory
	clock    clock.Clock
	log      *logrus.Entry
	metrics  *metrics.Metrics

	inviteTimeout  time.Duration
	reconnectDelay time.Duration
	sendTimeout    time.Duration

	inbox   chan func()
	done    chan struct{}
	running sync.Once

	// Owned by the Run goroutine.
	ctx        context.Context
	ident      *identity.Identity
	epoch      *Epoch
	tevents    <-chan transport.Event
	devents    <-chan discovery.Event
	generation uint64
	messages   []chat.Message
	peers      []transport.Peer
	inflight   int
	attempts   map[uuid.UUID]uint64
	attemptSeq uint64
	reconnect  *clock.Timer
	suspended  bool

	stateMu sync.RWMutex
	state   State
	subs    map[int]chan State
	nextSub int
	stopped bool
}

// New builds a Manager. Nothing happens until Run.
func New(opts Options) (*Manager, error) {
	if opts.Keys == nil {
		return nil, errors.New("session: keys are required")
	}
	if opts.Store == nil {
		return nil, errors.New("session: settings store is required")
	}
	if opts.NewEpoch == nil {
		return nil, errors.New("session: epoch factory is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.InviteTimeout <= 0 {
		opts.InviteTimeout = DefaultInviteTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}

	return &Manager{
		keys:           opts.Keys,
		store:          opts.Store,
		newEpoch:       opts.NewEpoch,
		clock:          opts.Clock,
		log:            opts.Logger.WithField("component", "session"),
		metrics:        opts.Metrics,
		inviteTimeout:  opts.InviteTimeout,
		reconnectDelay: opts.ReconnectDelay,
		sendTimeout:    opts.SendTimeout,
		inbox:          make(chan func(), 64),
		done:           make(chan struct{}),
		attempts:       make(map[uuid.UUID]uint64),
		subs:           make(map[int]chan State),
		state:          State{ConnectionStatus: searchingStatus},
	}, nil
}

// Run loads the display name, starts the first epoch and serves until
// ctx is done. It tears the epoch down before returning.
func (m *Manager) Run(ctx context.Context) error {
	started := false
	m.running.Do(func() { started = true })
	if !started {
		return ErrAlreadyRunning
	}
	defer close(m.done)

	m.ctx = ctx
	m.start()
	m.publish()
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case fn := <-m.inbox:
			fn()

		case ev, ok := <-m.tevents:
			if !ok {
				m.tevents = nil
				continue
			}
			m.handleTransport(ev)

		case ev, ok := <-m.devents:
			if !ok {
				m.devents = nil
				continue
			}
			m.handleDiscovery(ev)
		}
		m.publish()
	}
}

func (m *Manager) start() {
	name, ok, err := m.store.Get(m.ctx, settings.KeyUserName)
	if err != nil {
		m.log.WithError(err).Warn("load display name")
	}
	if !ok || strings.TrimSpace(name) == "" {
		name = identity.DefaultDisplayName()
		if err := m.store.Set(m.ctx, settings.KeyUserName, name); err != nil {
			m.log.WithError(err).Warn("save default display name")
		}
	}

	ident, err := identity.New(name, m.keys)
	if err != nil {
		// A blank stored name cannot reach here; keep the node usable anyway.
		ident, _ = identity.New(identity.DefaultDisplayName(), m.keys)
	}
	m.ident = ident
	m.buildEpoch()
}

func (m *Manager) shutdown() {
	m.cancelReconnect()
	m.teardownEpoch()

	m.stateMu.Lock()
	m.stopped = true
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.stateMu.Unlock()
}

// post queues fn for the owner goroutine.
func (m *Manager) post(fn func()) bool {
	select {
	case m.inbox <- fn:
		return true
	case <-m.done:
		return false
	}
}

// call runs fn on the owner goroutine and waits until its effect is
// published.
func (m *Manager) call(fn func()) bool {
	finished := make(chan struct{})
	if !m.post(func() {
		fn()
		m.publish()
		close(finished)
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-m.done:
		return false
	}
}

// Submit appends a local message and sends it to every connected peer.
// Empty text is ignored and reported with false.
func (m *Manager) Submit(text string) (chat.Message, bool) {
	if text == "" {
		return chat.Message{}, false
	}

	var msg chat.Message
	if !m.call(func() {
		msg = chat.NewLocal(m.ident.DisplayName(), text, m.clock.Now())
		m.messages = append(m.messages, msg)
		m.send(msg)
	}) {
		return chat.Message{}, false
	}
	return msg, true
}

// Retry sends a failed local message again under the same ID. It
// reports false if id is not a failed local message.
func (m *Manager) Retry(id uuid.UUID) bool {
	retried := false
	m.call(func() {
		idx := m.indexOf(id)
		if idx < 0 {
			return
		}
		msg := m.messages[idx]
		if msg.Origin != chat.Local || msg.Status != chat.Failed {
			return
		}
		msg.Status = chat.Sending
		m.messages[idx] = msg
		m.metrics.Retries.Inc()
		m.send(msg)
		retried = true
	})
	return retried
}

// Disconnect drops every peer and stops discovery. Automatic reconnects
// stay off until Reconnect or Rename.
func (m *Manager) Disconnect() {
	m.call(func() {
		m.cancelReconnect()
		m.generation++
		m.suspended = true
		if m.epoch != nil {
			m.epoch.Discovery.StopAdvertising()
			m.epoch.Discovery.StopBrowsing()
			m.epoch.Transport.Disconnect()
		}
		m.refreshPeers()
		m.log.WithField("generation", m.generation).Info("disconnected")
	})
}

// Reconnect restarts discovery, or rebuilds the epoch if there is none.
func (m *Manager) Reconnect() {
	m.call(func() {
		m.cancelReconnect()
		m.suspended = false
		if m.epoch == nil {
			m.buildEpoch()
			return
		}
		m.restartDiscovery()
	})
}

// Rename persists name and replaces the epoch with one for the new
// identity. Sends still in flight on the old epoch may fail.
func (m *Manager) Rename(name string) error {
	var err error
	if !m.call(func() { err = m.rename(name) }) {
		return ErrStopped
	}
	return err
}

func (m *Manager) rename(name string) error {
	next, err := m.ident.Renamed(name)
	if err != nil {
		return err
	}
	if err := m.store.Set(m.ctx, settings.KeyUserName, next.DisplayName()); err != nil {
		m.log.WithError(err).Warn("save display name")
	}

	m.cancelReconnect()
	m.teardownEpoch()
	m.generation++
	m.suspended = false
	m.ident = next
	m.metrics.Renames.Inc()
	m.log.WithFields(logrus.Fields{"name": next.DisplayName(), "generation": m.generation}).Info("renamed")

	m.buildEpoch()
	return nil
}

func (m *Manager) buildEpoch() {
	epoch, err := m.newEpoch(m.ctx, m.ident)
	if err != nil {
		m.log.WithError(err).Error("build session")
		return
	}
	m.epoch = epoch
	m.tevents = epoch.Transport.Events()
	m.devents = epoch.Discovery.Events()
	m.startDiscovery()
}

func (m *Manager) teardownEpoch() {
	if m.epoch == nil {
		return
	}
	if err := m.epoch.close(); err != nil {
		m.log.WithError(err).Debug("close session")
	}
	m.epoch = nil
	m.tevents = nil
	m.devents = nil
	m.peers = nil
	m.metrics.ConnectedPeers.Set(0)
}

func (m *Manager) startDiscovery() {
	if err := m.epoch.Discovery.StartAdvertising(); err != nil {
		m.log.WithError(err).Warn("start advertising")
	}
	if err := m.epoch.Discovery.StartBrowsing(); err != nil {
		m.log.WithError(err).Warn("start browsing")
	}
}

func (m *Manager) restartDiscovery() {
	m.epoch.Discovery.StopAdvertising()
	m.epoch.Discovery.StopBrowsing()
	m.startDiscovery()
	m.metrics.Reconnects.Inc()
	m.log.WithField("generation", m.generation).Info("discovery restarted")
}

func (m *Manager) scheduleReconnect() {
	if m.suspended || m.epoch == nil || m.reconnect != nil {
		return
	}
	gen := m.generation
	m.reconnect = m.clock.AfterFunc(m.reconnectDelay, func() {
		m.post(func() { m.fireReconnect(gen) })
	})
}

func (m *Manager) fireReconnect(gen uint64) {
	m.reconnect = nil
	if gen != m.generation || m.suspended || m.epoch == nil {
		m.log.WithField("generation", gen).Debug("stale reconnect ignored")
		return
	}
	m.restartDiscovery()
}

func (m *Manager) cancelReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

type sendResult struct {
	id      uuid.UUID
	attempt uint64
	err     error
	elapsed time.Duration
}

// send ships msg off the owner goroutine. The outcome comes back
// through the inbox.
func (m *Manager) send(msg chat.Message) {
	m.attemptSeq++
	attempt := m.attemptSeq
	m.attempts[msg.ID] = attempt
	m.inflight++

	var tr Transport
	if m.epoch != nil {
		tr = m.epoch.Transport
	}
	targets := make([]peer.ID, len(m.peers))
	for i, p := range m.peers {
		targets[i] = p.ID
	}
	ctx := m.ctx

	go func() {
		started := m.clock.Now()
		err := m.deliver(ctx, tr, msg, targets)
		res := sendResult{id: msg.ID, attempt: attempt, err: err, elapsed: m.clock.Since(started)}
		m.post(func() { m.resolve(res) })
	}()
}

func (m *Manager) deliver(ctx context.Context, tr Transport, msg chat.Message, targets []peer.ID) error {
	payload, err := chat.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if tr == nil {
		return &transport.TransportError{Op: "send", Err: transport.ErrNoPeers}
	}
	ctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()
	return tr.Send(ctx, payload, targets, transport.Reliable)
}

func (m *Manager) resolve(res sendResult) {
	m.inflight--

	if m.attempts[res.id] != res.attempt {
		return
	}
	delete(m.attempts, res.id)

	idx := m.indexOf(res.id)
	if idx < 0 || m.messages[idx].Status.Terminal() {
		return
	}

	log := m.log.WithField("msg_id", res.id.String())
	if res.err != nil {
		m.messages[idx].Status = chat.Failed
		m.metrics.MessagesSent.WithLabelValues("failed").Inc()
		log.WithError(res.err).Info("message failed")
		return
	}
	m.messages[idx].Status = chat.Delivered
	m.metrics.MessagesSent.WithLabelValues("delivered").Inc()
	m.metrics.SendDuration.Observe(res.elapsed.Seconds())
	log.Debug("message delivered")
}

func (m *Manager) indexOf(id uuid.UUID) int {
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) refreshPeers() {
	if m.epoch == nil {
		m.peers = nil
	} else {
		m.peers = m.epoch.Transport.ConnectedPeers()
	}
	m.metrics.ConnectedPeers.Set(float64(len(m.peers)))
}

func (m *Manager) handleTransport(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.PeerStateChanged:
		m.refreshPeers()
		m.log.WithFields(logrus.Fields{"peer": ev.Peer.String(), "state": ev.State.String()}).Debug("peer state changed")
		if ev.State == transport.NotConnected {
			m.scheduleReconnect()
		}

	case transport.DataReceived:
		decoded, err := chat.Decode(ev.Data)
		if err != nil {
			m.metrics.MessagesDropped.Inc()
			m.log.WithError(err).WithField("peer", ev.From.String()).Debug("drop undecodable payload")
			return
		}
		sender := ev.From.Name
		if sender == "" {
			sender = ev.From.ID.ShortString()
		}
		m.messages = append(m.messages, chat.NewRemote(sender, decoded.Content, m.clock.Now()))
		m.metrics.MessagesReceived.Inc()
	}
}

func (m *Manager) handleDiscovery(ev discovery.Event) {
	if m.epoch == nil {
		return
	}
	switch ev := ev.(type) {
	case discovery.PeerFound:
		m.metrics.PeersDiscovered.Inc()
		m.epoch.Discovery.InvitePeer(ev.Info, m.epoch.Transport, m.inviteTimeout)

	case discovery.PeerLost:
		m.log.WithField("peer", ev.ID.ShortString()).Debug("peer lost")

	case discovery.InvitationReceived:
		m.metrics.InvitationsAccepted.Inc()
		m.log.WithField("peer", ev.From.String()).Debug("accepting invitation")
		ev.Respond(true, m.epoch.Transport)
	}
}

// publish snapshots owner state for readers.
func (m *Manager) publish() {
	st := State{
		Messages:         append([]chat.Message(nil), m.messages...),
		ConnectedPeers:   append([]transport.Peer(nil), m.peers...),
		IsConnected:      len(m.peers) > 0,
		IsLoading:        m.inflight > 0,
		ConnectionStatus: ConnectionStatus(len(m.peers)),
		Generation:       m.generation,
	}
	if m.ident != nil {
		st.DisplayName = m.ident.DisplayName()
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.state = st
	for _, ch := range m.subs {
		offer(ch, st)
	}
}

// offer replaces whatever the subscriber has not read yet with st.
func offer(ch chan State, st State) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

// Snapshot returns the latest published state.
func (m *Manager) Snapshot() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Subscribe delivers the latest state whenever it changes. Slow readers
// only see the most recent one. The channel is closed by cancel or when
// Run returns.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.stopped {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.state

	return ch, func() {
		m.stateMu.Lock()
		defer m.stateMu.Unlock()
		if c, ok := m.subs[id]; ok {
			close(c)
			delete(m.subs, id)
		}
	}
}

// Done is closed once Run has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
