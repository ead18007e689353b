package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/pivaldi/nearchat/internal/chat"
	"github.com/pivaldi/nearchat/internal/discovery"
	"github.com/pivaldi/nearchat/internal/identity"
	"github.com/pivaldi/nearchat/internal/settings"
	"github.com/pivaldi/nearchat/internal/transport"
)

type harness struct {
	m      *Manager
	mock   *clock.Mock
	epochs *fakeEpochs
	store  *memStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, newMemStore(), &fakeEpochs{})
}

func newHarnessWith(t *testing.T, store *memStore, epochs *fakeEpochs) *harness {
	t.Helper()

	seed, err := identity.GenerateSeed()
	if err != nil {
		t.Fatalf("generate seed: %v", err)
	}
	keys, err := identity.DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}

	mock := clock.NewMock()
	m, err := New(Options{
		Keys:     keys,
		Store:    store,
		NewEpoch: epochs.factory,
		Clock:    mock,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errs; err != nil {
			t.Errorf("run returned %v", err)
		}
	})

	h := &harness{m: m, mock: mock, epochs: epochs, store: store}
	h.waitFor(t, "first epoch", func(State) bool { return epochs.count() == 1 })
	return h
}

// waitFor polls the published state until cond holds.
func (h *harness) waitFor(t *testing.T, what string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := h.m.Snapshot()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last state %+v", what, st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// sync waits until the owner goroutine has drained everything queued
// before it.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	if !h.m.call(func() {}) {
		t.Fatal("manager stopped")
	}
}

func testPeer(t *testing.T, name string) transport.Peer {
	t.Helper()
	priv, _, err := libp2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("peer id: %v", err)
	}
	return transport.Peer{ID: id, Name: name}
}

func statusOf(st State, id uuid.UUID) chat.Status {
	msg, ok := st.Message(id)
	if !ok {
		return 255
	}
	return msg.Status
}

func TestSubmitWithoutPeersFails(t *testing.T) {
	h := newHarness(t)

	msg, ok := h.m.Submit("hi")
	if !ok {
		t.Fatal("submit refused")
	}
	if msg.Status != chat.Sending || msg.Origin != chat.Local {
		t.Fatalf("unexpected new message %+v", msg)
	}

	st := h.waitFor(t, "failed status", func(st State) bool { return statusOf(st, msg.ID) == chat.Failed })
	if len(st.Messages) != 1 {
		t.Fatalf("got %d messages", len(st.Messages))
	}
	if st.Messages[0].ID != msg.ID {
		t.Fatal("message ID changed")
	}
	if st.IsLoading {
		t.Fatal("loading flag should be cleared")
	}
}

func TestSubmitDeliversToConnectedPeers(t *testing.T) {
	h := newHarness(t)
	tr := h.epochs.last().transport

	tr.join(testPeer(t, "bob"))
	h.waitFor(t, "connected", func(st State) bool { return st.IsConnected })

	msg, _ := h.m.Submit("hello")
	h.waitFor(t, "delivered", func(st State) bool { return statusOf(st, msg.ID) == chat.Delivered })

	if tr.sentCount() != 1 {
		t.Fatalf("sent %d payloads", tr.sentCount())
	}
	decoded, err := chat.Decode(tr.sent[0])
	if err != nil {
		t.Fatalf("decode sent payload: %v", err)
	}
	if decoded.ID != msg.ID || decoded.Content != "hello" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestLoadingWhileSendInFlight(t *testing.T) {
	h := newHarness(t)
	tr := h.epochs.last().transport
	tr.join(testPeer(t, "bob"))
	h.waitFor(t, "connected", func(st State) bool { return st.IsConnected })

	gate := make(chan struct{})
	tr.mu.Lock()
	tr.gate = gate
	tr.mu.Unlock()

	msg, _ := h.m.Submit("slow")
	st := h.m.Snapshot()
	if !st.IsLoading || statusOf(st, msg.ID) != chat.Sending {
		t.Fatalf("expected loading with sending message, got %+v", st)
	}

	close(gate)
	st = h.waitFor(t, "delivered", func(st State) bool { return statusOf(st, msg.ID) == chat.Delivered })
	if st.IsLoading {
		t.Fatal("loading flag should be cleared")
	}
}

func TestEmptySubmitIsIgnored(t *testing.T) {
	h := newHarness(t)
	before := h.m.Snapshot()

	if _, ok := h.m.Submit(""); ok {
		t.Fatal("empty submit accepted")
	}
	h.sync(t)

	after := h.m.Snapshot()
	if len(after.Messages) != len(before.Messages) || after.IsLoading != before.IsLoading {
		t.Fatalf("state changed: %+v", after)
	}
}

func TestWhitespaceSubmitIsKept(t *testing.T) {
	h := newHarness(t)

	msg, ok := h.m.Submit("  ")
	if !ok {
		t.Fatal("whitespace submit rejected")
	}
	h.waitFor(t, "resolved", func(st State) bool { return statusOf(st, msg.ID) == chat.Failed })

	got, ok := h.m.Snapshot().Message(msg.ID)
	if !ok || got.Content != "  " {
		t.Fatalf("message = %+v", got)
	}
}

func TestInvalidUTF8FailsBeforeSending(t *testing.T) {
	h := newHarness(t)
	tr := h.epochs.last().transport
	tr.join(testPeer(t, "bob"))
	h.waitFor(t, "connected", func(st State) bool { return st.IsConnected })

	msg, _ := h.m.Submit("bad \xff")
	h.waitFor(t, "failed", func(st State) bool { return statusOf(st, msg.ID) == chat.Failed })
	if tr.sentCount() != 0 {
		t.Fatalf("sent %d payloads", tr.sentCount())
	}
}

func TestRetryKeepsIdentity(t *testing.T) {
	h := newHarness(t)
	tr := h.epochs.last().transport

	msg, _ := h.m.Submit("again")
	h.waitFor(t, "failed", func(st State) bool { return statusOf(st, msg.ID) == chat.Failed })

	tr.join(testPeer(t, "bob"))
	h.waitFor(t, "connected", func(st State) bool { return st.IsConnected })

	if !h.m.Retry(msg.ID) {
		t.Fatal("retry refused")
	}
	st := h.waitFor(t, "delivered", func(st State) bool { return statusOf(st, msg.ID) == chat.Delivered })
	if len(st.Messages) != 1 {
		t.Fatalf("retry grew the list to %d", len(st.Messages))
	}
	if st.Messages[0].Content != "again" {
		t.Fatalf("content changed to %q", st.Messages[0].Content)
	}
}

func TestRetryOnlyFailedLocal(t *testing.T) {
	h := newHarness(t)
	tr := h.epochs.last().transport
	bob := testPeer(t, "bob")
	tr.join(bob)
	h.waitFor(t, "connected", func(st State) bool { return st.IsConnected })

	msg, _ := h.m.Submit("ok")
	h.waitFor(t, "delivered", func(st State) bool { return statusOf(st, msg.ID) == chat.Delivered })
	if h.m.Retry(msg.ID) {
		t.Fatal("retry of delivered message accepted")
	}

	payload, _ := chat.Encode(chat.NewLocal("bob", "from bob", time.Now()))
	tr.deliver(payload, bob)
	st := h.waitFor(t, "remote message", func(st State) bool { return len(st.Messages) == 2 })
	if h.m.Retry(st.Messages[1].ID) {
		t.Fatal("retry of remote message accepted")
	}
	if h.m.Retry(chat.NewLocal("x", "y", time.Now()).ID) {
		t.Fatal("retry of unknown message accepted")
	}
}

func TestReceivedMessageIsRemoteAndDelivered(t *testing.T) {
	h := newHarness(t)
	tr := h.epochs.last().transport
	bob := testPeer(t, "bob")
	tr.join(bob)

	sent := chat.NewLocal("mallory", "hey", time.Unix(1, 0))
	sent.Status = chat.Failed
	payload, _ := chat.Encode(sent)

	h.mock.Add(time.Hour)
	tr.deliver(payload, bob)

	st := h.waitFor(t, "message", func(st State) bool { return len(st.Messages) == 1 })
	got := st.Messages[0]
	if got.Origin != chat.Remote || got.Status != chat.Delivered {
		t.Fatalf("origin/status not overridden: %+v", got)
	}
	if got.SenderName != "bob" {
		t.Fatalf("sender = %q, want the transport peer's name", got.SenderName)
	}
	if !got.Timestamp.Equal(h.mock.Now()) {
		t.Fatalf("timestamp = %v, want receive time %v", got.Timestamp, h.mock.Now())
	}
}

func TestUndecodablePayloadIsDropped(t *testing.T) {
	h := newHarness(t)
	tr := h.epochs.last().transport
	bob := testPeer(t, "bob")
	tr.join(bob)

	tr.deliver([]byte{0xff, 0xff, 0xff}, bob)
	tr.deliver(nil, bob)
	h.sync(t)

	if n := len(h.m.Snapshot().Messages); n != 0 {
		t.Fatalf("got %d messages", n)
	}

	// Still responsive.
	if _, ok := h.m.Submit("after"); !ok {
		t.Fatal("submit refused")
	}
}

func TestIsConnectedTracksPeerSet(t *testing.T) {
	h := newHarness(t)
	tr := h.epochs.last().transport
	ch, cancel := h.m.Subscribe()
	defer cancel()

	var (
		wg   sync.WaitGroup
		bad  State
		seen bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for st := range ch {
			if st.IsConnected != (len(st.ConnectedPeers) > 0) || st.ConnectionStatus != ConnectionStatus(len(st.ConnectedPeers)) {
				bad, seen = st, true
			}
		}
	}()

	a, b := testPeer(t, "a"), testPeer(t, "b")
	tr.join(a)
	tr.join(b)
	st := h.waitFor(t, "two peers", func(st State) bool { return len(st.ConnectedPeers) == 2 })
	if st.ConnectionStatus != "Connected with: 2 device(s)" {
		t.Fatalf("status = %q", st.ConnectionStatus)
	}

	tr.leave(a)
	tr.leave(b)
	st = h.waitFor(t, "no peers", func(st State) bool { return !st.IsConnected })
	if st.ConnectionStatus != "Searching for devices..." {
		t.Fatalf("status = %q", st.ConnectionStatus)
	}

	cancel()
	wg.Wait()
	if seen {
		t.Fatalf("inconsistent state published: %+v", bad)
	}
}

func TestConcurrentLocalAndRemote(t *testing.T) {
	h := newHarness(t)
	tr := h.epochs.last().transport
	b := testPeer(t, "B")
	tr.join(b)
	h.waitFor(t, "connected", func(st State) bool { return st.IsConnected })

	payload, _ := chat.Encode(chat.NewLocal("B", "hi", time.Now()))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.m.Submit("hello")
	}()
	go func() {
		defer wg.Done()
		tr.deliver(payload, b)
	}()
	wg.Wait()

	st := h.waitFor(t, "both messages", func(st State) bool {
		return len(st.Messages) == 2 && !st.IsLoading
	})
	for _, msg := range st.Messages {
		switch msg.Content {
		case "hello":
			if msg.Origin != chat.Local || msg.Status != chat.Delivered {
				t.Fatalf("local message wrong: %+v", msg)
			}
		case "hi":
			if msg.Origin != chat.Remote || msg.SenderName != "B" {
				t.Fatalf("remote message wrong: %+v", msg)
			}
		default:
			t.Fatalf("unexpected message %+v", msg)
		}
	}
}

func TestReconnectAfterPeerLoss(t *testing.T) {
	h := newHarness(t)
	e := h.epochs.last()
	bob := testPeer(t, "bob")

	e.transport.join(bob)
	h.waitFor(t, "connected", func(st State) bool { return st.IsConnected })
	if e.discovery.cycles() != 1 {
		t.Fatalf("cycles = %d", e.discovery.cycles())
	}

	e.transport.leave(bob)
	h.waitFor(t, "searching", func(st State) bool { return st.ConnectionStatus == searchingStatus })

	h.mock.Add(time.Second)
	h.sync(t)
	if e.discovery.cycles() != 1 {
		t.Fatal("discovery restarted too early")
	}

	h.mock.Add(time.Second)
	h.waitFor(t, "discovery restart", func(State) bool { return e.discovery.cycles() == 2 })
	if !e.discovery.active() {
		t.Fatal("discovery should be running after reconnect")
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	e := h.epochs.last()
	bob := testPeer(t, "bob")

	e.transport.join(bob)
	h.waitFor(t, "connected", func(st State) bool { return st.IsConnected })
	e.transport.leave(bob)
	h.waitFor(t, "searching", func(st State) bool { return !st.IsConnected })

	h.m.Disconnect()
	h.mock.Add(10 * time.Second)
	h.sync(t)
	h.sync(t)

	if e.discovery.cycles() != 1 {
		t.Fatalf("stale reconnect resurrected discovery: cycles = %d", e.discovery.cycles())
	}
	if e.discovery.active() {
		t.Fatal("discovery should stay stopped after disconnect")
	}

	h.m.Reconnect()
	h.sync(t)
	if e.discovery.cycles() != 2 || !e.discovery.active() {
		t.Fatal("reconnect should restart discovery")
	}
}

func TestDisconnectDropsPeers(t *testing.T) {
	h := newHarness(t)
	e := h.epochs.last()
	e.transport.join(testPeer(t, "bob"))
	h.waitFor(t, "connected", func(st State) bool { return st.IsConnected })

	h.m.Disconnect()
	h.m.Disconnect()

	st := h.m.Snapshot()
	if st.IsConnected || len(st.ConnectedPeers) != 0 {
		t.Fatalf("still connected: %+v", st)
	}
	h.mock.Add(10 * time.Second)
	h.sync(t)
	if e.discovery.cycles() != 1 {
		t.Fatal("disconnect events must not schedule a reconnect")
	}
}

func TestStaleReconnectIgnored(t *testing.T) {
	h := newHarness(t)
	e := h.epochs.last()

	// A fire from an older generation is a no-op even if it slips past
	// timer cancellation.
	h.m.call(func() {
		gen := h.m.generation
		h.m.generation++
		h.m.fireReconnect(gen)
	})
	if e.discovery.cycles() != 1 {
		t.Fatal("stale fire restarted discovery")
	}
}

func TestRenameRebuildsEpoch(t *testing.T) {
	h := newHarness(t)
	first := h.epochs.last()
	bob := testPeer(t, "bob")
	first.transport.join(bob)
	h.waitFor(t, "connected", func(st State) bool { return st.IsConnected })
	first.transport.leave(bob)
	h.waitFor(t, "searching", func(st State) bool { return !st.IsConnected })
	gen := h.m.Snapshot().Generation

	if err := h.m.Rename("  carol "); err != nil {
		t.Fatalf("rename failed: %v", err)
	}

	if h.epochs.count() != 2 {
		t.Fatalf("epochs = %d, want 2", h.epochs.count())
	}
	if !first.transport.closed || !first.discovery.closed {
		t.Fatal("old epoch not released")
	}
	second := h.epochs.last()
	if second.identity.DisplayName() != "carol" {
		t.Fatalf("new identity name %q", second.identity.DisplayName())
	}
	if !second.discovery.active() {
		t.Fatal("new epoch not advertising and browsing")
	}

	st := h.waitFor(t, "renamed", func(st State) bool { return st.DisplayName == "carol" })
	if st.Generation <= gen {
		t.Fatal("generation not bumped")
	}
	if v, _, _ := h.store.Get(context.Background(), settings.KeyUserName); v != "carol" {
		t.Fatalf("stored name %q", v)
	}

	// The reconnect scheduled on the old epoch must not touch the new one.
	h.mock.Add(10 * time.Second)
	h.sync(t)
	if second.discovery.cycles() != 1 {
		t.Fatalf("new epoch cycles = %d", second.discovery.cycles())
	}
}

func TestRenameRejectsBlank(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Rename("   "); !errors.Is(err, identity.ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	if h.epochs.count() != 1 {
		t.Fatal("blank rename rebuilt the epoch")
	}
}

func TestInFlightSendFailsOnRename(t *testing.T) {
	h := newHarness(t)
	tr := h.epochs.last().transport
	tr.join(testPeer(t, "bob"))
	h.waitFor(t, "connected", func(st State) bool { return st.IsConnected })

	gate := make(chan struct{})
	tr.mu.Lock()
	tr.gate = gate
	tr.mu.Unlock()

	msg, _ := h.m.Submit("in flight")
	if err := h.m.Rename("dave"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	close(gate)

	h.waitFor(t, "failed", func(st State) bool { return statusOf(st, msg.ID) == chat.Failed })
}

func TestStoredNameUsedAtStartup(t *testing.T) {
	store := newMemStore()
	_ = store.Set(context.Background(), settings.KeyUserName, "erin")
	h := newHarnessWith(t, store, &fakeEpochs{})

	if got := h.epochs.last().identity.DisplayName(); got != "erin" {
		t.Fatalf("name = %q", got)
	}
}

func TestDefaultNamePersisted(t *testing.T) {
	h := newHarness(t)
	name := h.epochs.last().identity.DisplayName()
	if len(name) < len("User ") || name[:5] != "User " {
		t.Fatalf("default name %q", name)
	}
	if v, ok, _ := h.store.Get(context.Background(), settings.KeyUserName); !ok || v != name {
		t.Fatalf("default name not stored: %q", v)
	}
}

func TestEpochFailureKeepsManagerResponsive(t *testing.T) {
	epochs := &fakeEpochs{fail: errors.New("no network")}

	seed, _ := identity.GenerateSeed()
	keys, _ := identity.DeriveKeys(seed)
	m, err := New(Options{Keys: keys, Store: newMemStore(), NewEpoch: epochs.factory, Clock: clock.NewMock()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	h := &harness{m: m, epochs: epochs}
	msg, ok := m.Submit("lonely")
	if !ok {
		t.Fatal("submit refused")
	}
	h.waitFor(t, "failed", func(st State) bool { return statusOf(st, msg.ID) == chat.Failed })

	epochs.mu.Lock()
	epochs.fail = nil
	epochs.mu.Unlock()
	m.Reconnect()
	if epochs.count() != 1 {
		t.Fatal("reconnect should build the missing epoch")
	}
}

func TestDiscoveryEventsDriveInvites(t *testing.T) {
	h := newHarness(t)
	e := h.epochs.last()

	priv, _, _ := libp2pcrypto.GenerateEd25519Key(nil)
	id, _ := peer.IDFromPrivateKey(priv)
	addr, _ := multiaddr.NewMultiaddr("/ip4/192.168.1.2/tcp/4001")

	e.discovery.events.Push(discovery.PeerFound{Info: peer.AddrInfo{ID: id, Addrs: []multiaddr.Multiaddr{addr}}})
	e.discovery.events.Push(discovery.PeerLost{ID: id})
	h.waitFor(t, "invite", func(State) bool { return e.discovery.invitedCount() == 1 })
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStoppedManager(t *testing.T) {
	seed, _ := identity.GenerateSeed()
	keys, _ := identity.DeriveKeys(seed)
	epochs := &fakeEpochs{}
	m, err := New(Options{Keys: keys, Store: newMemStore(), NewEpoch: epochs.factory, Clock: clock.NewMock()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if _, ok := m.Submit("late"); ok {
		t.Fatal("submit accepted after stop")
	}
	if err := m.Rename("x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if e := epochs.last(); e != nil && !e.transport.closed {
		t.Fatal("epoch not closed on stop")
	}
	ch, _ := m.Subscribe()
	if _, ok := <-ch; ok {
		t.Fatal("subscription after stop should be closed")
	}
}
