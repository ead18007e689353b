// Package node assembles a chat node from its config: identity seed,
// settings store, metrics and the session manager with its epochs.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pivaldi/nearchat/internal/discovery"
	"github.com/pivaldi/nearchat/internal/httpapi"
	"github.com/pivaldi/nearchat/internal/identity"
	"github.com/pivaldi/nearchat/internal/metrics"
	"github.com/pivaldi/nearchat/internal/p2p"
	"github.com/pivaldi/nearchat/internal/session"
	"github.com/pivaldi/nearchat/internal/settings"
	"github.com/pivaldi/nearchat/internal/transport"
)

// Node is one running chat participant.
type Node struct {
	cfg     *Config
	log     *logrus.Logger
	clock   clock.Clock
	keys    *identity.DerivedKeys
	store   *settings.Store
	metrics *metrics.Metrics
	manager *session.Manager

	// Overridable in tests.
	mdns discovery.MDNSFactory
}

// New loads or creates the identity seed, opens the settings store and
// builds the session manager. The network is not touched until Run.
func New(cfg *Config, log *logrus.Logger) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	seed, created, err := identity.LoadOrCreateSeed(cfg.SeedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}
	keys, err := identity.DeriveKeys(seed)
	if err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}
	if created {
		log.WithField("path", cfg.SeedPath).Info("generated new identity seed")
	}

	store, err := settings.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		log:     log,
		clock:   clock.New(),
		keys:    keys,
		store:   store,
		metrics: metrics.New(),
	}

	n.manager, err = session.New(session.Options{
		Keys:           keys,
		Store:          store,
		NewEpoch:       n.newEpoch,
		Clock:          n.clock,
		Logger:         log,
		Metrics:        n.metrics,
		InviteTimeout:  time.Duration(cfg.InviteTimeout),
		ReconnectDelay: time.Duration(cfg.ReconnectDelay),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	log.WithField("peer_id", keys.PeerID).Info("node ready")
	return n, nil
}

// Manager exposes the session manager to the UI.
func (n *Node) Manager() *session.Manager {
	return n.manager
}

// PeerID is stable across renames.
func (n *Node) PeerID() string {
	return n.keys.PeerID.String()
}

// newEpoch brings up a fresh host, transport and discovery for id.
func (n *Node) newEpoch(_ context.Context, id *identity.Identity) (*session.Epoch, error) {
	h, err := p2p.NewHost(n.keys.Libp2pPriv, n.cfg.ListenPort)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	tr, err := transport.NewSession(h, id,
		transport.WithLogger(n.log.WithField("name", id.DisplayName())),
		transport.WithAckTimeout(time.Duration(n.cfg.AckTimeout)),
	)
	if err != nil {
		h.Close()
		return nil, err
	}

	disc, err := discovery.New(discovery.Options{
		Host:          h,
		ServiceTag:    n.cfg.ServiceTag,
		InviteTimeout: time.Duration(n.cfg.InviteTimeout),
		Clock:         n.clock,
		Logger:        n.log.WithField("name", id.DisplayName()),
		MDNS:          n.mdns,
	})
	if err != nil {
		tr.Close()
		return nil, err
	}

	for _, addr := range h.Addrs() {
		n.log.WithField("addr", addr.String()).Debug("listening")
	}
	return &session.Epoch{Transport: tr, Discovery: disc}, nil
}

// Run serves the session manager and, when configured, the debug HTTP
// endpoint until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.manager.Run(ctx)
	})

	if n.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              n.cfg.MetricsAddr,
			Handler:           httpapi.NewRouter(n.log, n.manager, n.metrics.Registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			n.log.WithField("addr", n.cfg.MetricsAddr).Info("debug http listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Close releases the settings store. Call after Run returns.
func (n *Node) Close() error {
	return n.store.Close()
}
