package daemon

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"meshnode/internal/config"
	"meshnode/internal/crypto"
	"meshnode/internal/debughttp"
	"meshnode/internal/debuglog"
	"meshnode/internal/gossip"
	"meshnode/internal/metrics"
	"meshnode/internal/neighborhood"
	"meshnode/internal/network"
	"meshnode/internal/store"
)

// Sender delivers one encoded gossip frame to a peer, which must present expect.
type Sender interface {
	Send(ctx context.Context, addr string, expect neighborhood.PublicKey, payload []byte) error
}

type Options struct {
	Log     *zap.Logger
	Metrics *metrics.Metrics
	// Sender defaults to a QUIC client configured from the transport section.
	Sender Sender
	// Store defaults to the sqlite database at cfg.DBPath.
	Store *store.NeighborhoodStore
	// RecvLimit caps accepted gossip per sender per second. Zero means
	// the default, negative disables the cap.
	RecvLimit int
}

// Runner owns the local neighborhood and gossips slices of it to root's
// neighbors on a timer.
type Runner struct {
	Key     neighborhood.PublicKey
	DB      *neighborhood.Database
	Metrics *metrics.Metrics

	cfg      *config.Config
	log      *zap.Logger
	priv     ed25519.PrivateKey
	store    *store.NeighborhoodStore
	sender   Sender
	closers  []func() error
	producer *gossip.Producer
	lastSent *lru.Cache[neighborhood.PublicKey, uint64]
	rl       *debuglog.RateLimiter
	recvRate *windowLimiter

	listenMu   sync.RWMutex
	listenAddr string
}

func NewRunner(ctx context.Context, cfg *config.Config, opts Options) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing config")
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	pub, priv, created, err := crypto.LoadOrCreateKeypair(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	key := neighborhood.PublicKeyFromBytes(pub)
	log = log.With(zap.Stringer("node", key))
	if created {
		log.Info("generated node keypair", zap.String("home", cfg.Home))
	}

	r := &Runner{
		Key:      key,
		Metrics:  opts.Metrics,
		cfg:      cfg,
		log:      log,
		priv:     ed25519.PrivateKey(priv),
		store:    opts.Store,
		sender:   opts.Sender,
		producer: gossip.NewProducer(log, gossip.Options{MinimumNeighbors: cfg.Gossip.MinimumNeighbors}),
		rl:       debuglog.NewRateLimiter(),
	}
	switch {
	case opts.RecvLimit == 0:
		r.recvRate = newWindowLimiter(defaultRecvLimit, defaultRecvWindow)
	case opts.RecvLimit > 0:
		r.recvRate = newWindowLimiter(opts.RecvLimit, defaultRecvWindow)
	}
	if r.Metrics == nil {
		r.Metrics = metrics.New()
	}
	if r.store == nil {
		st, err := store.OpenNeighborhoodStore(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		r.store = st
	}
	r.closers = append(r.closers, r.store.Close)
	if r.sender == nil {
		client := network.NewClient(log, network.ClientOptions{
			Timeout:    cfg.Transport.SendTimeout,
			MaxRetries: cfg.Transport.MaxRetries,
			RetryBase:  cfg.Transport.RetryBase,
		})
		r.sender = client
		r.closers = append(r.closers, client.Close)
	}
	r.lastSent, err = lru.New[neighborhood.PublicKey, uint64](cfg.Gossip.DedupCacheSize)
	if err != nil {
		return nil, multierror.Append(err, r.Close())
	}

	if err := r.loadNeighborhood(ctx); err != nil {
		return nil, multierror.Append(err, r.Close())
	}
	if err := r.seedBootstrap(); err != nil {
		return nil, multierror.Append(err, r.Close())
	}
	r.Metrics.SetNeighborhoodSize(r.DB.Len())
	return r, nil
}

func (r *Runner) loadNeighborhood(ctx context.Context) error {
	advertise, err := r.cfg.AdvertiseNodeAddr()
	if err != nil {
		return err
	}
	db, err := r.store.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNoRoot):
		r.DB = neighborhood.NewDatabase(r.Key, advertise, r.cfg.Relay)
		r.log.Info("created neighborhood", zap.Stringer("advertise", advertise))
		return nil
	case err != nil:
		return fmt.Errorf("load neighborhood: %w", err)
	}
	if db.RootKey() != r.Key {
		return fmt.Errorf("persisted neighborhood belongs to %s, not %s", db.RootKey(), r.Key)
	}
	if err := db.SetNodeAddr(r.Key, &advertise); err != nil {
		return err
	}
	if err := db.SetRelay(r.Key, r.cfg.Relay); err != nil {
		return err
	}
	r.DB = db
	r.log.Info("loaded neighborhood", zap.Int("nodes", db.Len()))
	return nil
}

// seedBootstrap adds every configured bootstrap peer and links root to it.
// Known peers keep their neighbors but take the configured address and relay flag.
func (r *Runner) seedBootstrap() error {
	for i, b := range r.cfg.Bootstrap {
		key, addr, err := b.Parse()
		if err != nil {
			return fmt.Errorf("bootstrap[%d]: %w", i, err)
		}
		if key == r.Key {
			continue
		}
		err = r.DB.AddNode(neighborhood.NewNodeRecord(key, &addr, b.Relay))
		switch {
		case errors.Is(err, neighborhood.ErrNodeExists):
			if err := r.DB.SetNodeAddr(key, &addr); err != nil {
				return err
			}
			if err := r.DB.SetRelay(key, b.Relay); err != nil {
				return err
			}
		case err != nil:
			return err
		}
		if _, err := r.DB.AddNeighbor(r.Key, key); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

// ListenAddr is the bound listener address once Run is serving.
func (r *Runner) ListenAddr() string {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

// Save persists the current neighborhood.
func (r *Runner) Save(ctx context.Context) error {
	return r.store.Save(ctx, r.DB.Snapshot())
}

func (r *Runner) Run(ctx context.Context) error {
	return r.RunWithContext(ctx, nil)
}

// RunWithContext serves incoming gossip and runs gossip rounds, store saves
// and metric snapshots on their intervals until ctx ends. The bound listen
// address is sent on ready when given. The neighborhood is saved once more
// before returning.
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- string) error {
	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	server := network.NewServer(r.log, r.priv, network.ServerOptions{})
	internalReady := make(chan net.Addr, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(srvCtx, r.cfg.ListenAddr, internalReady, r.HandleGossip)
	}()

	select {
	case actual := <-internalReady:
		r.setListenAddr(actual.String())
		if ready != nil {
			select {
			case ready <- actual.String():
			default:
			}
		}
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	if r.cfg.Debug.Addr != "" {
		dbg, err := debughttp.Start(r.log, r.cfg.Debug.Addr, r.cfg.Debug.AllowPublic, r.Metrics)
		if err != nil {
			r.log.Warn("debug http disabled", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = dbg.Close(shutdownCtx)
			}()
		}
	}

	gossipTicker := time.NewTicker(r.cfg.Gossip.Interval)
	defer gossipTicker.Stop()
	saveTicker := time.NewTicker(r.cfg.Store.SaveInterval)
	defer saveTicker.Stop()

	r.round(ctx)
	for {
		select {
		case <-ctx.Done():
			stopServer()
			serveErr := <-errCh
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var result *multierror.Error
			if serveErr != nil {
				result = multierror.Append(result, serveErr)
			}
			if err := r.Save(saveCtx); err != nil {
				result = multierror.Append(result, fmt.Errorf("final save: %w", err))
			}
			r.writeSnapshot()
			return result.ErrorOrNil()
		case err := <-errCh:
			return fmt.Errorf("listener stopped: %w", err)
		case <-gossipTicker.C:
			r.round(ctx)
		case <-saveTicker.C:
			if err := r.Save(ctx); err != nil {
				r.log.Error("save neighborhood failed", zap.Error(err))
			}
		}
	}
}

func (r *Runner) round(ctx context.Context) {
	res, err := r.GossipRound(ctx)
	if err != nil && ctx.Err() == nil {
		r.log.Warn("gossip round had failures", zap.Int("failed", res.Failed), zap.Error(err))
	}
	r.writeSnapshot()
}

func (r *Runner) writeSnapshot() {
	if err := r.Metrics.WriteSnapshot(r.cfg.Metrics.SnapshotPath); err != nil && r.rl.Allow("metrics-snapshot", time.Minute) {
		r.log.Warn("write metrics snapshot failed", zap.Error(err))
	}
}

// Close releases the store and, when the runner created it, the transport.
func (r *Runner) Close() error {
	var result *multierror.Error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.closers = nil
	return result.ErrorOrNil()
}
