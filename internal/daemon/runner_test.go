package daemon_test

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshnode/internal/config"
	"meshnode/internal/crypto"
	"meshnode/internal/daemon"
	"meshnode/internal/gossip"
	"meshnode/internal/neighborhood"
	"meshnode/internal/proto"
	"meshnode/internal/store"
	"meshnode/internal/testutil"
)

type sent struct {
	addr    string
	expect  neighborhood.PublicKey
	payload []byte
}

type fakeSender struct {
	mu    sync.Mutex
	calls []sent
	fail  map[string]error
}

func (f *fakeSender) Send(_ context.Context, addr string, expect neighborhood.PublicKey, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[addr]; err != nil {
		return err
	}
	f.calls = append(f.calls, sent{addr: addr, expect: expect, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeSender) take() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.calls
	f.calls = nil
	return out
}

func homeConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdvertiseAddr = "127.0.0.1:5000"
	return cfg
}

// persist writes id's keypair and db under cfg's home.
func persist(t *testing.T, cfg *config.Config, id testutil.Identity, db neighborhood.Graph) {
	t.Helper()
	require.NoError(t, crypto.SaveKeypair(cfg.Home, id.Pub, id.Priv))
	st, err := store.OpenNeighborhoodStore(context.Background(), cfg.DBPath)
	require.NoError(t, err)
	require.NoError(t, st.Save(context.Background(), db))
	require.NoError(t, st.Close())
}

// seededHome persists a star neighborhood of n peers and its root keypair
// under a fresh home.
func seededHome(t *testing.T, n int) (*config.Config, testutil.Identity, []neighborhood.PublicKey) {
	t.Helper()
	cfg := homeConfig(t)
	id := testutil.NewIdentity(t)
	db, peers := testutil.Star(t, id, n)
	persist(t, cfg, id, db)
	return cfg, id, peers
}

func newRunner(t *testing.T, cfg *config.Config, sender daemon.Sender) *daemon.Runner {
	t.Helper()
	r, err := daemon.NewRunner(context.Background(), cfg, daemon.Options{
		Log:    zaptest.NewLogger(t),
		Sender: sender,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNewRunnerCreatesNeighborhoodAndSeedsBootstrap(t *testing.T) {
	cfg := config.Default(t.TempDir())
	peer := testutil.NewIdentity(t)
	cfg.Bootstrap = []config.BootstrapPeer{{PublicKey: peer.Key.String(), NodeAddr: "10.0.0.7:4646", Relay: true}}

	r := newRunner(t, cfg, &fakeSender{})
	assert.Equal(t, r.Key, r.DB.RootKey())
	assert.Equal(t, 2, r.DB.Len())
	assert.True(t, r.DB.Root().HasNeighbor(peer.Key))

	rec, ok := r.DB.NodeByKey(peer.Key)
	require.True(t, ok)
	assert.True(t, rec.IsRelay())
	assert.Equal(t, "10.0.0.7:4646", rec.NodeAddr.String())

	// a second start over the same home keeps the identity and the saved peers
	require.NoError(t, r.Save(context.Background()))
	require.NoError(t, r.Close())
	cfg.Bootstrap[0].NodeAddr = "10.0.0.8:4646"
	cfg.Bootstrap[0].Relay = false
	cfg.Relay = true
	again := newRunner(t, cfg, &fakeSender{})
	assert.Equal(t, r.Key, again.Key)
	assert.Equal(t, 2, again.DB.Len())
	rec, _ = again.DB.NodeByKey(peer.Key)
	assert.Equal(t, "10.0.0.8:4646", rec.NodeAddr.String())
	assert.False(t, rec.IsRelay(), "config relay flag wins over the persisted one")
	assert.True(t, again.DB.Root().IsRelay())
}

func TestNewRunnerRefusesForeignNeighborhood(t *testing.T) {
	cfg, _, _ := seededHome(t, 1)
	other := testutil.NewIdentity(t)
	require.NoError(t, crypto.SaveKeypair(cfg.Home, other.Pub, other.Priv))

	_, err := daemon.NewRunner(context.Background(), cfg, daemon.Options{Sender: &fakeSender{}})
	assert.ErrorContains(t, err, "belongs to")
}

func TestGossipRoundSendsSignedViewToEveryNeighbor(t *testing.T) {
	cfg, id, peers := seededHome(t, 3)
	sender := &fakeSender{}
	r := newRunner(t, cfg, sender)
	require.Equal(t, id.Key, r.Key)

	res, err := r.GossipRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, daemon.RoundResult{Targets: 3, Sent: 3, Duration: res.Duration}, res)

	calls := sender.take()
	require.Len(t, calls, 3)
	byTarget := map[neighborhood.PublicKey]sent{}
	for _, c := range calls {
		byTarget[c.expect] = c
	}
	for i, peer := range peers {
		c, ok := byTarget[peer]
		require.True(t, ok, "no gossip for %s", peer)
		assert.Equal(t, testutil.Addr(uint16(5001+i)).DialAddr(), c.addr)

		msg, err := proto.DecodeGossip(c.payload)
		require.NoError(t, err)
		require.NoError(t, proto.VerifyGossip(msg))
		assert.Equal(t, id.Key.String(), msg.From)

		g, err := msg.Gossip()
		require.NoError(t, err)
		assert.Len(t, g.NodeRecords, 4)
		// root is the target's only neighbor, so both other peers are introduced
		assert.Equal(t, 3, g.RevealedCount())
		rootRec, ok := g.NodeRecordFor(id.Key)
		require.True(t, ok)
		assert.NotNil(t, rootRec.NodeAddr)
		self, ok := g.NodeRecordFor(peer)
		require.True(t, ok)
		assert.Nil(t, self.NodeAddr)
	}

	snap := r.Metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.Produce.Rounds)
	assert.Equal(t, uint64(3), snap.Produce.Produced)
	assert.Equal(t, uint64(6), snap.Produce.Introductions)
	assert.Equal(t, uint64(3), snap.Send.Sent)
	require.Len(t, snap.Recent, 1)
	assert.Equal(t, 3, snap.Recent[0].Sent)
}

func TestGossipRoundSkipsUnchangedViews(t *testing.T) {
	cfg, _, peers := seededHome(t, 3)
	sender := &fakeSender{}
	r := newRunner(t, cfg, sender)

	_, err := r.GossipRound(context.Background())
	require.NoError(t, err)
	sender.take()

	res, err := r.GossipRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)
	assert.Empty(t, sender.take())
	assert.Equal(t, uint64(3), r.Metrics.Snapshot().Send.SkippedUnchanged)

	// peer-00 learns peer-01, which every view discloses
	_, err = r.DB.AddNeighbor(peers[0], peers[1])
	require.NoError(t, err)
	res, err = r.GossipRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Len(t, sender.take(), 3)
}

func TestGossipRoundCollectsSendFailuresAndRetriesNextRound(t *testing.T) {
	cfg, _, _ := seededHome(t, 3)
	failing := testutil.Addr(5002).DialAddr()
	sender := &fakeSender{fail: map[string]error{failing: errors.New("unreachable")}}
	r := newRunner(t, cfg, sender)

	res, err := r.GossipRound(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "unreachable")
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, uint64(1), r.Metrics.Snapshot().Send.Failed)
	sender.take()

	delete(sender.fail, failing)
	res, err = r.GossipRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, res.Skipped)
	calls := sender.take()
	require.Len(t, calls, 1)
	assert.Equal(t, failing, calls[0].addr)
}

func TestGossipRoundReportsDanglingNeighbors(t *testing.T) {
	cfg := homeConfig(t)
	id := testutil.NewIdentity(t)
	ghost := neighborhood.PublicKey("ghost")
	db, err := neighborhood.NewDatabaseFromRecord(neighborhood.NewNodeRecord(id.Key, testutil.Addr(5000), false, ghost))
	require.NoError(t, err)
	for _, key := range []neighborhood.PublicKey{"peer-a", "peer-b"} {
		require.NoError(t, db.AddNode(neighborhood.NewNodeRecord(key, testutil.Addr(5001), false, id.Key)))
		_, err := db.AddNeighbor(id.Key, key)
		require.NoError(t, err)
	}
	persist(t, cfg, id, db)
	sender := &fakeSender{}
	r := newRunner(t, cfg, sender)

	res, err := r.GossipRound(context.Background())
	require.Error(t, err)
	assert.True(t, gossip.IsDanglingNeighbor(err))
	assert.Equal(t, 3, res.Targets)
	// ghost is one of root's edges, so no view of the neighborhood can be built
	assert.Equal(t, 3, res.Failed)
	assert.Empty(t, sender.take())
	assert.Equal(t, uint64(3), r.Metrics.Snapshot().Produce.DanglingNeighbor)

	_, err = r.DB.RemoveNeighbor(r.Key, ghost)
	require.NoError(t, err)
	res, err = r.GossipRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
}

func TestGossipRoundPassesOverTargetsWithoutAddress(t *testing.T) {
	cfg, _, peers := seededHome(t, 2)
	sender := &fakeSender{}
	r := newRunner(t, cfg, sender)
	require.NoError(t, r.DB.SetNodeAddr(peers[1], nil))

	res, err := r.GossipRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.NoAddr)
}

func TestProduceUnknownTarget(t *testing.T) {
	cfg, _, _ := seededHome(t, 1)
	r := newRunner(t, cfg, &fakeSender{})

	_, err := r.Produce("nobody")
	assert.True(t, gossip.IsTargetNotFound(err))
}

func TestHandleGossip(t *testing.T) {
	cfg, _, _ := seededHome(t, 1)
	r := newRunner(t, cfg, &fakeSender{})
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000}

	peer := testutil.NewIdentity(t)
	db, _ := testutil.Star(t, peer, 2)
	g, err := gossip.NewProducer(nil, gossip.Options{}).Produce(db, peer.Key)
	require.NoError(t, err)
	msg := proto.NewGossipMsg(peer.Key, g)
	require.NoError(t, proto.SignGossip(&msg, peer.Priv))
	payload, err := proto.EncodeGossip(msg)
	require.NoError(t, err)
	require.NoError(t, r.HandleGossip(context.Background(), from, payload))

	tampered := msg
	tampered.NodeRecords = tampered.NodeRecords[:1]
	tampered.NeighborPairs = nil
	bad, err := proto.EncodeGossip(tampered)
	require.NoError(t, err)
	assert.ErrorIs(t, r.HandleGossip(context.Background(), from, bad), proto.ErrBadSignature)

	assert.Error(t, r.HandleGossip(context.Background(), from, []byte(`{"type":"nope"}`)))

	own, err := r.Produce(r.DB.Keys()[1])
	require.NoError(t, err)
	ownPayload, err := proto.EncodeGossip(own)
	require.NoError(t, err)
	assert.ErrorContains(t, r.HandleGossip(context.Background(), from, ownPayload), "self")

	snap := r.Metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.Recv.Gossip)
	assert.Equal(t, uint64(3), snap.Recv.Rejected)
	assert.Equal(t, map[string]uint64{"bad_signature": 1, "bad_message": 1, "self": 1}, snap.DropByReason)
}

func TestRunGossipsAndSavesOnShutdown(t *testing.T) {
	cfg, _, peers := seededHome(t, 2)
	cfg.Gossip.Interval = 20 * time.Millisecond
	cfg.Metrics.SnapshotPath = filepath.Join(cfg.Home, "metrics.json")
	sender := &fakeSender{}
	r := newRunner(t, cfg, sender)

	extra := neighborhood.PublicKey("late-joiner")
	require.NoError(t, r.DB.AddNode(neighborhood.NewNodeRecord(extra, testutil.Addr(6001), false)))

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- r.RunWithContext(ctx, ready) }()

	select {
	case addr := <-ready:
		assert.NotEmpty(t, addr)
		assert.Equal(t, addr, r.ListenAddr())
	case <-time.After(5 * time.Second):
		t.Fatal("listener never became ready")
	}
	require.Eventually(t, func() bool {
		return r.Metrics.Snapshot().Send.Sent >= uint64(len(peers))
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.FileExists(t, cfg.Metrics.SnapshotPath)

	st, err := store.OpenNeighborhoodStore(context.Background(), cfg.DBPath)
	require.NoError(t, err)
	defer st.Close()
	db, err := st.Load(context.Background())
	require.NoError(t, err)
	_, ok := db.NodeByKey(extra)
	assert.True(t, ok, "nodes added while running are persisted on shutdown")
}

func TestHandleGossipLimitsEachSender(t *testing.T) {
	cfg, _, _ := seededHome(t, 1)
	r, err := daemon.NewRunner(context.Background(), cfg, daemon.Options{
		Log:       zaptest.NewLogger(t),
		Sender:    &fakeSender{},
		RecvLimit: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000}

	signed := func(id testutil.Identity) []byte {
		db, _ := testutil.Star(t, id, 1)
		g, err := gossip.NewProducer(nil, gossip.Options{}).Produce(db, id.Key)
		require.NoError(t, err)
		msg := proto.NewGossipMsg(id.Key, g)
		require.NoError(t, proto.SignGossip(&msg, id.Priv))
		payload, err := proto.EncodeGossip(msg)
		require.NoError(t, err)
		return payload
	}
	chatty, quiet := testutil.NewIdentity(t), testutil.NewIdentity(t)

	require.NoError(t, r.HandleGossip(context.Background(), from, signed(chatty)))
	assert.ErrorContains(t, r.HandleGossip(context.Background(), from, signed(chatty)), "rate_limited")
	require.NoError(t, r.HandleGossip(context.Background(), from, signed(quiet)))
	assert.Equal(t, uint64(1), r.Metrics.Snapshot().DropByReason["rate_limited"])
}
