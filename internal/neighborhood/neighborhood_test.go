package neighborhood_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshnode/internal/neighborhood"
)

func TestPublicKeyTextRoundTrip(t *testing.T) {
	key := neighborhood.PublicKeyFromBytes([]byte{2, 3, 4, 5})
	assert.Equal(t, "AgMEBQ", key.String())

	parsed, err := neighborhood.ParsePublicKey("AgMEBQ")
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	padded, err := neighborhood.ParsePublicKey("AgMEBQ==")
	require.NoError(t, err)
	assert.Equal(t, key, padded)

	_, err = neighborhood.ParsePublicKey("")
	assert.Error(t, err)
	_, err = neighborhood.ParsePublicKey("not base64!")
	assert.Error(t, err)
}

func TestParseNodeAddr(t *testing.T) {
	addr, err := neighborhood.ParseNodeAddr("1.2.3.4:1234,2345")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("1.2.3.4"), addr.IP)
	assert.Equal(t, []uint16{1234, 2345}, addr.Ports)
	assert.Equal(t, "1.2.3.4:1234,2345", addr.String())
	assert.Equal(t, "1.2.3.4:1234", addr.DialAddr())

	v6, err := neighborhood.ParseNodeAddr("[2001:db8::1]:443")
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::1]:443", v6.String())
	assert.Equal(t, "[2001:db8::1]:443", v6.DialAddr())

	for _, bad := range []string{"", "1.2.3.4", "1.2.3.4:", "host:80", "1.2.3.4:0", "1.2.3.4:70000", "1.2.3.4:80,x"} {
		_, err := neighborhood.ParseNodeAddr(bad)
		assert.Error(t, err, bad)
	}
}

func TestNodeRecordNeighborSetKeepsInsertionOrder(t *testing.T) {
	a := neighborhood.PublicKey("a")
	b := neighborhood.PublicKey("b")
	c := neighborhood.PublicKey("c")
	rec := neighborhood.NewNodeRecord("x", nil, false, b, a, b)
	assert.Equal(t, []neighborhood.PublicKey{b, a}, rec.Neighbors())
	assert.True(t, rec.AddNeighbor(c))
	assert.False(t, rec.AddNeighbor(c))
	assert.True(t, rec.RemoveNeighbor(a))
	assert.False(t, rec.RemoveNeighbor(a))
	assert.Equal(t, []neighborhood.PublicKey{b, c}, rec.Neighbors())
	assert.Equal(t, 2, rec.NeighborCount())

	out := rec.Neighbors()
	out[0] = "mutated"
	assert.True(t, rec.HasNeighbor(b))
}

func TestDatabaseAddNodeAndNeighbor(t *testing.T) {
	rootAddr, err := neighborhood.ParseNodeAddr("1.2.3.4:1234")
	require.NoError(t, err)
	db := neighborhood.NewDatabase("root", rootAddr, false)

	require.NoError(t, db.AddNode(neighborhood.NewNodeRecord("a", nil, false)))
	err = db.AddNode(neighborhood.NewNodeRecord("a", nil, true))
	assert.ErrorIs(t, err, neighborhood.ErrNodeExists)

	added, err := db.AddNeighbor("root", "a")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = db.AddNeighbor("root", "a")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = db.AddNeighbor("root", "missing")
	assert.ErrorIs(t, err, neighborhood.ErrUnknownNode)
	_, err = db.AddNeighbor("missing", "root")
	assert.ErrorIs(t, err, neighborhood.ErrUnknownNode)

	assert.Equal(t, []neighborhood.PublicKey{"root", "a"}, db.Keys())
	assert.True(t, db.Root().HasNeighbor("a"))

	removed, err := db.RemoveNeighbor("root", "a")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, db.Root().HasNeighbor("a"))
}

func TestDatabaseKeepsUnknownNeighborReferences(t *testing.T) {
	rootAddr, _ := neighborhood.ParseNodeAddr("1.2.3.4:1234")
	db := neighborhood.NewDatabase("root", rootAddr, false)
	require.NoError(t, db.AddNode(neighborhood.NewNodeRecord("a", nil, false, "ghost")))

	rec, ok := db.NodeByKey("a")
	require.True(t, ok)
	assert.True(t, rec.HasNeighbor("ghost"))
	_, ok = db.NodeByKey("ghost")
	assert.False(t, ok)
}

func TestDatabaseSetNodeAddr(t *testing.T) {
	rootAddr, _ := neighborhood.ParseNodeAddr("1.2.3.4:1234")
	db := neighborhood.NewDatabase("root", rootAddr, false)
	require.NoError(t, db.AddNode(neighborhood.NewNodeRecord("a", nil, false)))

	addr, _ := neighborhood.ParseNodeAddr("5.6.7.8:99")
	require.NoError(t, db.SetNodeAddr("a", &addr))
	rec, _ := db.NodeByKey("a")
	require.NotNil(t, rec.NodeAddr)
	assert.True(t, addr.Equal(*rec.NodeAddr))

	require.NoError(t, db.SetNodeAddr("a", nil))
	rec, _ = db.NodeByKey("a")
	assert.Nil(t, rec.NodeAddr)

	assert.ErrorIs(t, db.SetNodeAddr("root", nil), neighborhood.ErrMissingAddr)
	assert.ErrorIs(t, db.SetNodeAddr("missing", &addr), neighborhood.ErrUnknownNode)
}

func TestNewDatabaseFromRecordRequiresAddr(t *testing.T) {
	_, err := neighborhood.NewDatabaseFromRecord(neighborhood.NewNodeRecord("root", nil, false))
	assert.ErrorIs(t, err, neighborhood.ErrMissingAddr)
}

func TestNewDatabaseRejectsZeroKey(t *testing.T) {
	addr, _ := neighborhood.ParseNodeAddr("1.2.3.4:1234")
	assert.PanicsWithValue(t, "neighborhood: NewDatabase: missing root key", func() {
		neighborhood.NewDatabase("", addr, false)
	})
	_, err := neighborhood.NewDatabaseFromRecord(neighborhood.NewNodeRecord("", &addr, false))
	assert.Error(t, err)
}

func TestDatabaseSetRelay(t *testing.T) {
	addr, _ := neighborhood.ParseNodeAddr("1.2.3.4:1234")
	db := neighborhood.NewDatabase("root", addr, false)
	require.NoError(t, db.AddNode(neighborhood.NewNodeRecord("a", &addr, false)))
	snap := db.Snapshot()

	require.NoError(t, db.SetRelay("a", true))
	rec, _ := db.NodeByKey("a")
	assert.True(t, rec.IsRelay())
	old, _ := snap.NodeByKey("a")
	assert.False(t, old.IsRelay(), "snapshots keep the flag they were taken with")

	assert.ErrorIs(t, db.SetRelay("ghost", true), neighborhood.ErrUnknownNode)
}

func TestSnapshotIsIsolatedFromLaterWrites(t *testing.T) {
	rootAddr, _ := neighborhood.ParseNodeAddr("1.2.3.4:1234")
	db := neighborhood.NewDatabase("root", rootAddr, false)
	require.NoError(t, db.AddNode(neighborhood.NewNodeRecord("a", nil, false)))
	_, err := db.AddNeighbor("root", "a")
	require.NoError(t, err)

	snap := db.Snapshot()

	require.NoError(t, db.AddNode(neighborhood.NewNodeRecord("b", nil, false)))
	_, err = db.AddNeighbor("root", "b")
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Len())
	assert.Equal(t, []neighborhood.PublicKey{"root", "a"}, snap.Keys())
	assert.Equal(t, []neighborhood.PublicKey{"a"}, snap.Root().Neighbors())
	_, ok := snap.NodeByKey("b")
	assert.False(t, ok)
	assert.Equal(t, 3, db.Len())
}

func TestDatabaseReturnsCopies(t *testing.T) {
	rootAddr, _ := neighborhood.ParseNodeAddr("1.2.3.4:1234")
	db := neighborhood.NewDatabase("root", rootAddr, false)
	root := db.Root()
	root.AddNeighbor("x")
	root.Relay = true
	assert.False(t, db.Root().HasNeighbor("x"))
	assert.False(t, db.Root().IsRelay())
}
