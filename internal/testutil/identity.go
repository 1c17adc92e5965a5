package testutil

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"meshnode/internal/crypto"
	"meshnode/internal/neighborhood"
)

// Identity is a throwaway node identity for tests.
type Identity struct {
	Key  neighborhood.PublicKey
	Pub  []byte
	Priv []byte
}

func NewIdentity(t testing.TB) Identity {
	t.Helper()
	pub, priv, err := crypto.GenKeypair()
	require.NoError(t, err)
	return Identity{Key: neighborhood.PublicKeyFromBytes(pub), Pub: pub, Priv: priv}
}

// Addr is 127.0.0.1 on port.
func Addr(port uint16) *neighborhood.NodeAddr {
	a := neighborhood.NewNodeAddr(netip.MustParseAddr("127.0.0.1"), port)
	return &a
}

// Star builds a neighborhood whose root links both ways to n standard
// peers on ports 5001.., and returns it with the peers' keys.
func Star(t testing.TB, root Identity, n int) (*neighborhood.Database, []neighborhood.PublicKey) {
	t.Helper()
	db := neighborhood.NewDatabase(root.Key, *Addr(5000), false)
	keys := make([]neighborhood.PublicKey, 0, n)
	for i := 0; i < n; i++ {
		key := neighborhood.PublicKey(fmt.Sprintf("peer-%02d", i))
		require.NoError(t, db.AddNode(neighborhood.NewNodeRecord(key, Addr(uint16(5001+i)), false)))
		_, err := db.AddNeighbor(root.Key, key)
		require.NoError(t, err)
		_, err = db.AddNeighbor(key, root.Key)
		require.NoError(t, err)
		keys = append(keys, key)
	}
	return db, keys
}
