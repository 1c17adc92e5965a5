package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshnode/internal/gossip"
	"meshnode/internal/testutil"
)

func sampleGossip(t *testing.T, root testutil.Identity) *gossip.Gossip {
	db, keys := testutil.Star(t, root, 3)
	g, err := gossip.NewProducer(nil, gossip.Options{}).Produce(db.Snapshot(), keys[0])
	require.NoError(t, err)
	return g
}

func TestGossipMsgRoundTrip(t *testing.T) {
	root := testutil.NewIdentity(t)
	g := sampleGossip(t, root)

	msg := NewGossipMsg(root.Key, g)
	require.NoError(t, SignGossip(&msg, root.Priv))
	data, err := EncodeGossip(msg)
	require.NoError(t, err)

	decoded, err := DecodeGossip(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
	require.NoError(t, VerifyGossip(decoded))

	back, err := decoded.Gossip()
	require.NoError(t, err)
	assert.Equal(t, g.NodeRecords, back.NodeRecords)
	assert.Equal(t, g.Pairs(), back.Pairs())
	assert.Equal(t, g.RevealedCount(), back.RevealedCount())
}

func TestVerifyGossipRejectsTampering(t *testing.T) {
	root := testutil.NewIdentity(t)
	other := testutil.NewIdentity(t)
	msg := NewGossipMsg(root.Key, sampleGossip(t, root))

	assert.ErrorIs(t, VerifyGossip(msg), ErrBadSignature, "unsigned")

	require.NoError(t, SignGossip(&msg, root.Priv))
	tampered := msg
	tampered.NodeRecords = append([]WireNodeRecord(nil), msg.NodeRecords...)
	tampered.NodeRecords[0].Relay = !tampered.NodeRecords[0].Relay
	assert.ErrorIs(t, VerifyGossip(tampered), ErrBadSignature)

	forged := msg
	require.NoError(t, SignGossip(&forged, other.Priv))
	assert.ErrorIs(t, VerifyGossip(forged), ErrBadSignature, "signer is not from")
}

func TestDecodeGossipValidation(t *testing.T) {
	root := testutil.NewIdentity(t)
	good := NewGossipMsg(root.Key, sampleGossip(t, root))

	cases := map[string]func(m *GossipMsg){
		"wrong type":       func(m *GossipMsg) { m.Type = "ack" },
		"wrong version":    func(m *GossipMsg) { m.ProtoVersion = "9.9.9" },
		"wrong suite":      func(m *GossipMsg) { m.Suite = "other" },
		"bad id":           func(m *GossipMsg) { m.ID = "nope" },
		"bad from":         func(m *GossipMsg) { m.From = "" },

		"pair out of range": func(m *GossipMsg) {
			m.NeighborPairs = append(m.NeighborPairs, WirePair{From: 0, To: uint32(len(m.NodeRecords))})
		},
		"bad addr": func(m *GossipMsg) {
			m.NodeRecords = append([]WireNodeRecord(nil), m.NodeRecords...)
			m.NodeRecords[0].NodeAddr = "1.2.3.4"
		},
		"duplicate key": func(m *GossipMsg) {
			m.NodeRecords = append(m.NodeRecords, m.NodeRecords[0])
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := good
			mutate(&m)
			data, err := json.Marshal(m)
			require.NoError(t, err)
			_, err = DecodeGossip(data)
			assert.Error(t, err)
		})
	}
}

func TestContentBytesIgnoresIDAndSignature(t *testing.T) {
	root := testutil.NewIdentity(t)
	g := sampleGossip(t, root)
	a := NewGossipMsg(root.Key, g)
	b := NewGossipMsg(root.Key, g)
	require.NoError(t, SignGossip(&b, root.Priv))
	assert.NotEqual(t, a.ID, b.ID)

	ca, err := ContentBytes(a)
	require.NoError(t, err)
	cb, err := ContentBytes(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestAckRoundTrip(t *testing.T) {
	data, err := EncodeAck(false, "bad signature")
	require.NoError(t, err)
	ack, err := DecodeAck(data)
	require.NoError(t, err)
	assert.False(t, ack.OK)
	assert.Equal(t, "bad signature", ack.Reason)

	_, err = DecodeAck([]byte(`{"type":"gossip","proto_version":"0.1.0","suite":"mesh-wire-v1"}`))
	assert.Error(t, err)
}
