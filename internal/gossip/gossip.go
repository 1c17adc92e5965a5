package gossip

import (
	"meshnode/internal/neighborhood"
)

// Gossip is one message addressed to one target. NodeRecords are in the order
// they were added; NeighborPairs reference them by position. A Gossip is never
// modified after Build returns it.
type Gossip struct {
	NodeRecords   []GossipNodeRecord
	NeighborPairs []NeighborRelationship
}

// GossipNodeRecord is the disclosed form of a neighborhood.NodeRecord. NodeAddr
// is nil when the address was masked or is unknown to the sender.
type GossipNodeRecord struct {
	PublicKey neighborhood.PublicKey
	NodeAddr  *neighborhood.NodeAddr
	Relay     bool
	Neighbors []neighborhood.PublicKey
}

// NeighborRelationship is the directed edge NodeRecords[From] -> NodeRecords[To].
type NeighborRelationship struct {
	From uint32
	To   uint32
}

// KeyPair is a NeighborRelationship resolved to the keys it connects.
type KeyPair struct {
	From neighborhood.PublicKey
	To   neighborhood.PublicKey
}

// NewGossipNodeRecord copies rec, keeping its address only when revealAddr is set.
func NewGossipNodeRecord(rec *neighborhood.NodeRecord, revealAddr bool) GossipNodeRecord {
	out := GossipNodeRecord{
		PublicKey: rec.PublicKey,
		Relay:     rec.IsRelay(),
		Neighbors: rec.Neighbors(),
	}
	if revealAddr && rec.NodeAddr != nil {
		addr := neighborhood.NewNodeAddr(rec.NodeAddr.IP, rec.NodeAddr.Ports...)
		out.NodeAddr = &addr
	}
	return out
}

func (r GossipNodeRecord) AddrRevealed() bool {
	return r.NodeAddr != nil
}

// NodeRecordFor finds the disclosed entry for key.
func (g *Gossip) NodeRecordFor(key neighborhood.PublicKey) (GossipNodeRecord, bool) {
	for _, rec := range g.NodeRecords {
		if rec.PublicKey == key {
			return rec, true
		}
	}
	return GossipNodeRecord{}, false
}

// Pairs resolves NeighborPairs to keys, in message order. Pairs pointing
// outside NodeRecords are skipped.
func (g *Gossip) Pairs() []KeyPair {
	out := make([]KeyPair, 0, len(g.NeighborPairs))
	for _, p := range g.NeighborPairs {
		if int(p.From) >= len(g.NodeRecords) || int(p.To) >= len(g.NodeRecords) {
			continue
		}
		out = append(out, KeyPair{From: g.NodeRecords[p.From].PublicKey, To: g.NodeRecords[p.To].PublicKey})
	}
	return out
}

// RevealedCount is the number of entries that carry an address.
func (g *Gossip) RevealedCount() int {
	n := 0
	for _, rec := range g.NodeRecords {
		if rec.AddrRevealed() {
			n++
		}
	}
	return n
}
