package gossip

import (
	"errors"
	"fmt"

	"meshnode/internal/neighborhood"
)

var (
	ErrDuplicateNode = errors.New("node already added to gossip")
	ErrUnknownNode   = errors.New("node not added to gossip")
	ErrBuilderSpent  = errors.New("gossip builder already built")
)

// Builder accumulates one Gossip. Positions are assigned in the order nodes
// are added; edges may only reference nodes that were added before them.
// A Builder is single use.
type Builder struct {
	records   []GossipNodeRecord
	positions map[neighborhood.PublicKey]uint32
	pairs     []NeighborRelationship
	spent     bool
}

func NewBuilder() *Builder {
	return &Builder{positions: make(map[neighborhood.PublicKey]uint32)}
}

// Node appends rec, masking its address unless revealAddr, and returns its position.
func (b *Builder) Node(rec *neighborhood.NodeRecord, revealAddr bool) (uint32, error) {
	if b.spent {
		return 0, ErrBuilderSpent
	}
	if _, ok := b.positions[rec.PublicKey]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateNode, rec.PublicKey)
	}
	pos := uint32(len(b.records))
	b.records = append(b.records, NewGossipNodeRecord(rec, revealAddr))
	b.positions[rec.PublicKey] = pos
	return pos, nil
}

// NeighborPair appends the edge from -> to.
func (b *Builder) NeighborPair(from, to neighborhood.PublicKey) error {
	if b.spent {
		return ErrBuilderSpent
	}
	fromPos, ok := b.positions[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	toPos, ok := b.positions[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	b.pairs = append(b.pairs, NeighborRelationship{From: fromPos, To: toPos})
	return nil
}

func (b *Builder) Build() (*Gossip, error) {
	if b.spent {
		return nil, ErrBuilderSpent
	}
	b.spent = true
	g := &Gossip{
		NodeRecords:   b.records,
		NeighborPairs: b.pairs,
	}
	b.records = nil
	b.pairs = nil
	b.positions = nil
	return g, nil
}
