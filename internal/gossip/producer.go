package gossip

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"meshnode/internal/neighborhood"
)

// DefaultMinimumNeighbors is how many standard (non-relay) neighbors a target
// should have before the producer stops introducing it to more peers.
const DefaultMinimumNeighbors = 3

type Options struct {
	MinimumNeighbors int
}

// Producer renders a neighborhood snapshot into the Gossip for one target.
//
// The whole neighborhood is always disclosed in skeleton form (key, relay
// flag, neighbor list). Addresses are revealed only for nodes that share an
// edge with the target, in either direction, and for peers the producer
// chooses to introduce to a poorly connected target. Edges leading into relay
// nodes are never disclosed.
//
// Produce only reads the graph it is given and keeps no state between calls,
// so one Producer may serve many goroutines over the same snapshot.
type Producer struct {
	log              *zap.Logger
	minimumNeighbors int
}

func NewProducer(log *zap.Logger, opts Options) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	minimum := opts.MinimumNeighbors
	if minimum < 1 {
		minimum = DefaultMinimumNeighbors
	}
	return &Producer{
		log:              log.Named("gossip_producer"),
		minimumNeighbors: minimum,
	}
}

func (p *Producer) MinimumNeighbors() int {
	return p.minimumNeighbors
}

// Stats describes one production: who was introduced and how many
// addresses the message reveals.
type Stats struct {
	Introduced []neighborhood.PublicKey
	Revealed   int
}

// Produce builds the Gossip for target from graph.
//
// Expected errors:
//   - TargetNotFoundError if target is not in graph.
//   - DanglingNeighborError if some node lists a neighbor graph cannot resolve.
//
// No partial Gossip is ever returned alongside an error.
func (p *Producer) Produce(graph neighborhood.Graph, target neighborhood.PublicKey) (*Gossip, error) {
	g, _, err := p.ProduceWithStats(graph, target)
	return g, err
}

// ProduceWithStats is Produce, also reporting the introductions it made.
func (p *Producer) ProduceWithStats(graph neighborhood.Graph, target neighborhood.PublicKey) (*Gossip, Stats, error) {
	targetRec, ok := graph.NodeByKey(target)
	if !ok {
		return nil, Stats{}, TargetNotFoundError{Target: target}
	}

	introducees, err := p.ChooseIntroductions(graph, targetRec)
	if err != nil {
		return nil, Stats{}, err
	}
	introduced := make(map[neighborhood.PublicKey]struct{}, len(introducees))
	for _, k := range introducees {
		introduced[k] = struct{}{}
	}

	keys := graph.Keys()
	records := make([]*neighborhood.NodeRecord, 0, len(keys))
	builder := NewBuilder()
	for _, key := range keys {
		rec, ok := graph.NodeByKey(key)
		if !ok {
			return nil, Stats{}, DanglingNeighborError{Node: key, Neighbor: key}
		}
		_, isIntroducee := introduced[key]
		reveal := rec.HasNeighbor(target) || targetRec.HasNeighbor(key) || isIntroducee
		if _, err := builder.Node(rec, reveal); err != nil {
			return nil, Stats{}, fmt.Errorf("could not add node to gossip: %w", err)
		}
		records = append(records, rec)
	}

	for _, rec := range records {
		for _, neighbor := range rec.Neighbors() {
			neighborRec, ok := graph.NodeByKey(neighbor)
			if !ok {
				return nil, Stats{}, DanglingNeighborError{Node: rec.PublicKey, Neighbor: neighbor}
			}
			if neighborRec.IsRelay() {
				continue
			}
			if err := builder.NeighborPair(rec.PublicKey, neighbor); err != nil {
				return nil, Stats{}, fmt.Errorf("could not add neighbor pair to gossip: %w", err)
			}
		}
	}

	g, err := builder.Build()
	if err != nil {
		return nil, Stats{}, fmt.Errorf("could not build gossip: %w", err)
	}
	if ce := p.log.Check(zap.DebugLevel, "gossip produced"); ce != nil {
		ce.Write(
			zap.Stringer("target", target),
			zap.Int("node_records", len(g.NodeRecords)),
			zap.Int("neighbor_pairs", len(g.NeighborPairs)),
			zap.Int("revealed", g.RevealedCount()),
			zap.Int("introductions", len(introducees)),
		)
	}
	return g, Stats{Introduced: introducees, Revealed: g.RevealedCount()}, nil
}

// ChooseIntroductions picks the peers whose addresses are revealed to target
// even though target has no edge to them.
//
// Introductions are only offered to a non-relay target that root connects to
// directly and that has fewer than MinimumNeighbors standard neighbors.
// Target neighbors missing from graph count as standard neighbors. Candidates
// are root's non-relay neighbors that target does not already know; the least
// connected are chosen first, ties keep root's neighbor order.
//
// A candidate graph cannot resolve is a DanglingNeighborError.
func (p *Producer) ChooseIntroductions(graph neighborhood.Graph, target *neighborhood.NodeRecord) ([]neighborhood.PublicKey, error) {
	standard := 0
	for _, key := range target.Neighbors() {
		rec, ok := graph.NodeByKey(key)
		if !ok || !rec.IsRelay() {
			standard++
		}
	}

	root := graph.Root()
	if target.IsRelay() || !root.HasNeighbor(target.PublicKey) || standard >= p.minimumNeighbors {
		return nil, nil
	}

	type candidate struct {
		key    neighborhood.PublicKey
		degree int
	}
	var candidates []candidate
	for _, key := range root.Neighbors() {
		if target.HasNeighbor(key) || key == target.PublicKey {
			continue
		}
		rec, ok := graph.NodeByKey(key)
		if !ok {
			return nil, DanglingNeighborError{Node: root.PublicKey, Neighbor: key}
		}
		if rec.IsRelay() {
			continue
		}
		candidates = append(candidates, candidate{key: key, degree: rec.NeighborCount()})
	}
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		return a.degree - b.degree
	})

	want := min(p.minimumNeighbors-standard, len(candidates))
	out := make([]neighborhood.PublicKey, 0, want)
	for _, c := range candidates[:want] {
		out = append(out, c.key)
	}
	if len(out) > 0 {
		p.log.Debug("introducing target",
			zap.Stringer("target", target.PublicKey),
			zap.Int("standard_neighbors", standard),
			zap.Stringers("introducees", out),
		)
	}
	return out, nil
}
