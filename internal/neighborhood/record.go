package neighborhood

// NodeRecord is what the local node knows about one peer. Neighbors are
// directed edges ("this node connects to k") kept as an insertion-ordered set;
// they may name keys the neighborhood has no record for yet.
type NodeRecord struct {
	PublicKey PublicKey
	NodeAddr  *NodeAddr
	Relay     bool
	neighbors []PublicKey
}

func NewNodeRecord(key PublicKey, addr *NodeAddr, relay bool, neighbors ...PublicKey) *NodeRecord {
	r := &NodeRecord{PublicKey: key, Relay: relay}
	if addr != nil {
		a := addr.clone()
		r.NodeAddr = &a
	}
	for _, n := range neighbors {
		r.AddNeighbor(n)
	}
	return r
}

func (r *NodeRecord) IsRelay() bool {
	return r.Relay
}

// Neighbors returns a copy of the neighbor keys in insertion order.
func (r *NodeRecord) Neighbors() []PublicKey {
	out := make([]PublicKey, len(r.neighbors))
	copy(out, r.neighbors)
	return out
}

func (r *NodeRecord) NeighborCount() int {
	return len(r.neighbors)
}

func (r *NodeRecord) HasNeighbor(key PublicKey) bool {
	for _, n := range r.neighbors {
		if n == key {
			return true
		}
	}
	return false
}

// AddNeighbor appends key unless it is already present; it reports whether the set changed.
func (r *NodeRecord) AddNeighbor(key PublicKey) bool {
	if key.IsZero() || r.HasNeighbor(key) {
		return false
	}
	r.neighbors = append(r.neighbors, key)
	return true
}

func (r *NodeRecord) RemoveNeighbor(key PublicKey) bool {
	for i, n := range r.neighbors {
		if n == key {
			r.neighbors = append(r.neighbors[:i:i], r.neighbors[i+1:]...)
			return true
		}
	}
	return false
}

func (r *NodeRecord) Clone() *NodeRecord {
	return NewNodeRecord(r.PublicKey, r.NodeAddr, r.Relay, r.neighbors...)
}
