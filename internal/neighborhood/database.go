package neighborhood

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNodeExists  = errors.New("node already in neighborhood")
	ErrUnknownNode = errors.New("node not in neighborhood")
	ErrMissingAddr = errors.New("root node requires an address")
)

// Graph is the read-only query surface gossip production works against.
// Implementations must not change while a caller holds them.
type Graph interface {
	Root() *NodeRecord
	NodeByKey(key PublicKey) (*NodeRecord, bool)
	// Keys enumerates every known key exactly once, root first, then in the
	// order nodes were added.
	Keys() []PublicKey
}

// Database is the long-lived, mutable neighborhood of the local node. It is
// safe for concurrent use; readers that need a consistent view across several
// lookups take a Snapshot.
type Database struct {
	mu    sync.RWMutex
	root  PublicKey
	order []PublicKey
	nodes map[PublicKey]*NodeRecord
}

// NewDatabase seeds a database with a root built from its parts. It panics
// on a zero key; use NewDatabaseFromRecord where the key is not trusted.
func NewDatabase(key PublicKey, addr NodeAddr, relay bool) *Database {
	db, err := NewDatabaseFromRecord(NewNodeRecord(key, &addr, relay))
	if err != nil {
		panic(fmt.Sprintf("neighborhood: NewDatabase: %v", err))
	}
	return db
}

// NewDatabaseFromRecord seeds a database with root, keeping root's neighbor list.
func NewDatabaseFromRecord(root *NodeRecord) (*Database, error) {
	if root == nil || root.PublicKey.IsZero() {
		return nil, fmt.Errorf("missing root key")
	}
	if root.NodeAddr == nil {
		return nil, ErrMissingAddr
	}
	rec := root.Clone()
	return &Database{
		root:  rec.PublicKey,
		order: []PublicKey{rec.PublicKey},
		nodes: map[PublicKey]*NodeRecord{rec.PublicKey: rec},
	}, nil
}

func (d *Database) RootKey() PublicKey {
	return d.root
}

// Root returns a copy of the local node's record.
func (d *Database) Root() *NodeRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nodes[d.root].Clone()
}

// NodeByKey returns a copy of the record for key.
func (d *Database) NodeByKey(key PublicKey) (*NodeRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.nodes[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (d *Database) Keys() []PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PublicKey, len(d.order))
	copy(out, d.order)
	return out
}

func (d *Database) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// AddNode inserts a copy of rec, neighbors included. Neighbor keys need not be known yet.
func (d *Database) AddNode(rec *NodeRecord) error {
	if rec == nil || rec.PublicKey.IsZero() {
		return fmt.Errorf("missing node key")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nodes[rec.PublicKey]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, rec.PublicKey)
	}
	d.nodes[rec.PublicKey] = rec.Clone()
	d.order = append(d.order, rec.PublicKey)
	return nil
}

// AddNeighbor records the directed edge from -> to. Both nodes must be known.
func (d *Database) AddNeighbor(from, to PublicKey) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.nodes[from]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	if _, ok := d.nodes[to]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	return src.AddNeighbor(to), nil
}

func (d *Database) RemoveNeighbor(from, to PublicKey) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.nodes[from]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	return src.RemoveNeighbor(to), nil
}

// SetRelay changes whether key is a relay.
func (d *Database) SetRelay(key PublicKey, relay bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.nodes[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, key)
	}
	rec.Relay = relay
	return nil
}

// SetNodeAddr replaces the address on file for key; nil forgets it. Root must keep one.
func (d *Database) SetNodeAddr(key PublicKey, addr *NodeAddr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.nodes[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, key)
	}
	if addr == nil {
		if key == d.root {
			return ErrMissingAddr
		}
		rec.NodeAddr = nil
		return nil
	}
	a := addr.clone()
	rec.NodeAddr = &a
	return nil
}

// Snapshot returns an immutable deep copy of the neighborhood.
func (d *Database) Snapshot() *Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := &Snapshot{
		root:  d.root,
		order: make([]PublicKey, len(d.order)),
		nodes: make(map[PublicKey]*NodeRecord, len(d.nodes)),
	}
	copy(s.order, d.order)
	for k, rec := range d.nodes {
		s.nodes[k] = rec.Clone()
	}
	return s
}

// Snapshot is a frozen neighborhood. The records it hands out are shared
// between callers and must be treated as read-only.
type Snapshot struct {
	root  PublicKey
	order []PublicKey
	nodes map[PublicKey]*NodeRecord
}

var _ Graph = (*Snapshot)(nil)
var _ Graph = (*Database)(nil)

func (s *Snapshot) Root() *NodeRecord {
	return s.nodes[s.root]
}

func (s *Snapshot) NodeByKey(key PublicKey) (*NodeRecord, bool) {
	rec, ok := s.nodes[key]
	return rec, ok
}

func (s *Snapshot) Keys() []PublicKey {
	out := make([]PublicKey, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Snapshot) Len() int {
	return len(s.order)
}
