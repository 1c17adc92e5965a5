package gossip

import (
	"errors"
	"fmt"

	"meshnode/internal/neighborhood"
)

// TargetNotFoundError is returned when gossip is requested for a key the
// neighborhood has never heard of. It signals caller misuse.
type TargetNotFoundError struct {
	Target neighborhood.PublicKey
}

func (e TargetNotFoundError) Error() string {
	return fmt.Sprintf("target node %s not in neighborhood", e.Target)
}

// DanglingNeighborError is returned when Node lists Neighbor as a neighbor but
// the neighborhood has no record for Neighbor and production needs one. It
// signals that the neighborhood was built inconsistently upstream.
type DanglingNeighborError struct {
	Node     neighborhood.PublicKey
	Neighbor neighborhood.PublicKey
}

func (e DanglingNeighborError) Error() string {
	if e.Node == e.Neighbor {
		return fmt.Sprintf("enumerated node %s has no record in neighborhood", e.Node)
	}
	return fmt.Sprintf("node %s references neighbor %s that is not in neighborhood", e.Node, e.Neighbor)
}

// IsTargetNotFound returns whether err is, or wraps, a TargetNotFoundError.
func IsTargetNotFound(err error) bool {
	var e TargetNotFoundError
	return errors.As(err, &e)
}

// IsDanglingNeighbor returns whether err is, or wraps, a DanglingNeighborError.
func IsDanglingNeighbor(err error) bool {
	var e DanglingNeighborError
	return errors.As(err, &e)
}
