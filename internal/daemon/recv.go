package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"meshnode/internal/proto"
)

const (
	rejectBadMessage   = "bad_message"
	rejectBadSignature = "bad_signature"
	rejectSelf         = "self"
	rejectRateLimited  = "rate_limited"
)

// HandleGossip accepts one framed gossip message from a peer. The message is
// checked and counted; merging received views into the local neighborhood is
// not done here.
func (r *Runner) HandleGossip(ctx context.Context, from net.Addr, payload []byte) error {
	msg, err := proto.DecodeGossip(payload)
	if err != nil {
		return r.reject(from, rejectBadMessage, err)
	}
	if err := proto.VerifyGossip(msg); err != nil {
		return r.reject(from, rejectBadSignature, err)
	}
	if msg.From == r.Key.String() {
		return r.reject(from, rejectSelf, errors.New("gossip from self"))
	}
	if !r.recvRate.Allow(msg.From) {
		return r.reject(from, rejectRateLimited, errors.New("too much gossip from sender"))
	}
	r.Metrics.IncRecvGossip()
	if ce := r.log.Check(zap.DebugLevel, "gossip received"); ce != nil {
		ce.Write(
			zap.Stringer("remote", from),
			zap.String("from", msg.From),
			zap.String("id", msg.ID),
			zap.Int("node_records", len(msg.NodeRecords)),
			zap.Int("neighbor_pairs", len(msg.NeighborPairs)),
		)
	}
	return nil
}

func (r *Runner) reject(from net.Addr, reason string, err error) error {
	r.Metrics.IncRecvRejected(reason)
	if r.rl.Allow("recv:"+reason, 30*time.Second) {
		r.log.Warn("gossip rejected", zap.Stringer("remote", from), zap.String("reason", reason), zap.Error(err))
	}
	return fmt.Errorf("%s: %w", reason, err)
}
