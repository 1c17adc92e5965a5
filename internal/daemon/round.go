package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"meshnode/internal/gossip"
	"meshnode/internal/metrics"
	"meshnode/internal/neighborhood"
	"meshnode/internal/proto"
)

// RoundResult counts what one gossip round did per target.
type RoundResult struct {
	Targets  int
	Sent     int
	Skipped  int
	NoAddr   int
	Failed   int
	Duration time.Duration
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeNoAddr
	outcomeFailed
)

// Produce renders and signs the gossip root would send to target now.
func (r *Runner) Produce(target neighborhood.PublicKey) (proto.GossipMsg, error) {
	return r.produce(r.DB.Snapshot(), target)
}

func (r *Runner) produce(snap *neighborhood.Snapshot, target neighborhood.PublicKey) (proto.GossipMsg, error) {
	g, stats, err := r.producer.ProduceWithStats(snap, target)
	if err != nil {
		return proto.GossipMsg{}, err
	}
	r.Metrics.AddProduced(len(stats.Introduced), stats.Revealed)

	msg := proto.NewGossipMsg(r.Key, g)
	if err := proto.SignGossip(&msg, r.priv); err != nil {
		return proto.GossipMsg{}, fmt.Errorf("sign gossip: %w", err)
	}
	return msg, nil
}

// GossipRound sends every neighbor of root its view of the current
// neighborhood. Targets whose view has not changed since the last successful
// send are skipped, targets without an address are passed over. Per-target
// failures are collected into the returned error; the round never stops early.
func (r *Runner) GossipRound(ctx context.Context) (RoundResult, error) {
	start := time.Now()
	snap := r.DB.Snapshot()
	r.Metrics.IncRounds()
	r.Metrics.SetNeighborhoodSize(snap.Len())

	var (
		mu     sync.Mutex
		res    RoundResult
		result *multierror.Error
	)
	pool := workerpool.New(r.cfg.Gossip.Workers)
	for _, target := range snap.Root().Neighbors() {
		if target == r.Key {
			continue
		}
		res.Targets++
		pool.Submit(func() {
			out, err := r.gossipTo(ctx, snap, target)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeSent:
				res.Sent++
			case outcomeSkipped:
				res.Skipped++
			case outcomeNoAddr:
				res.NoAddr++
			case outcomeFailed:
				res.Failed++
				result = multierror.Append(result, err)
			}
		})
	}
	pool.StopWait()

	res.Duration = time.Since(start)
	r.Metrics.Recent().Add(metrics.RoundHeader{
		At:       start.UTC(),
		Targets:  res.Targets,
		Sent:     res.Sent,
		Skipped:  res.Skipped,
		Failed:   res.Failed,
		Duration: res.Duration,
	})
	r.log.Debug("gossip round done",
		zap.Int("targets", res.Targets),
		zap.Int("sent", res.Sent),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Duration("took", res.Duration),
	)
	return res, result.ErrorOrNil()
}

func (r *Runner) gossipTo(ctx context.Context, snap *neighborhood.Snapshot, target neighborhood.PublicKey) (outcome, error) {
	log := r.log.With(zap.Stringer("target", target))
	rec, ok := snap.NodeByKey(target)
	if !ok {
		err := gossip.DanglingNeighborError{Node: r.Key, Neighbor: target}
		r.classify(log, err)
		return outcomeFailed, err
	}
	if rec.NodeAddr == nil {
		log.Debug("no address for target")
		return outcomeNoAddr, nil
	}

	msg, err := r.produce(snap, target)
	if err != nil {
		r.classify(log, err)
		return outcomeFailed, fmt.Errorf("gossip for %s: %w", target, err)
	}
	content, err := proto.ContentBytes(msg)
	if err != nil {
		r.classify(log, err)
		return outcomeFailed, fmt.Errorf("gossip for %s: %w", target, err)
	}
	fingerprint := xxhash.Sum64(content)
	if prev, ok := r.lastSent.Get(target); ok && prev == fingerprint {
		r.Metrics.IncSkippedUnchanged()
		return outcomeSkipped, nil
	}

	payload, err := proto.EncodeGossip(msg)
	if err != nil {
		r.classify(log, err)
		return outcomeFailed, fmt.Errorf("encode gossip for %s: %w", target, err)
	}
	if err := r.sender.Send(ctx, rec.NodeAddr.DialAddr(), target, payload); err != nil {
		r.Metrics.IncSendFailed()
		if r.rl.Allow("send:"+target.String(), time.Minute) {
			log.Warn("gossip send failed", zap.String("addr", rec.NodeAddr.DialAddr()), zap.Error(err))
		}
		return outcomeFailed, fmt.Errorf("send gossip to %s: %w", target, err)
	}
	r.lastSent.Add(target, fingerprint)
	r.Metrics.IncSent()
	return outcomeSent, nil
}

// classify counts and logs a production failure. A missing target is caller
// misuse and a dangling neighbor is an inconsistent neighborhood.
func (r *Runner) classify(log *zap.Logger, err error) {
	var dangling gossip.DanglingNeighborError
	switch {
	case gossip.IsTargetNotFound(err):
		r.Metrics.IncTargetNotFound()
		log.Warn("gossip target not in neighborhood", zap.Error(err))
	case errors.As(err, &dangling):
		r.Metrics.IncDanglingNeighbor()
		log.Error("neighborhood is inconsistent",
			zap.Stringer("node", dangling.Node),
			zap.Stringer("neighbor", dangling.Neighbor),
			zap.Error(err),
		)
	default:
		log.Error("gossip production failed", zap.Error(err))
	}
}
