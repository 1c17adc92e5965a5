package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RoundHeader summarizes one gossip round.
type RoundHeader struct {
	At       time.Time     `json:"at"`
	Targets  int           `json:"targets"`
	Sent     int           `json:"sent"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

type Snapshot struct {
	GeneratedAt      time.Time         `json:"generated_at"`
	Produce          ProduceMetrics    `json:"produce"`
	Send             SendMetrics       `json:"send"`
	Recv             RecvMetrics       `json:"recv"`
	DropByReason     map[string]uint64 `json:"drop_by_reason"`
	NeighborhoodSize int64             `json:"neighborhood_size"`
	Recent           []RoundHeader     `json:"recent"`
}

type ProduceMetrics struct {
	Rounds           uint64 `json:"rounds"`
	Produced         uint64 `json:"produced"`
	TargetNotFound   uint64 `json:"target_not_found"`
	DanglingNeighbor uint64 `json:"dangling_neighbor"`
	Introductions    uint64 `json:"introductions"`
	RevealedAddrs    uint64 `json:"revealed_addrs"`
}

type SendMetrics struct {
	Sent             uint64 `json:"sent"`
	SkippedUnchanged uint64 `json:"skipped_unchanged"`
	Failed           uint64 `json:"failed"`
}

type RecvMetrics struct {
	Gossip   uint64 `json:"gossip"`
	Rejected uint64 `json:"rejected"`
}

type Metrics struct {
	rounds           atomic.Uint64
	produced         atomic.Uint64
	targetNotFound   atomic.Uint64
	danglingNeighbor atomic.Uint64
	introductions    atomic.Uint64
	revealedAddrs    atomic.Uint64
	sent             atomic.Uint64
	skippedUnchanged atomic.Uint64
	sendFailed       atomic.Uint64
	recvGossip       atomic.Uint64
	recvRejected     atomic.Uint64
	neighborhoodSize atomic.Int64

	dropMu       sync.Mutex
	dropByReason map[string]uint64

	recent *RoundRecent
}

func New() *Metrics {
	return &Metrics{
		dropByReason: make(map[string]uint64),
		recent:       NewRoundRecent(64),
	}
}

func (m *Metrics) Recent() *RoundRecent {
	return m.recent
}

func (m *Metrics) IncRounds()           { m.rounds.Add(1) }
func (m *Metrics) IncTargetNotFound()   { m.targetNotFound.Add(1) }
func (m *Metrics) IncDanglingNeighbor() { m.danglingNeighbor.Add(1) }
func (m *Metrics) IncSent()             { m.sent.Add(1) }
func (m *Metrics) IncSkippedUnchanged() { m.skippedUnchanged.Add(1) }
func (m *Metrics) IncSendFailed()       { m.sendFailed.Add(1) }
func (m *Metrics) IncRecvGossip()       { m.recvGossip.Add(1) }

// AddProduced records one produced message with its introduction and
// revealed address counts.
func (m *Metrics) AddProduced(introductions, revealed int) {
	m.produced.Add(1)
	m.introductions.Add(uint64(introductions))
	m.revealedAddrs.Add(uint64(revealed))
}

// IncRecvRejected counts a received frame that was refused, by reason.
func (m *Metrics) IncRecvRejected(reason string) {
	m.recvRejected.Add(1)
	m.IncDropByReason(reason)
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.dropMu.Lock()
	m.dropByReason[reason]++
	m.dropMu.Unlock()
}

func (m *Metrics) SetNeighborhoodSize(n int) {
	m.neighborhoodSize.Store(int64(n))
}

func (m *Metrics) Snapshot() Snapshot {
	m.dropMu.Lock()
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.dropMu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Produce: ProduceMetrics{
			Rounds:           m.rounds.Load(),
			Produced:         m.produced.Load(),
			TargetNotFound:   m.targetNotFound.Load(),
			DanglingNeighbor: m.danglingNeighbor.Load(),
			Introductions:    m.introductions.Load(),
			RevealedAddrs:    m.revealedAddrs.Load(),
		},
		Send: SendMetrics{
			Sent:             m.sent.Load(),
			SkippedUnchanged: m.skippedUnchanged.Load(),
			Failed:           m.sendFailed.Load(),
		},
		Recv: RecvMetrics{
			Gossip:   m.recvGossip.Load(),
			Rejected: m.recvRejected.Load(),
		},
		DropByReason:     drops,
		NeighborhoodSize: m.neighborhoodSize.Load(),
		Recent:           m.recent.List(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

var (
	descRounds     = prometheus.NewDesc("mesh_gossip_rounds_total", "Gossip rounds run.", nil, nil)
	descProduced   = prometheus.NewDesc("mesh_gossip_produced_total", "Gossip messages produced.", nil, nil)
	descProduceErr = prometheus.NewDesc("mesh_gossip_produce_errors_total", "Gossip production failures by kind.", []string{"kind"}, nil)
	descIntro      = prometheus.NewDesc("mesh_gossip_introductions_total", "Peers introduced to poorly connected targets.", nil, nil)
	descRevealed   = prometheus.NewDesc("mesh_gossip_revealed_addrs_total", "Node addresses disclosed in produced gossip.", nil, nil)
	descSend       = prometheus.NewDesc("mesh_gossip_send_total", "Gossip send outcomes.", []string{"outcome"}, nil)
	descRecv       = prometheus.NewDesc("mesh_gossip_received_total", "Gossip frames received.", nil, nil)
	descDrop       = prometheus.NewDesc("mesh_gossip_dropped_total", "Received frames dropped by reason.", []string{"reason"}, nil)
	descSize       = prometheus.NewDesc("mesh_neighborhood_nodes", "Nodes in the local neighborhood.", nil, nil)
)

var _ prometheus.Collector = (*Metrics)(nil)

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descRounds, descProduced, descProduceErr, descIntro, descRevealed, descSend, descRecv, descDrop, descSize} {
		ch <- d
	}
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.Snapshot()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(descRounds, s.Produce.Rounds)
	counter(descProduced, s.Produce.Produced)
	counter(descProduceErr, s.Produce.TargetNotFound, "target_not_found")
	counter(descProduceErr, s.Produce.DanglingNeighbor, "dangling_neighbor")
	counter(descIntro, s.Produce.Introductions)
	counter(descRevealed, s.Produce.RevealedAddrs)
	counter(descSend, s.Send.Sent, "sent")
	counter(descSend, s.Send.SkippedUnchanged, "skipped_unchanged")
	counter(descSend, s.Send.Failed, "failed")
	counter(descRecv, s.Recv.Gossip)

	reasons := make([]string, 0, len(s.DropByReason))
	for r := range s.DropByReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		counter(descDrop, s.DropByReason[r], r)
	}
	ch <- prometheus.MustNewConstMetric(descSize, prometheus.GaugeValue, float64(s.NeighborhoodSize))
}

type RoundRecent struct {
	mu   sync.Mutex
	cap  int
	list []RoundHeader
}

func NewRoundRecent(capacity int) *RoundRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &RoundRecent{cap: capacity}
}

func (r *RoundRecent) Add(h RoundHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *RoundRecent) List() []RoundHeader {
	if r == nil {
		return []RoundHeader{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoundHeader, len(r.list))
	copy(out, r.list)
	return out
}
