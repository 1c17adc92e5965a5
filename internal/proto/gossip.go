package proto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"meshnode/internal/crypto"
	"meshnode/internal/gossip"
	"meshnode/internal/neighborhood"
)

var ErrBadSignature = errors.New("bad gossip signature")

type GossipMsg struct {
	Type          string           `json:"type"`
	ProtoVersion  string           `json:"proto_version"`
	Suite         string           `json:"suite"`
	ID            string           `json:"id"`
	From          string           `json:"from"`
	NodeRecords   []WireNodeRecord `json:"node_records"`
	NeighborPairs []WirePair       `json:"neighbor_pairs"`
	SigFrom       string           `json:"sig_from,omitempty"`
}

// WireNodeRecord carries keys in unpadded base64 and the address as
// "ip:port[,port]". An empty NodeAddr means masked or unknown.
type WireNodeRecord struct {
	PublicKey string   `json:"public_key"`
	NodeAddr  string   `json:"node_addr,omitempty"`
	Relay     bool     `json:"relay,omitempty"`
	Neighbors []string `json:"neighbors"`
}

type WirePair struct {
	From uint32 `json:"from"`
	To   uint32 `json:"to"`
}

func NewGossipMsg(from neighborhood.PublicKey, g *gossip.Gossip) GossipMsg {
	m := GossipMsg{
		Type:          MsgTypeGossip,
		ProtoVersion:  ProtoVersion,
		Suite:         Suite,
		ID:            uuid.NewString(),
		From:          from.String(),
		NodeRecords:   make([]WireNodeRecord, 0, len(g.NodeRecords)),
		NeighborPairs: make([]WirePair, 0, len(g.NeighborPairs)),
	}
	for _, rec := range g.NodeRecords {
		w := WireNodeRecord{
			PublicKey: rec.PublicKey.String(),
			Relay:     rec.Relay,
			Neighbors: make([]string, 0, len(rec.Neighbors)),
		}
		if rec.NodeAddr != nil {
			w.NodeAddr = rec.NodeAddr.String()
		}
		for _, n := range rec.Neighbors {
			w.Neighbors = append(w.Neighbors, n.String())
		}
		m.NodeRecords = append(m.NodeRecords, w)
	}
	for _, p := range g.NeighborPairs {
		m.NeighborPairs = append(m.NeighborPairs, WirePair{From: p.From, To: p.To})
	}
	return m
}

// Gossip converts m back to the in-memory message, checking every key,
// address and pair position.
func (m GossipMsg) Gossip() (*gossip.Gossip, error) {
	g := &gossip.Gossip{
		NodeRecords:   make([]gossip.GossipNodeRecord, 0, len(m.NodeRecords)),
		NeighborPairs: make([]gossip.NeighborRelationship, 0, len(m.NeighborPairs)),
	}
	seen := make(map[neighborhood.PublicKey]struct{}, len(m.NodeRecords))
	for i, w := range m.NodeRecords {
		key, err := neighborhood.ParsePublicKey(w.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("node_records[%d]: %w", i, err)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("node_records[%d]: duplicate key %s", i, key)
		}
		seen[key] = struct{}{}
		rec := gossip.GossipNodeRecord{
			PublicKey: key,
			Relay:     w.Relay,
			Neighbors: make([]neighborhood.PublicKey, 0, len(w.Neighbors)),
		}
		if w.NodeAddr != "" {
			addr, err := neighborhood.ParseNodeAddr(w.NodeAddr)
			if err != nil {
				return nil, fmt.Errorf("node_records[%d]: %w", i, err)
			}
			rec.NodeAddr = &addr
		}
		for _, raw := range w.Neighbors {
			n, err := neighborhood.ParsePublicKey(raw)
			if err != nil {
				return nil, fmt.Errorf("node_records[%d] neighbor: %w", i, err)
			}
			rec.Neighbors = append(rec.Neighbors, n)
		}
		g.NodeRecords = append(g.NodeRecords, rec)
	}
	for i, p := range m.NeighborPairs {
		if int(p.From) >= len(g.NodeRecords) || int(p.To) >= len(g.NodeRecords) {
			return nil, fmt.Errorf("neighbor_pairs[%d]: position out of range", i)
		}
		g.NeighborPairs = append(g.NeighborPairs, gossip.NeighborRelationship{From: p.From, To: p.To})
	}
	return g, nil
}

func EncodeGossip(m GossipMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeGossip
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeGossip(data []byte) (GossipMsg, error) {
	var m GossipMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return GossipMsg{}, err
	}
	if m.Type != MsgTypeGossip {
		return GossipMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return GossipMsg{}, err
	}
	if _, err := uuid.Parse(m.ID); err != nil {
		return GossipMsg{}, fmt.Errorf("bad id: %w", err)
	}
	if _, err := neighborhood.ParsePublicKey(m.From); err != nil {
		return GossipMsg{}, fmt.Errorf("from: %w", err)
	}
	if _, err := m.Gossip(); err != nil {
		return GossipMsg{}, err
	}
	return m, nil
}

// ContentBytes encodes only what the message discloses, leaving out the id
// and signature. Two productions of an unchanged neighborhood yield the same bytes.
func ContentBytes(m GossipMsg) ([]byte, error) {
	return json.Marshal(struct {
		From          string           `json:"from"`
		NodeRecords   []WireNodeRecord `json:"node_records"`
		NeighborPairs []WirePair       `json:"neighbor_pairs"`
	}{m.From, m.NodeRecords, m.NeighborPairs})
}

func signingDigest(m GossipMsg) ([]byte, error) {
	m.SigFrom = ""
	data, err := EncodeGossip(m)
	if err != nil {
		return nil, err
	}
	return crypto.SHA3_256(data), nil
}

// SignGossip sets m.SigFrom. priv must belong to the key in m.From.
func SignGossip(m *GossipMsg, priv []byte) error {
	digest, err := signingDigest(*m)
	if err != nil {
		return err
	}
	sig, err := crypto.SignDigest(priv, digest)
	if err != nil {
		return err
	}
	m.SigFrom = hex.EncodeToString(sig)
	return nil
}

func VerifyGossip(m GossipMsg) error {
	from, err := neighborhood.ParsePublicKey(m.From)
	if err != nil {
		return fmt.Errorf("from: %w", err)
	}
	sig, err := hex.DecodeString(m.SigFrom)
	if err != nil || len(sig) == 0 {
		return ErrBadSignature
	}
	digest, err := signingDigest(m)
	if err != nil {
		return err
	}
	if !crypto.VerifyDigest(from.Bytes(), digest, sig) {
		return ErrBadSignature
	}
	return nil
}

// AckMsg answers every frame a listener reads.
type AckMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	OK           bool   `json:"ok"`
	Reason       string `json:"reason,omitempty"`
}

func EncodeAck(ok bool, reason string) ([]byte, error) {
	return json.Marshal(AckMsg{
		Type:         MsgTypeAck,
		ProtoVersion: ProtoVersion,
		Suite:        Suite,
		OK:           ok,
		Reason:       reason,
	})
}

func DecodeAck(data []byte) (AckMsg, error) {
	var m AckMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return AckMsg{}, err
	}
	if m.Type != MsgTypeAck {
		return AckMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return AckMsg{}, err
	}
	return m, nil
}
