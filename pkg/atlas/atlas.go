// Package atlas implements the ATLAS Memory Adapter (SPEC_FULL.md §4.6):
// a typed memory-node log with a multi-index in-memory query layer built
// on top of hypercore.Log.
package atlas

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ionvm/substrate/codes"
	"github.com/ionvm/substrate/hypercore"
)

// timeBucketSeconds is the width of the by_time_bucket index (§4.6).
const timeBucketSeconds = 60

// Node is the ATLAS memory-node payload variant (§3 "Memory Node").
type Node struct {
	Type        string             `json:"type"`
	NodeID      string             `json:"node_id"`
	AgentID     string             `json:"agent_id"`
	Content     string             `json:"content"`
	Tags        []string           `json:"tags"`
	TasteScore  float64            `json:"taste_score"`
	Timestamp   int64              `json:"timestamp"` // unix ms
	VectorClock map[string]uint64  `json:"vector_clock"`
}

const nodeType = "memory-node"

func (n Node) validate() error {
	if n.Type != nodeType {
		return codes.Field(codes.InvalidConfig, "type", "memory node type must be \"memory-node\"")
	}
	if n.NodeID == "" {
		return codes.Field(codes.InvalidConfig, "node_id", "node_id is required")
	}
	if n.AgentID == "" {
		return codes.Field(codes.InvalidConfig, "agent_id", "agent_id is required")
	}
	if n.TasteScore < 0 || n.TasteScore > 1 {
		return codes.Field(codes.InvalidConfig, "taste_score", "taste_score must be in [0,1]")
	}
	return nil
}

// ToProtoTags converts a tag slice to a structpb.ListValue, mirroring
// karasz-securelog/proto_convert.go's ToProto*/FromProto* naming
// convention (DOMAIN STACK touchpoint for google.golang.org/protobuf's
// well-known types, per SPEC_FULL.md §8).
func ToProtoTags(tags []string) (*structpb.ListValue, error) {
	vals := make([]any, len(tags))
	for i, t := range tags {
		vals[i] = t
	}
	return structpb.NewList(vals)
}

// FromProtoTags converts a structpb.ListValue back to a tag slice.
func FromProtoTags(lv *structpb.ListValue) ([]string, error) {
	if lv == nil {
		return nil, nil
	}
	out := make([]string, 0, len(lv.GetValues()))
	for _, v := range lv.GetValues() {
		s, ok := v.AsInterface().(string)
		if !ok {
			return nil, fmt.Errorf("atlas: tag list contains a non-string value")
		}
		out = append(out, s)
	}
	return out, nil
}

// indexEntry binds a node_id to the seq of its latest append.
type indexEntry struct {
	seq  uint64
	node Node
}

// Store is the ATLAS adapter over a single hypercore.Log.
type Store struct {
	log *hypercore.Log

	mu          sync.RWMutex
	byNodeID    map[string]indexEntry
	byAgent     map[string][]string   // agent_id -> node_ids, append order
	byTimeBucket map[int64][]string   // bucket -> node_ids
	tagIndex    map[string][]string   // tag -> node_ids
	totalNodes  int
}

// NewStore wraps log with a fresh (empty) index; call RebuildIndex to
// populate it from existing entries.
func NewStore(log *hypercore.Log) *Store {
	return &Store{
		log:          log,
		byNodeID:     make(map[string]indexEntry),
		byAgent:      make(map[string][]string),
		byTimeBucket: make(map[int64][]string),
		tagIndex:     make(map[string][]string),
	}
}

// StoreNode validates, appends, and indexes a memory node. Latest-seq
// wins for a given node_id in the index (§4.6).
func (s *Store) StoreNode(n Node) (hypercore.Entry, error) {
	if n.Type == "" {
		n.Type = nodeType
	}
	if err := n.validate(); err != nil {
		return hypercore.Entry{}, err
	}
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixMilli()
	}

	e, err := s.log.Append(n)
	if err != nil {
		return hypercore.Entry{}, err
	}

	s.index(e.Seq, n)
	return e, nil
}

func (s *Store) index(seq uint64, n Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.byNodeID[n.NodeID]; !ok || seq > prior.seq {
		s.byNodeID[n.NodeID] = indexEntry{seq: seq, node: n}
	} else {
		return // a later append for this node_id already indexed
	}

	s.totalNodes = len(s.byNodeID)

	if !contains(s.byAgent[n.AgentID], n.NodeID) {
		s.byAgent[n.AgentID] = append(s.byAgent[n.AgentID], n.NodeID)
	}
	bucket := n.Timestamp / 1000 / timeBucketSeconds
	if !contains(s.byTimeBucket[bucket], n.NodeID) {
		s.byTimeBucket[bucket] = append(s.byTimeBucket[bucket], n.NodeID)
	}
	for _, tag := range n.Tags {
		if !contains(s.tagIndex[tag], n.NodeID) {
			s.tagIndex[tag] = append(s.tagIndex[tag], n.NodeID)
		}
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// GetByID returns the latest node for node_id.
func (s *Store) GetByID(nodeID string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byNodeID[nodeID]
	return e.node, ok
}

// TotalNodes returns the number of distinct node_ids indexed.
func (s *Store) TotalNodes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalNodes
}

// QueryOptions narrows a time-range or agent query (§4.6).
type QueryOptions struct {
	Agent string
	Tags  []string
	Limit int
}

// QueryByTimeRange returns nodes with timestamp in [from,to] (unix ms),
// optionally filtered by agent and/or tags, most-recent first, capped at
// Limit (0 = unbounded).
func (s *Store) QueryByTimeRange(from, to int64, opts QueryOptions) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fromBucket := from / 1000 / timeBucketSeconds
	toBucket := to / 1000 / timeBucketSeconds

	seen := make(map[string]bool)
	var out []Node
	for b := fromBucket; b <= toBucket; b++ {
		for _, id := range s.byTimeBucket[b] {
			if seen[id] {
				continue
			}
			seen[id] = true
			e := s.byNodeID[id]
			if e.node.Timestamp < from || e.node.Timestamp > to {
				continue
			}
			if opts.Agent != "" && e.node.AgentID != opts.Agent {
				continue
			}
			if len(opts.Tags) > 0 && !hasAnyTag(e.node.Tags, opts.Tags) {
				continue
			}
			out = append(out, e.node)
		}
	}
	sortByTimestampDesc(out)
	return limitNodes(out, opts.Limit)
}

// QueryByAgent returns every node for agent with timestamp >= since,
// most-recent first, capped at limit (0 = unbounded).
func (s *Store) QueryByAgent(agent string, since int64, limit int) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Node
	for _, id := range s.byAgent[agent] {
		e := s.byNodeID[id]
		if e.node.Timestamp >= since {
			out = append(out, e.node)
		}
	}
	sortByTimestampDesc(out)
	return limitNodes(out, limit)
}

func hasAnyTag(nodeTags, want []string) bool {
	for _, w := range want {
		for _, t := range nodeTags {
			if t == w {
				return true
			}
		}
	}
	return false
}

func sortByTimestampDesc(nodes []Node) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j-1].Timestamp < nodes[j].Timestamp; j-- {
			nodes[j-1], nodes[j] = nodes[j], nodes[j-1]
		}
	}
}

func limitNodes(nodes []Node, limit int) []Node {
	if limit > 0 && len(nodes) > limit {
		return nodes[:limit]
	}
	return nodes
}

// RebuildResult reports a rebuild pass's outcome (§4.6).
type RebuildResult struct {
	ScannedEntries int
	IndexedNodes   int
	SkippedInvalid int
	Duration       time.Duration
}

// RebuildIndex scans the log from scratch, validating each entry against
// the memory-node schema; invalid entries are counted and skipped (§4.6).
func (s *Store) RebuildIndex() (RebuildResult, error) {
	start := time.Now()

	s.mu.Lock()
	s.byNodeID = make(map[string]indexEntry)
	s.byAgent = make(map[string][]string)
	s.byTimeBucket = make(map[int64][]string)
	s.tagIndex = make(map[string][]string)
	s.totalNodes = 0
	s.mu.Unlock()

	n := s.log.Length()
	var result RebuildResult
	for seq := uint64(0); seq < n; seq++ {
		e, err := s.log.Get(seq)
		if err != nil {
			return result, err
		}
		result.ScannedEntries++

		var node Node
		if err := json.Unmarshal(e.Data, &node); err != nil {
			result.SkippedInvalid++
			continue
		}
		if err := node.validate(); err != nil {
			result.SkippedInvalid++
			continue
		}
		s.index(e.Seq, node)
	}
	result.IndexedNodes = s.TotalNodes()
	result.Duration = time.Since(start)
	return result, nil
}
