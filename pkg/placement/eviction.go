// Copyright 2025 RidgeFS Authors
// SPDX-License-Identifier: Apache-2.0

package placement

import (
	"github.com/ridgefs/placement/pkg/logger"
	"github.com/ridgefs/placement/pkg/topology"
)

// Partition groups a block's replicas by rack redundancy. Reducible
// holds replicas whose rack still hosts another copy of the block;
// Minimal holds replicas that are the only copy on their rack. Every
// replica belongs to exactly one of the two sets.
type Partition struct {
	Reducible []*topology.StorageNode
	Minimal   []*topology.StorageNode

	// byRack is retained so the partition can be updated incrementally
	// after a removal.
	byRack map[string][]*topology.StorageNode
}

// PartitionByRack splits the replicas of an over-replicated block into
// the reducible and minimal sets by counting copies per rack. It is
// recomputed from scratch on every call.
func (p *Policy) PartitionByRack(replicas []*topology.StorageNode) *Partition {
	part := &Partition{byRack: make(map[string][]*topology.StorageNode)}
	for _, n := range replicas {
		rack := p.topo.Rack(n)
		part.byRack[rack] = append(part.byRack[rack], n)
	}
	for _, n := range replicas {
		if len(part.byRack[p.topo.Rack(n)]) > 1 {
			part.Reducible = append(part.Reducible, n)
		} else {
			part.Minimal = append(part.Minimal, n)
		}
	}
	return part
}

// SelectEvictionCandidate picks the replica to delete for an
// over-replicated block. Reducible replicas go first so no rack loses
// its last copy; in node-group-aware mode, replicas sharing a node
// group with another reducible replica are drained before touching a
// group-unique one. Within the final candidate pool the node with the
// least remaining space loses.
func (p *Policy) SelectEvictionCandidate(replicationFactor int, part *Partition) *topology.StorageNode {
	candidates := part.Reducible
	set := "reducible"
	if len(candidates) == 0 {
		candidates = part.Minimal
		set = "minimal"
	} else if p.topo.IsNodeGroupAware() {
		if grouped := p.nodeGroupRedundant(candidates); len(grouped) > 0 {
			candidates = grouped
		}
	}

	victim := minRemaining(candidates)
	if victim != nil {
		evictionVictims.WithLabelValues(set).Inc()
		logger.Debug().
			Stringer("node", victim).
			Int("replication_factor", replicationFactor).
			Str("set", set).
			Msg("Chose replica to delete")
	}
	return victim
}

// nodeGroupRedundant returns the members of set whose node group holds
// more than one member of set.
func (p *Policy) nodeGroupRedundant(set []*topology.StorageNode) []*topology.StorageNode {
	count := make(map[string]int, len(set))
	for _, n := range set {
		count[p.topo.NodeGroup(n)]++
	}
	var out []*topology.StorageNode
	for _, n := range set {
		if count[p.topo.NodeGroup(n)] > 1 {
			out = append(out, n)
		}
	}
	return out
}

func minRemaining(nodes []*topology.StorageNode) *topology.StorageNode {
	var victim *topology.StorageNode
	for _, n := range nodes {
		if victim == nil || n.Remaining() < victim.Remaining() {
			victim = n
		}
	}
	return victim
}

// UpdatePartitionAfterRemoval removes victim from the partition in
// place after it has been deleted. When the victim's rack drops to a
// single remaining copy, that copy migrates from the reducible to the
// minimal set, so iterating removals always matches re-running
// PartitionByRack on the reduced replica list.
func (p *Policy) UpdatePartitionAfterRemoval(part *Partition, victim *topology.StorageNode) {
	rack := p.topo.Rack(victim)
	peers := removeNode(part.byRack[rack], victim)
	if len(peers) == 0 {
		delete(part.byRack, rack)
	} else {
		part.byRack[rack] = peers
	}

	if inSet(part.Reducible, victim) {
		part.Reducible = removeNode(part.Reducible, victim)
		if len(peers) == 1 {
			part.Reducible = removeNode(part.Reducible, peers[0])
			part.Minimal = append(part.Minimal, peers[0])
		}
	} else {
		part.Minimal = removeNode(part.Minimal, victim)
	}
}

func removeNode(nodes []*topology.StorageNode, target *topology.StorageNode) []*topology.StorageNode {
	for i, n := range nodes {
		if n == target {
			return append(nodes[:i:i], nodes[i+1:]...)
		}
	}
	return nodes
}

func inSet(nodes []*topology.StorageNode, target *topology.StorageNode) bool {
	for _, n := range nodes {
		if n == target {
			return true
		}
	}
	return false
}
