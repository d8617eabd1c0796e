// Copyright 2025 RidgeFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package placement implements the replica placement and eviction
// policies for RidgeFS blocks. Target selection greedily spreads
// replicas across racks and node groups, relaxing the spread
// constraints one at a time and returning a short result rather than
// failing when qualified nodes run out.
package placement

import (
	"math/rand"

	"github.com/ridgefs/placement/pkg/logger"
	"github.com/ridgefs/placement/pkg/topology"
)

// Policy selects replica targets and eviction victims for one cluster.
// It never mutates the topology or the node descriptors; separate
// invocations may run concurrently.
type Policy struct {
	topo *topology.Topology
	cfg  Config
	rng  *rand.Rand // nil means the process-wide source
}

// Option configures a Policy.
type Option func(*Policy)

// WithRand substitutes a deterministic random source. The default is
// the process-wide locked source; an injected source must not be shared
// by concurrent calls.
func WithRand(rng *rand.Rand) Option {
	return func(p *Policy) { p.rng = rng }
}

// New returns a policy reading cluster state from topo.
func New(topo *topology.Topology, cfg Config, opts ...Option) *Policy {
	p := &Policy{topo: topo, cfg: cfg}
	for _, o := range opts {
		o(p)
	}
	return p
}

// PlaceReplicas returns up to n new targets for a block of the given
// size, ordered as a transfer pipeline starting near the writer. Nodes
// in chosen seed the topology context during re-replication and are
// never returned; excluded nodes are never returned. A short result is
// the normal degraded-capacity signal, not an error: the caller retries
// the remaining replicas later.
func (p *Policy) PlaceReplicas(blockSize uint64, n int, writer *topology.StorageNode, chosen []*topology.StorageNode, excluded topology.NodeSet) []*topology.StorageNode {
	placementRequests.Inc()
	if n <= 0 || p.topo.NumNodes() == 0 {
		return nil
	}

	total := n + len(chosen)
	if clusterSize := p.topo.NumNodes(); total > clusterSize {
		n = clusterSize - len(chosen)
		if n <= 0 {
			return nil
		}
		total = clusterSize
	}
	racks := p.topo.NumRacks()
	if racks == 0 {
		racks = 1
	}
	maxPerRack := (total-1)/racks + 2

	excl := make(topology.NodeSet, len(excluded)+total)
	for _, e := range excluded {
		excl.Add(e)
	}
	results := make([]*topology.StorageNode, 0, total)
	for _, c := range chosen {
		results = append(results, c)
		p.addToExcluded(c, excl)
	}

	p.chooseTargets(blockSize, n, writer, maxPerRack, excl, &results)

	targets := results[len(chosen):]
	placementTargets.Add(float64(len(targets)))
	if len(targets) < n {
		placementShortResults.Inc()
		logger.Warn().
			Int("requested", n).
			Int("placed", len(targets)).
			Msg("Not able to place enough replicas")
	}
	if len(targets) == 0 {
		return targets
	}

	start := writer
	if !p.topo.Contains(start) {
		start = targets[0]
	}
	p.formPipeline(start, targets)
	return targets
}

// chooseTargets runs the staged selection: local node, remote rack,
// local rack of the second replica, then cluster-wide random. A stage
// that fails even after relaxation ends the whole call; whatever was
// placed so far is the result.
func (p *Policy) chooseTargets(blockSize uint64, n int, writer *topology.StorageNode, maxPerRack int, excl topology.NodeSet, results *[]*topology.StorageNode) {
	newBlock := len(*results) == 0
	if writer == nil && !newBlock {
		writer = (*results)[0]
	}

	if len(*results) == 0 {
		if _, err := p.chooseLocalNode(blockSize, writer, maxPerRack, excl, results); err != nil {
			return
		}
		if n--; n == 0 {
			return
		}
	}
	if len(*results) <= 1 {
		if _, err := p.chooseRemoteRack(blockSize, (*results)[0], maxPerRack, excl, results); err != nil {
			return
		}
		if n--; n == 0 {
			return
		}
	}
	if len(*results) <= 2 {
		r0, r1 := (*results)[0], (*results)[1]
		var err error
		switch {
		case p.topo.IsOnSameRack(r0, r1):
			_, err = p.chooseRemoteRack(blockSize, r0, maxPerRack, excl, results)
		case newBlock:
			_, err = p.chooseLocalRack(blockSize, r1, maxPerRack, excl, results)
		default:
			_, err = p.chooseLocalRack(blockSize, writer, maxPerRack, excl, results)
		}
		if err != nil {
			return
		}
		if n--; n == 0 {
			return
		}
	}
	p.chooseRandomNodes(blockSize, n, topology.Root, maxPerRack, excl, results)
}

// chooseLocalNode prefers the writer itself, then its node group, then
// its rack, then anywhere in the cluster.
func (p *Policy) chooseLocalNode(blockSize uint64, writer *topology.StorageNode, maxPerRack int, excl topology.NodeSet, results *[]*topology.StorageNode) (*topology.StorageNode, error) {
	if writer == nil || !p.topo.Contains(writer) {
		return p.chooseRandomNode(blockSize, topology.Root, "", maxPerRack, excl, results)
	}
	if !excl.Contains(writer) {
		if p.isGoodTarget(writer, blockSize, maxPerRack, *results) {
			*results = append(*results, writer)
			p.addToExcluded(writer, excl)
			return writer, nil
		}
		excl.Add(writer)
	}
	if p.topo.IsNodeGroupAware() {
		if node, err := p.chooseRandomNode(blockSize, p.topo.NodeGroup(writer), "", maxPerRack, excl, results); err == nil {
			return node, nil
		}
		placementRelaxations.WithLabelValues("node_group").Inc()
	}
	if node, err := p.chooseRandomNode(blockSize, p.topo.Rack(writer), "", maxPerRack, excl, results); err == nil {
		return node, nil
	}
	placementRelaxations.WithLabelValues("rack").Inc()
	return p.chooseRandomNode(blockSize, topology.Root, "", maxPerRack, excl, results)
}

// chooseRemoteRack draws from outside ref's rack, settling for the rack
// itself when the rest of the cluster has no qualified node.
func (p *Policy) chooseRemoteRack(blockSize uint64, ref *topology.StorageNode, maxPerRack int, excl topology.NodeSet, results *[]*topology.StorageNode) (*topology.StorageNode, error) {
	rack := p.topo.Rack(ref)
	if node, err := p.chooseRandomNode(blockSize, topology.Root, rack, maxPerRack, excl, results); err == nil {
		return node, nil
	}
	placementRelaxations.WithLabelValues("remote_rack").Inc()
	return p.chooseRandomNode(blockSize, rack, "", maxPerRack, excl, results)
}

// chooseLocalRack draws from ref's rack. Node-group distinctness is
// already enforced through the exclusion set, so in node-group-aware
// mode this lands on a different group of the same rack. Falls back to
// the rack of another already placed replica, then to the whole
// cluster.
func (p *Policy) chooseLocalRack(blockSize uint64, ref *topology.StorageNode, maxPerRack int, excl topology.NodeSet, results *[]*topology.StorageNode) (*topology.StorageNode, error) {
	if ref == nil || !p.topo.Contains(ref) {
		return p.chooseRandomNode(blockSize, topology.Root, "", maxPerRack, excl, results)
	}
	if node, err := p.chooseRandomNode(blockSize, p.topo.Rack(ref), "", maxPerRack, excl, results); err == nil {
		return node, nil
	}
	for _, hint := range *results {
		if hint == ref {
			continue
		}
		if node, err := p.chooseRandomNode(blockSize, p.topo.Rack(hint), "", maxPerRack, excl, results); err == nil {
			return node, nil
		}
	}
	placementRelaxations.WithLabelValues("rack").Inc()
	return p.chooseRandomNode(blockSize, topology.Root, "", maxPerRack, excl, results)
}

// chooseRandomNodes places up to n nodes from scope, stopping early
// when the scope is exhausted.
func (p *Policy) chooseRandomNodes(blockSize uint64, n int, scope string, maxPerRack int, excl topology.NodeSet, results *[]*topology.StorageNode) {
	for n > 0 {
		if _, err := p.chooseRandomNode(blockSize, scope, "", maxPerRack, excl, results); err != nil {
			return
		}
		n--
	}
}

// chooseRandomNode keeps drawing from scope until a draw qualifies or
// the scope is exhausted. Unqualified draws join the exclusion set so
// they are not drawn again.
func (p *Policy) chooseRandomNode(blockSize uint64, scope, excludedScope string, maxPerRack int, excl topology.NodeSet, results *[]*topology.StorageNode) (*topology.StorageNode, error) {
	for {
		node, err := p.topo.ChooseRandom(scope, excludedScope, excl, p.rng)
		if err != nil {
			return nil, err
		}
		if p.isGoodTarget(node, blockSize, maxPerRack, *results) {
			*results = append(*results, node)
			p.addToExcluded(node, excl)
			return node, nil
		}
		excl.Add(node)
	}
}

// isGoodTarget applies the qualification predicate: enough free space,
// load below the configured ceiling, and room left under the per-rack
// replica cap.
func (p *Policy) isGoodTarget(node *topology.StorageNode, blockSize uint64, maxPerRack int, results []*topology.StorageNode) bool {
	if node.Remaining() < blockSize*p.cfg.MinFreeBlockMultiple {
		rejectedCandidates.WithLabelValues("space").Inc()
		logger.Debug().Stringer("node", node).Msg("Node not chosen: not enough free space")
		return false
	}
	if p.cfg.ConsiderLoad {
		if clusterSize := p.topo.NumNodes(); clusterSize > 0 {
			avgLoad := float64(p.topo.TotalLoad()) / float64(clusterSize)
			if float64(node.ActiveTransfers()) > p.cfg.MaxLoadFactor*avgLoad {
				rejectedCandidates.WithLabelValues("load").Inc()
				logger.Debug().Stringer("node", node).Msg("Node not chosen: too many active transfers")
				return false
			}
		}
	}
	rack := p.topo.Rack(node)
	onRack := 0
	for _, r := range results {
		if p.topo.Rack(r) == rack {
			onRack++
		}
	}
	if onRack >= maxPerRack {
		rejectedCandidates.WithLabelValues("rack_limit").Inc()
		logger.Debug().Stringer("node", node).Msg("Node not chosen: rack already full for this block")
		return false
	}
	return true
}

// addToExcluded marks a placed node, and in node-group-aware mode its
// whole node group, unavailable for the rest of the call. Excluding the
// group peers is what keeps any two targets off a shared node group.
func (p *Policy) addToExcluded(node *topology.StorageNode, excl topology.NodeSet) {
	excl.Add(node)
	if p.topo.IsNodeGroupAware() {
		for _, peer := range p.topo.Leaves(p.topo.NodeGroup(node)) {
			excl.Add(peer)
		}
	}
}

// formPipeline orders targets greedily by network distance, starting
// from the node closest to start.
func (p *Policy) formPipeline(start *topology.StorageNode, targets []*topology.StorageNode) {
	if len(targets) <= 1 {
		return
	}
	cur := start
	for i := range targets {
		best := i
		bestDist := p.topo.Distance(cur, targets[i])
		for j := i + 1; j < len(targets); j++ {
			if d := p.topo.Distance(cur, targets[j]); d < bestDist {
				best, bestDist = j, d
			}
		}
		targets[i], targets[best] = targets[best], targets[i]
		cur = targets[i]
	}
}
