// Copyright 2025 RidgeFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package topology models the cluster as a fixed-depth tree of storage
// nodes grouped by datacenter, rack and optionally node group. It
// answers co-location and distance queries and supports random node
// selection scoped to or excluded from a subtree.
package topology

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/ridgefs/placement/pkg/logger"
)

// Root is the scope covering the whole cluster.
const Root = "/"

// rackDepth is the tree level of rack nodes; the root is level 0 and
// datacenters are level 1.
const rackDepth = 2

var (
	// ErrInvalidTopology reports a network location whose shape does not
	// match the configured hierarchy depth.
	ErrInvalidTopology = errors.New("topology: invalid network location")

	// ErrNoAvailableNode reports that a scoped random draw found no
	// candidate left after exclusions.
	ErrNoAvailableNode = errors.New("topology: no available node")
)

// Topology is the cluster tree. In basic mode leaves sit under
// /datacenter/rack; in node-group-aware mode under
// /datacenter/rack/nodegroup. Structural mutation is guarded by an
// internal lock; a multi-step read sequence that must observe one
// consistent snapshot (a single placement or eviction invocation) is
// serialized against mutation by the owning metadata service.
type Topology struct {
	mu             sync.RWMutex
	root           *innerNode
	nodes          map[string]*StorageNode
	numRacks       int
	nodeGroupAware bool
	depth          int // location components expected per leaf
}

// New returns an empty topology. With nodeGroupAware set, locations
// must name a node group below the rack and the placement policy gains
// the node-group spread constraints.
func New(nodeGroupAware bool) *Topology {
	depth := rackDepth
	if nodeGroupAware {
		depth = rackDepth + 1
	}
	return &Topology{
		root:           &innerNode{},
		nodes:          make(map[string]*StorageNode),
		nodeGroupAware: nodeGroupAware,
		depth:          depth,
	}
}

// IsNodeGroupAware reports whether this topology enforces the four
// level hierarchy. The placement policy branches its spread strategy on
// this flag.
func (t *Topology) IsNodeGroupAware() bool { return t.nodeGroupAware }

func (t *Topology) splitLocation(location string) ([]string, error) {
	if !strings.HasPrefix(location, "/") {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidTopology, location)
	}
	parts := strings.Split(location[1:], "/")
	if len(parts) != t.depth {
		return nil, fmt.Errorf("%w: %q has depth %d, want %d", ErrInvalidTopology, location, len(parts), t.depth)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q has an empty component", ErrInvalidTopology, location)
		}
	}
	return parts, nil
}

// Add inserts a storage node at the position implied by its location,
// creating intermediate rack and node-group entries as needed.
func (t *Topology) Add(n *StorageNode) error {
	parts, err := t.splitLocation(n.location)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[n.id]; ok {
		return fmt.Errorf("topology: node %s already present", n.id)
	}

	cur := t.root
	path := ""
	for i, name := range parts {
		path += "/" + name
		child := cur.child(name)
		if child == nil {
			inner := &innerNode{name: name, path: path, parent: cur, level: i + 1}
			cur.children = append(cur.children, inner)
			if inner.level == rackDepth {
				t.numRacks++
			}
			child = inner
		}
		next, ok := child.(*innerNode)
		if !ok {
			return fmt.Errorf("%w: %q collides with a storage node", ErrInvalidTopology, path)
		}
		cur = next
	}

	cur.children = append(cur.children, n)
	n.parent = cur
	for p := cur; p != nil; p = p.parent {
		p.leaves++
	}
	t.nodes[n.id] = n

	logger.Debug().Str("node", n.id).Str("location", n.location).Msg("Added node to topology")
	return nil
}

// Remove deletes a storage node and prunes ancestors left empty. It is
// a no-op for nodes the topology does not hold.
func (t *Topology) Remove(n *StorageNode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if got, ok := t.nodes[n.id]; !ok || got != n {
		return
	}
	delete(t.nodes, n.id)

	parent := n.parent
	n.parent = nil
	parent.removeChild(n.id)
	for p := parent; p != nil; p = p.parent {
		p.leaves--
	}
	for p := parent; p.parent != nil && len(p.children) == 0; {
		up := p.parent
		up.removeChild(p.name)
		if p.level == rackDepth {
			t.numRacks--
		}
		p = up
	}

	logger.Debug().Str("node", n.id).Str("location", n.location).Msg("Removed node from topology")
}

// Contains reports whether the descriptor is a current member of this
// topology.
func (t *Topology) Contains(n *StorageNode) bool {
	if n == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	got, ok := t.nodes[n.id]
	return ok && got == n
}

// GetNode returns the member with the given host:port ID, or nil.
func (t *Topology) GetNode(id string) *StorageNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[id]
}

// NumNodes is the number of storage nodes in the cluster.
func (t *Topology) NumNodes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.leaves
}

// NumRacks is the number of racks currently holding at least one node.
func (t *Topology) NumRacks() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.numRacks
}

// Rack returns the rack-level scope of a node's location. It only
// inspects the location string, so it also works for nodes outside the
// cluster.
func (t *Topology) Rack(n *StorageNode) string {
	if !t.nodeGroupAware {
		return n.location
	}
	i := strings.LastIndex(n.location, "/")
	if i <= 0 {
		return n.location
	}
	return n.location[:i]
}

// NodeGroup returns the node-group scope of a node. Only meaningful
// when the topology is node-group aware.
func (t *Topology) NodeGroup(n *StorageNode) string {
	return n.location
}

// IsOnSameRack reports whether two nodes share a rack.
func (t *Topology) IsOnSameRack(a, b *StorageNode) bool {
	if a == nil || b == nil {
		return false
	}
	return t.Rack(a) == t.Rack(b)
}

// IsOnSameNodeGroup reports whether two nodes share a node group. A
// basic topology has no node groups, so it is always false there;
// callers branch on IsNodeGroupAware first.
func (t *Topology) IsOnSameNodeGroup(a, b *StorageNode) bool {
	if !t.nodeGroupAware || a == nil || b == nil {
		return false
	}
	return a.location == b.location
}

// Distance counts the tree edges between two nodes through their lowest
// common ancestor: 0 for the same node, 2 for siblings under one rack
// or node group, growing as the paths diverge. It is computed from the
// location strings, so nodes outside the cluster still get a cost.
func (t *Topology) Distance(a, b *StorageNode) int {
	if a == nil || b == nil {
		return 0
	}
	if a == b || a.id == b.id {
		return 0
	}
	pa := strings.Split(strings.TrimPrefix(a.location, "/"), "/")
	pb := strings.Split(strings.TrimPrefix(b.location, "/"), "/")
	shared := 0
	for shared < len(pa) && shared < len(pb) && pa[shared] == pb[shared] {
		shared++
	}
	// One extra edge on each side for the leaf itself.
	return (len(pa) - shared + 1) + (len(pb) - shared + 1)
}

// TotalLoad is the sum of active transfer counts across the cluster.
func (t *Topology) TotalLoad() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for _, n := range t.nodes {
		total += n.ActiveTransfers()
	}
	return total
}

// Leaves returns the storage nodes under scope, in insertion order.
// Root ("/") covers the whole cluster.
func (t *Topology) Leaves(scope string) []*StorageNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub := t.subtree(scope)
	if sub == nil {
		return nil
	}
	var out []*StorageNode
	collectLeaves(sub, &out)
	return out
}

// ChooseRandom draws a uniformly random storage node under scope,
// skipping nodes under excludedScope and members of excluded. A nil rng
// falls back to the process-wide source.
func (t *Topology) ChooseRandom(scope, excludedScope string, excluded NodeSet, rng *rand.Rand) (*StorageNode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sub := t.subtree(scope)
	if sub == nil {
		return nil, fmt.Errorf("%w under %s", ErrNoAvailableNode, scope)
	}

	var leaves []*StorageNode
	collectLeaves(sub, &leaves)

	candidates := leaves[:0]
	for _, n := range leaves {
		if excludedScope != "" && underScope(n, excludedScope) {
			continue
		}
		if excluded.Contains(n) {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoAvailableNode, scope)
	}
	if rng != nil {
		return candidates[rng.Intn(len(candidates))], nil
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// SortByDistance orders nodes by increasing distance from a reader
// location, shuffling first so equally distant nodes rotate between
// calls. The reader does not have to be a cluster member.
func (t *Topology) SortByDistance(readerLocation string, nodes []*StorageNode, rng *rand.Rand) {
	swap := func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] }
	if rng != nil {
		rng.Shuffle(len(nodes), swap)
	} else {
		rand.Shuffle(len(nodes), swap)
	}
	reader := &StorageNode{location: readerLocation}
	sort.SliceStable(nodes, func(i, j int) bool {
		return t.Distance(reader, nodes[i]) < t.Distance(reader, nodes[j])
	})
}

func (t *Topology) subtree(scope string) treeNode {
	if scope == "" || scope == Root {
		return t.root
	}
	cur := t.root
	for _, name := range strings.Split(strings.TrimPrefix(scope, "/"), "/") {
		child := cur.child(name)
		if child == nil {
			return nil
		}
		inner, ok := child.(*innerNode)
		if !ok {
			return child
		}
		cur = inner
	}
	return cur
}

func collectLeaves(n treeNode, out *[]*StorageNode) {
	switch v := n.(type) {
	case *StorageNode:
		*out = append(*out, v)
	case *innerNode:
		for _, c := range v.children {
			collectLeaves(c, out)
		}
	}
}

func underScope(n *StorageNode, scope string) bool {
	if scope == Root {
		return true
	}
	return n.location == scope || strings.HasPrefix(n.location, scope+"/")
}
