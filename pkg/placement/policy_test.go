// Copyright 2025 RidgeFS Authors
// SPDX-License-Identifier: Apache-2.0

package placement

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/ridgefs/placement/pkg/topology"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBlockSize uint64 = 1024
	minFree              = DefaultMinFreeBlockMultiple * testBlockSize
)

// newCluster builds the 8-node, 3-rack, 6-node-group fixture used
// throughout: /d1/r1 holds two groups (n1 with two nodes, n2 with one),
// /d1/r2 holds n3 with two nodes and n4 with one, /d2/r3 holds n5 and
// n6 with one node each.
func newCluster(t *testing.T) (*topology.Topology, []*topology.StorageNode) {
	t.Helper()

	topo := topology.New(true)
	locations := []struct{ id, loc string }{
		{"10.0.0.1:7000", "/d1/r1/n1"},
		{"10.0.0.2:7000", "/d1/r1/n1"},
		{"10.0.0.3:7000", "/d1/r1/n2"},
		{"10.0.0.4:7000", "/d1/r2/n3"},
		{"10.0.0.5:7000", "/d1/r2/n3"},
		{"10.0.0.6:7000", "/d1/r2/n4"},
		{"10.0.0.7:7000", "/d2/r3/n5"},
		{"10.0.0.8:7000", "/d2/r3/n6"},
	}
	nodes := make([]*topology.StorageNode, len(locations))
	for i, l := range locations {
		nodes[i] = topology.NewStorageNode(l.id, l.loc)
		require.NoError(t, topo.Add(nodes[i]))
		nodes[i].UpdateUsage(2*minFree, 0, 2*minFree, 0)
	}
	return topo, nodes
}

func newPolicy(topo *topology.Topology) *Policy {
	return New(topo, DefaultConfig(), WithRand(rand.New(rand.NewSource(1))))
}

func verifyNoSharedNodeGroups(t *testing.T, topo *topology.Topology, targets []*topology.StorageNode) {
	t.Helper()
	groups := make(map[string]struct{}, len(targets))
	for _, tgt := range targets {
		groups[topo.NodeGroup(tgt)] = struct{}{}
	}
	assert.Len(t, groups, len(targets), "two targets share a node group")
}

func verifyDisjoint(t *testing.T, targets []*topology.StorageNode, forbidden ...*topology.StorageNode) {
	t.Helper()
	seen := make(map[string]struct{}, len(targets))
	for _, tgt := range targets {
		_, dup := seen[tgt.ID()]
		assert.False(t, dup, "duplicate target %s", tgt)
		seen[tgt.ID()] = struct{}{}
	}
	for _, f := range forbidden {
		_, ok := seen[f.ID()]
		assert.False(t, ok, "forbidden node %s returned", f)
	}
}

// The writer is a healthy cluster member: it becomes replica 0, replica
// 1 goes to another rack, replica 2 shares replica 1's rack but not its
// node group, and a fourth replica never doubles up a node group.
func TestPlaceReplicasWriterPreferred(t *testing.T) {
	topo, nodes := newCluster(t)
	policy := newPolicy(topo)
	writer := nodes[0]

	targets := policy.PlaceReplicas(testBlockSize, 0, writer, nil, nil)
	assert.Empty(t, targets)

	targets = policy.PlaceReplicas(testBlockSize, 1, writer, nil, nil)
	require.Len(t, targets, 1)
	assert.Equal(t, writer, targets[0])

	targets = policy.PlaceReplicas(testBlockSize, 2, writer, nil, nil)
	require.Len(t, targets, 2)
	assert.Equal(t, writer, targets[0])
	assert.False(t, topo.IsOnSameRack(targets[0], targets[1]))

	targets = policy.PlaceReplicas(testBlockSize, 3, writer, nil, nil)
	require.Len(t, targets, 3)
	assert.Equal(t, writer, targets[0])
	assert.False(t, topo.IsOnSameRack(targets[0], targets[1]))
	assert.True(t, topo.IsOnSameRack(targets[1], targets[2]))
	assert.False(t, topo.IsOnSameNodeGroup(targets[1], targets[2]))

	targets = policy.PlaceReplicas(testBlockSize, 4, writer, nil, nil)
	require.Len(t, targets, 4)
	assert.Equal(t, writer, targets[0])
	assert.True(t, topo.IsOnSameRack(targets[1], targets[2]) ||
		topo.IsOnSameRack(targets[2], targets[3]))
	assert.False(t, topo.IsOnSameRack(targets[0], targets[2]))
	verifyNoSharedNodeGroups(t, topo, targets)
	verifyDisjoint(t, targets)
}

// The overloaded writer is skipped and a node-group peer takes its
// place as replica 0; four replicas still span all three racks with no
// node group reused.
func TestPlaceReplicasOverloadedWriter(t *testing.T) {
	topo, nodes := newCluster(t)
	policy := newPolicy(topo)
	writer := nodes[0]
	writer.UpdateUsage(2*minFree, 0, 2*minFree, 4)

	targets := policy.PlaceReplicas(testBlockSize, 4, writer, nil, nil)
	require.Len(t, targets, 4)
	verifyDisjoint(t, targets, writer)
	verifyNoSharedNodeGroups(t, topo, targets)
	assert.Equal(t, nodes[1], targets[0])
	assert.True(t, topo.IsOnSameRack(targets[1], targets[2]) ||
		topo.IsOnSameRack(targets[2], targets[3]))
	assert.False(t, topo.IsOnSameRack(targets[0], targets[2]))
}

// An explicitly excluded node is never chosen even when it is the
// writer's closest peer.
func TestPlaceReplicasExcludedNodes(t *testing.T) {
	topo, nodes := newCluster(t)
	policy := newPolicy(topo)
	writer := nodes[0]
	excluded := topology.NewNodeSet(nodes[1])

	targets := policy.PlaceReplicas(testBlockSize, 4, writer, nil, excluded)
	require.Len(t, targets, 4)
	assert.Equal(t, writer, targets[0])
	verifyDisjoint(t, targets, nodes[1])
	verifyNoSharedNodeGroups(t, topo, targets)
	assert.True(t, topo.IsOnSameRack(targets[1], targets[2]) ||
		topo.IsOnSameRack(targets[2], targets[3]))
	assert.False(t, topo.IsOnSameRack(targets[1], targets[3]))
}

// A writer without enough free space yields replica 0 to its node-group
// peer.
func TestPlaceReplicasUnqualifiedWriter(t *testing.T) {
	topo, nodes := newCluster(t)
	policy := newPolicy(topo)
	writer := nodes[0]
	writer.UpdateUsage(2*minFree, minFree+testBlockSize, minFree-testBlockSize, 0)

	targets := policy.PlaceReplicas(testBlockSize, 1, writer, nil, nil)
	require.Len(t, targets, 1)
	assert.Equal(t, nodes[1], targets[0])

	targets = policy.PlaceReplicas(testBlockSize, 2, writer, nil, nil)
	require.Len(t, targets, 2)
	assert.Equal(t, nodes[1], targets[0])
	assert.False(t, topo.IsOnSameRack(targets[0], targets[1]))

	targets = policy.PlaceReplicas(testBlockSize, 3, writer, nil, nil)
	require.Len(t, targets, 3)
	assert.Equal(t, nodes[1], targets[0])
	assert.False(t, topo.IsOnSameRack(targets[0], targets[1]))
	assert.True(t, topo.IsOnSameRack(targets[1], targets[2]))

	targets = policy.PlaceReplicas(testBlockSize, 4, writer, nil, nil)
	require.Len(t, targets, 4)
	assert.Equal(t, nodes[1], targets[0])
	verifyNoSharedNodeGroups(t, topo, targets)
	assert.True(t, topo.IsOnSameRack(targets[1], targets[2]) ||
		topo.IsOnSameRack(targets[2], targets[3]))
}

// When the writer's whole rack is out of space the selection relaxes
// away from it: every target lands on the other two racks.
func TestPlaceReplicasWriterRackUnqualified(t *testing.T) {
	topo, nodes := newCluster(t)
	policy := newPolicy(topo)
	writer := nodes[0]
	for i := 0; i < 3; i++ {
		nodes[i].UpdateUsage(2*minFree, minFree+testBlockSize, minFree-testBlockSize, 0)
	}

	targets := policy.PlaceReplicas(testBlockSize, 1, writer, nil, nil)
	require.Len(t, targets, 1)
	assert.False(t, topo.IsOnSameRack(targets[0], writer))

	targets = policy.PlaceReplicas(testBlockSize, 2, writer, nil, nil)
	require.Len(t, targets, 2)
	assert.False(t, topo.IsOnSameRack(targets[0], writer))
	assert.False(t, topo.IsOnSameRack(targets[0], targets[1]))

	targets = policy.PlaceReplicas(testBlockSize, 3, writer, nil, nil)
	require.Len(t, targets, 3)
	for _, tgt := range targets {
		assert.False(t, topo.IsOnSameRack(tgt, writer))
	}
	verifyNoSharedNodeGroups(t, topo, targets)
	assert.True(t, topo.IsOnSameRack(targets[0], targets[1]) ||
		topo.IsOnSameRack(targets[1], targets[2]))
	assert.False(t, topo.IsOnSameRack(targets[0], targets[2]))
}

// A writer outside the cluster gets a random replica 0; the rack and
// node-group spread still holds for the rest.
func TestPlaceReplicasOutsideWriter(t *testing.T) {
	topo, _ := newCluster(t)
	policy := newPolicy(topo)
	writer := topology.NewStorageNode("10.9.9.9:7000", "/d2/r4/n7")

	targets := policy.PlaceReplicas(testBlockSize, 0, writer, nil, nil)
	assert.Empty(t, targets)

	targets = policy.PlaceReplicas(testBlockSize, 1, writer, nil, nil)
	require.Len(t, targets, 1)

	targets = policy.PlaceReplicas(testBlockSize, 2, writer, nil, nil)
	require.Len(t, targets, 2)
	assert.False(t, topo.IsOnSameRack(targets[0], targets[1]))

	targets = policy.PlaceReplicas(testBlockSize, 3, writer, nil, nil)
	require.Len(t, targets, 3)
	assert.False(t, topo.IsOnSameRack(targets[0], targets[1]))
	assert.True(t, topo.IsOnSameRack(targets[1], targets[2]))
	verifyNoSharedNodeGroups(t, topo, targets)
}

// Re-replication with one surviving replica: the next replica goes off
// rack, then back onto the writer's rack in a different node group.
func TestRereplicateOneChosen(t *testing.T) {
	topo, nodes := newCluster(t)
	policy := newPolicy(topo)
	writer := nodes[0]
	chosen := []*topology.StorageNode{nodes[0]}

	targets := policy.PlaceReplicas(testBlockSize, 0, writer, chosen, nil)
	assert.Empty(t, targets)

	targets = policy.PlaceReplicas(testBlockSize, 1, writer, chosen, nil)
	require.Len(t, targets, 1)
	assert.False(t, topo.IsOnSameRack(nodes[0], targets[0]))

	targets = policy.PlaceReplicas(testBlockSize, 2, writer, chosen, nil)
	require.Len(t, targets, 2)
	assert.True(t, topo.IsOnSameRack(nodes[0], targets[0]))
	assert.False(t, topo.IsOnSameRack(targets[0], targets[1]))
	verifyDisjoint(t, targets, nodes[0])

	targets = policy.PlaceReplicas(testBlockSize, 3, writer, chosen, nil)
	require.Len(t, targets, 3)
	assert.True(t, topo.IsOnSameRack(nodes[0], targets[0]))
	assert.False(t, topo.IsOnSameNodeGroup(nodes[0], targets[0]))
	assert.False(t, topo.IsOnSameRack(targets[0], targets[2]))
	verifyDisjoint(t, targets, nodes[0])
}

// Re-replication with two same-rack survivors: the next replica must
// leave that rack.
func TestRereplicateSameRackChosen(t *testing.T) {
	topo, nodes := newCluster(t)
	policy := newPolicy(topo)
	writer := nodes[0]
	chosen := []*topology.StorageNode{nodes[0], nodes[1]}

	targets := policy.PlaceReplicas(testBlockSize, 1, writer, chosen, nil)
	require.Len(t, targets, 1)
	assert.False(t, topo.IsOnSameRack(nodes[0], targets[0]))

	targets = policy.PlaceReplicas(testBlockSize, 2, writer, chosen, nil)
	require.Len(t, targets, 2)
	assert.False(t, topo.IsOnSameRack(nodes[0], targets[0]) &&
		topo.IsOnSameRack(nodes[0], targets[1]))
	verifyDisjoint(t, targets, nodes[0], nodes[1])
}

// Re-replication with survivors on two racks: the next replica fills in
// on the writer's own rack, away from the survivors' node groups.
func TestRereplicateAcrossRacks(t *testing.T) {
	topo, nodes := newCluster(t)
	policy := newPolicy(topo)
	chosen := []*topology.StorageNode{nodes[0], nodes[3]}

	targets := policy.PlaceReplicas(testBlockSize, 1, nodes[0], chosen, nil)
	require.Len(t, targets, 1)
	assert.True(t, topo.IsOnSameRack(nodes[0], targets[0]))
	assert.False(t, topo.IsOnSameRack(nodes[3], targets[0]))

	targets = policy.PlaceReplicas(testBlockSize, 1, nodes[3], chosen, nil)
	require.Len(t, targets, 1)
	assert.True(t, topo.IsOnSameRack(nodes[3], targets[0]))
	assert.False(t, topo.IsOnSameNodeGroup(nodes[3], targets[0]))
	assert.False(t, topo.IsOnSameRack(nodes[0], targets[0]))

	targets = policy.PlaceReplicas(testBlockSize, 2, nodes[0], chosen, nil)
	require.Len(t, targets, 2)
	assert.True(t, topo.IsOnSameRack(nodes[0], targets[0]))
	assert.False(t, topo.IsOnSameNodeGroup(nodes[0], targets[0]))

	targets = policy.PlaceReplicas(testBlockSize, 2, nodes[3], chosen, nil)
	require.Len(t, targets, 2)
	assert.True(t, topo.IsOnSameRack(nodes[3], targets[0]))
}

// A cluster with nothing qualified returns an empty result, not an
// error: under-replication is retried later by the caller.
func TestPlaceReplicasNothingQualified(t *testing.T) {
	topo, nodes := newCluster(t)
	policy := newPolicy(topo)
	for _, n := range nodes {
		n.SetRemaining(minFree - testBlockSize)
	}

	targets := policy.PlaceReplicas(testBlockSize, 3, nodes[0], nil, nil)
	assert.Empty(t, targets)
}

func TestPlaceReplicasEmptyTopology(t *testing.T) {
	topo := topology.New(true)
	policy := newPolicy(topo)

	targets := policy.PlaceReplicas(testBlockSize, 3, nil, nil, nil)
	assert.Empty(t, targets)
}

// Requests beyond the cluster size are clamped; node-group exclusion
// caps the result at one target per group.
func TestPlaceReplicasClamped(t *testing.T) {
	topo, _ := newCluster(t)
	policy := newPolicy(topo)

	targets := policy.PlaceReplicas(testBlockSize, 20, nil, nil, nil)
	assert.LessOrEqual(t, len(targets), 8)
	verifyDisjoint(t, targets)
	verifyNoSharedNodeGroups(t, topo, targets)
}

// In basic mode there is no node-group constraint: replica 2 simply
// shares replica 1's rack.
func TestPlaceReplicasBasicMode(t *testing.T) {
	topo := topology.New(false)
	locations := []struct{ id, loc string }{
		{"10.1.0.1:7000", "/d1/r1"},
		{"10.1.0.2:7000", "/d1/r1"},
		{"10.1.0.3:7000", "/d1/r2"},
		{"10.1.0.4:7000", "/d1/r2"},
		{"10.1.0.5:7000", "/d2/r3"},
		{"10.1.0.6:7000", "/d2/r3"},
	}
	nodes := make([]*topology.StorageNode, len(locations))
	for i, l := range locations {
		nodes[i] = topology.NewStorageNode(l.id, l.loc)
		require.NoError(t, topo.Add(nodes[i]))
		nodes[i].UpdateUsage(2*minFree, 0, 2*minFree, 0)
	}
	policy := newPolicy(topo)

	targets := policy.PlaceReplicas(testBlockSize, 3, nodes[0], nil, nil)
	require.Len(t, targets, 3)
	assert.Equal(t, nodes[0], targets[0])
	assert.False(t, topo.IsOnSameRack(targets[0], targets[1]))
	assert.True(t, topo.IsOnSameRack(targets[1], targets[2]))
	verifyDisjoint(t, targets)
}

// Concurrent placements over the shared topology, using the
// process-wide random source.
func TestPlaceReplicasConcurrent(t *testing.T) {
	topo, _ := newCluster(t)
	policy := New(topo, DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				targets := policy.PlaceReplicas(testBlockSize, 3, nil, nil, nil)
				if len(targets) != 3 {
					t.Errorf("got %d targets, want 3", len(targets))
					return
				}
			}
		}()
	}
	wg.Wait()
}
