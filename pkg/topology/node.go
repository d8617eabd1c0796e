// Copyright 2025 RidgeFS Authors
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"sync/atomic"
)

// treeNode is implemented by inner nodes and storage leaves.
type treeNode interface {
	nodeName() string
	numLeaves() int
}

// innerNode is a datacenter, rack or node group.
type innerNode struct {
	name     string
	path     string // full location, e.g. /d1/r1
	parent   *innerNode
	level    int // edges from the root
	children []treeNode
	leaves   int
}

func (n *innerNode) nodeName() string { return n.name }
func (n *innerNode) numLeaves() int   { return n.leaves }

func (n *innerNode) child(name string) treeNode {
	for _, c := range n.children {
		if c.nodeName() == name {
			return c
		}
	}
	return nil
}

func (n *innerNode) removeChild(name string) {
	for i, c := range n.children {
		if c.nodeName() == name {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// StorageNode describes one physical storage node. Its position in the
// tree is owned by the Topology; the usage stats are refreshed out of
// band by the liveness collaborator and read by the placement policies,
// so they live in atomics.
type StorageNode struct {
	id       string // host:port
	location string // e.g. /d1/r1/n1 when node-group aware, /d1/r1 otherwise

	capacity  atomic.Uint64
	used      atomic.Uint64
	remaining atomic.Uint64
	transfers atomic.Int64

	parent *innerNode
}

// NewStorageNode returns a descriptor for the node identified by
// host:port at the given network location. It is not part of any
// topology until added.
func NewStorageNode(id, location string) *StorageNode {
	return &StorageNode{id: id, location: location}
}

func (n *StorageNode) nodeName() string { return n.id }
func (n *StorageNode) numLeaves() int   { return 1 }

func (n *StorageNode) ID() string       { return n.id }
func (n *StorageNode) Location() string { return n.location }

func (n *StorageNode) Capacity() uint64  { return n.capacity.Load() }
func (n *StorageNode) Used() uint64      { return n.used.Load() }
func (n *StorageNode) Remaining() uint64 { return n.remaining.Load() }

// ActiveTransfers is the concurrent transfer count the node reported in
// its last heartbeat.
func (n *StorageNode) ActiveTransfers() int64 { return n.transfers.Load() }

// UpdateUsage refreshes all usage stats from a heartbeat.
func (n *StorageNode) UpdateUsage(capacity, used, remaining uint64, activeTransfers int64) {
	n.capacity.Store(capacity)
	n.used.Store(used)
	n.remaining.Store(remaining)
	n.transfers.Store(activeTransfers)
}

// SetRemaining overrides the remaining-space stat only.
func (n *StorageNode) SetRemaining(remaining uint64) {
	n.remaining.Store(remaining)
}

func (n *StorageNode) String() string {
	return n.id + " (" + n.location + ")"
}

// NodeSet is a set of storage nodes keyed by node ID. Reads are safe on
// a nil set.
type NodeSet map[string]*StorageNode

// NewNodeSet builds a set from the given nodes.
func NewNodeSet(nodes ...*StorageNode) NodeSet {
	s := make(NodeSet, len(nodes))
	for _, n := range nodes {
		s.Add(n)
	}
	return s
}

func (s NodeSet) Add(n *StorageNode) { s[n.id] = n }

func (s NodeSet) Contains(n *StorageNode) bool {
	_, ok := s[n.id]
	return ok
}

func (s NodeSet) Len() int { return len(s) }
