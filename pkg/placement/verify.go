// Copyright 2025 RidgeFS Authors
// SPDX-License-Identifier: Apache-2.0

package placement

import (
	"github.com/ridgefs/placement/pkg/topology"
)

// VerifyPlacement reports how many more racks a block's replicas must
// reach to satisfy the rack spread goal. Blocks should span at least
// two racks when the replication factor and the cluster allow it; zero
// means the current placement is acceptable.
func (p *Policy) VerifyPlacement(replicas []*topology.StorageNode, replicationFactor int) int {
	minRacks := 2
	if replicationFactor < minRacks {
		minRacks = replicationFactor
	}
	if r := p.topo.NumRacks(); r < minRacks {
		minRacks = r
	}

	racks := make(map[string]struct{}, len(replicas))
	for _, n := range replicas {
		racks[p.topo.Rack(n)] = struct{}{}
	}
	if missing := minRacks - len(racks); missing > 0 {
		return missing
	}
	return 0
}
