// Copyright 2025 RidgeFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/ridgefs/placement/pkg/debug"
	"github.com/ridgefs/placement/pkg/logger"
	"github.com/ridgefs/placement/pkg/placement"
	"github.com/ridgefs/placement/pkg/topology"
	"github.com/ridgefs/placement/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// nodeSpec is one storage node in the cluster layout file.
type nodeSpec struct {
	ID        string `mapstructure:"id"`
	Location  string `mapstructure:"location"`
	Capacity  uint64 `mapstructure:"capacity"`
	Used      uint64 `mapstructure:"used"`
	Transfers int64  `mapstructure:"transfers"`
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Simulate replica placement over a described cluster",
	Long: `Load a cluster layout from a config file, run repeated placements
against it and report how the chosen targets spread across racks and
node groups. Useful for validating a topology before rollout.`,
	Run: runSim,
}

func init() {
	rootCmd.AddCommand(simCmd)

	f := simCmd.Flags()
	f.String("cluster_file", "cluster", "Cluster layout config file name (without extension)")
	f.Int("replicas", 3, "Replica count per block")
	f.Int("rounds", 1000, "Number of blocks to place")
	f.String("block_size", "64MiB", "Block size to place")
	f.Bool("node_group_aware", true, "Build a node-group-aware topology")
	f.Int("debug_port", 0, "Debug HTTP port for metrics and pprof (0 disables)")
	f.Int64("seed", 0, "Random seed (0 uses the process-wide source)")
}

func runSim(cmd *cobra.Command, args []string) {
	fl := NewFlagLoader(cmd)

	utils.LoadConfiguration("placement", false)
	utils.LoadConfiguration(fl.String("cluster_file"), true)

	blockSize, err := humanize.ParseBytes(fl.String("block_size"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid block size")
	}

	var specs []nodeSpec
	if err := viper.UnmarshalKey("cluster.nodes", &specs); err != nil {
		logger.Fatal().Err(err).Msg("Invalid cluster layout")
	}
	if len(specs) == 0 {
		logger.Fatal().Msg("Cluster layout has no nodes")
	}

	topo := topology.New(fl.Bool("node_group_aware"))
	for _, s := range specs {
		node := topology.NewStorageNode(s.ID, s.Location)
		node.UpdateUsage(s.Capacity, s.Used, s.Capacity-s.Used, s.Transfers)
		if err := topo.Add(node); err != nil {
			logger.Fatal().Err(err).Str("node", s.ID).Msg("Cannot add node to topology")
		}
	}

	if port := fl.Int("debug_port"); port > 0 {
		go func() {
			if err := debug.Serve(fmt.Sprintf(":%d", port)); err != nil {
				logger.Error().Err(err).Msg("Debug server stopped")
			}
		}()
	}

	var opts []placement.Option
	if seed := fl.Int64("seed"); seed != 0 {
		opts = append(opts, placement.WithRand(rand.New(rand.NewSource(seed))))
	}
	policy := placement.New(topo, placement.LoadConfig(), opts...)

	runID := uuid.NewString()
	replicas := fl.Int("replicas")
	rounds := fl.Int("rounds")

	logger.Info().
		Str("run_id", runID).
		Int("nodes", topo.NumNodes()).
		Int("racks", topo.NumRacks()).
		Bool("node_group_aware", topo.IsNodeGroupAware()).
		Str("block_size", humanize.IBytes(blockSize)).
		Int("replicas", replicas).
		Int("rounds", rounds).
		Msg("Starting placement simulation")

	perNode := make(map[string]int, topo.NumNodes())
	short := 0
	groupCollisions := 0
	rackSpan := make(map[int]int)

	for i := 0; i < rounds; i++ {
		targets := policy.PlaceReplicas(blockSize, replicas, nil, nil, nil)
		if len(targets) < replicas {
			short++
		}

		racks := make(map[string]struct{}, len(targets))
		groups := make(map[string]struct{}, len(targets))
		for _, tgt := range targets {
			perNode[tgt.ID()]++
			racks[topo.Rack(tgt)] = struct{}{}
			groups[topo.NodeGroup(tgt)] = struct{}{}
		}
		rackSpan[len(racks)]++
		if topo.IsNodeGroupAware() && len(groups) < len(targets) {
			groupCollisions++
		}
	}

	fmt.Printf("Run %s: %d rounds, %d replicas per block\n\n", runID, rounds, replicas)
	fmt.Printf("%-24s %-16s %-12s %s\n", "NODE", "LOCATION", "REMAINING", "ASSIGNED")
	for _, node := range topo.Leaves(topology.Root) {
		fmt.Printf("%-24s %-16s %-12s %d\n",
			node.ID(), node.Location(), humanize.IBytes(node.Remaining()), perNode[node.ID()])
	}
	fmt.Println()
	for span, count := range rackSpan {
		fmt.Printf("blocks spanning %d rack(s): %d\n", span, count)
	}

	logger.Info().
		Str("run_id", runID).
		Int("short_results", short).
		Int("node_group_collisions", groupCollisions).
		Msg("Placement simulation finished")

	if short > 0 || groupCollisions > 0 {
		os.Exit(1)
	}
}
