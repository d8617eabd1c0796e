// Copyright 2025 RidgeFS Authors
// SPDX-License-Identifier: Apache-2.0

package placement

import (
	"github.com/spf13/viper"
)

const (
	// DefaultMinFreeBlockMultiple is how many blocks of free space a
	// node must have to accept a new replica.
	DefaultMinFreeBlockMultiple = 5

	// DefaultMaxLoadFactor rejects nodes busier than twice the cluster
	// mean transfer count.
	DefaultMaxLoadFactor = 2.0
)

// Config holds the qualification thresholds for choosing replica
// targets.
type Config struct {
	// MinFreeBlockMultiple qualifies a node only when its remaining
	// space is at least this many blocks of the size being placed.
	MinFreeBlockMultiple uint64

	// ConsiderLoad enables the transfer-load check: a node is rejected
	// when its active transfer count exceeds MaxLoadFactor times the
	// cluster mean.
	ConsiderLoad  bool
	MaxLoadFactor float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MinFreeBlockMultiple: DefaultMinFreeBlockMultiple,
		ConsiderLoad:         true,
		MaxLoadFactor:        DefaultMaxLoadFactor,
	}
}

// LoadConfig reads the placement.* settings from viper, falling back to
// defaults for anything unset.
func LoadConfig() Config {
	def := DefaultConfig()
	viper.SetDefault("placement.min_free_block_multiple", def.MinFreeBlockMultiple)
	viper.SetDefault("placement.consider_load", def.ConsiderLoad)
	viper.SetDefault("placement.max_load_factor", def.MaxLoadFactor)

	return Config{
		MinFreeBlockMultiple: viper.GetUint64("placement.min_free_block_multiple"),
		ConsiderLoad:         viper.GetBool("placement.consider_load"),
		MaxLoadFactor:        viper.GetFloat64("placement.max_load_factor"),
	}
}
