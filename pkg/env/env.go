// Copyright 2025 RidgeFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package env exposes which deployment environment the process runs in.
package env

import (
	"github.com/spf13/viper"
)

const (
	Local      = "local"
	Production = "production"
	Testing    = "testing"
)

// Env is resolved once at startup from the ENV setting.
var Env string

func IsLocal() bool {
	return Env == Local
}

func IsProduction() bool {
	return Env == Production
}

func IsTesting() bool {
	return Env == Testing
}

func init() {
	viper.AutomaticEnv()
	Env = viper.GetString("ENV")
	if Env == "" {
		Env = Local
	}
}
