// Copyright 2023 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Modifications Copyright 2025 Supabase, Inc.

package viperutil

import (
	"github.com/spf13/viper"
)

// Registry holds the viper instance backing a set of configuration values.
// Each command creates its own registry so that tests and binaries never share
// global configuration state.
type Registry struct {
	static *viper.Viper
}

// NewRegistry creates a new isolated configuration registry.
//
// Example usage:
//
//	reg := viperutil.NewRegistry()
//	size := viperutil.Configure(reg, "stmtcache.size", viperutil.Options[int]{
//	    Default:  10,
//	    FlagName: "statement-pool-size",
//	})
func NewRegistry() *Registry {
	return &Registry{
		static: viper.New(),
	}
}

// AllSettings returns every key known to the registry with its resolved value.
func (reg *Registry) AllSettings() map[string]any {
	return reg.static.AllSettings()
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func (reg *Registry) ConfigFileUsed() string {
	return reg.static.ConfigFileUsed()
}
