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
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Options configures a value registered with Configure.
type Options[T any] struct {
	// Aliases are alternate keys that resolve to the same value.
	Aliases []string
	// FlagName is the name of the pflag bound to the value by BindFlags.
	FlagName string
	// EnvVars are environment variables consulted, in order, for the value.
	EnvVars []string
	// Default is the value used when nothing else sets the key.
	Default T
	// GetFunc overrides the getter used to read the key from viper.
	GetFunc func(v *viper.Viper) func(key string) T
}

// Value is a typed handle to a configuration key.
type Value[T any] interface {
	Registerable
	// Default returns the default value.
	Default() T
	// Get returns the resolved value, honoring flags, env vars and config files.
	Get() T
	// Set overrides the value in the registry.
	Set(v T)
}

// Registerable is the untyped part of a Value needed to bind flags.
type Registerable interface {
	Key() string
	flagName() string
	bindFlag(f *pflag.Flag) error
}

type static[T any] struct {
	v          *viper.Viper
	key        string
	flag       string
	defaultVal T
	get        func(key string) T
}

// Configure registers key in reg and returns a handle to it.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	v := reg.static
	v.SetDefault(key, opts.Default)

	for _, alias := range opts.Aliases {
		v.RegisterAlias(alias, key)
	}

	if len(opts.EnvVars) > 0 {
		vars := append([]string{key}, opts.EnvVars...)
		if err := v.BindEnv(vars...); err != nil {
			panic(fmt.Sprintf("viperutil: failed to bind env vars for %s: %v", key, err))
		}
	}

	getFunc := opts.GetFunc
	if getFunc == nil {
		getFunc = getFuncForType[T]()
	}

	return &static[T]{
		v:          v,
		key:        key,
		flag:       opts.FlagName,
		defaultVal: opts.Default,
		get:        getFunc(v),
	}
}

func (s *static[T]) Key() string      { return s.key }
func (s *static[T]) Default() T       { return s.defaultVal }
func (s *static[T]) Get() T           { return s.get(s.key) }
func (s *static[T]) Set(v T)          { s.v.Set(s.key, v) }
func (s *static[T]) flagName() string { return s.flag }

func (s *static[T]) bindFlag(f *pflag.Flag) error {
	return s.v.BindPFlag(s.key, f)
}

// BindFlags binds each value to the flag of the same FlagName in fs. The flags
// must already be defined on fs.
func BindFlags(fs *pflag.FlagSet, values ...Registerable) {
	for _, val := range values {
		name := val.flagName()
		if name == "" {
			continue
		}

		f := fs.Lookup(name)
		if f == nil {
			panic(fmt.Sprintf("viperutil: flag %q for key %s is not defined", name, val.Key()))
		}
		if err := val.bindFlag(f); err != nil {
			panic(fmt.Sprintf("viperutil: failed to bind flag %q: %v", name, err))
		}
	}
}

func getFuncForType[T any]() func(v *viper.Viper) func(key string) T {
	var (
		zero T
		f    any
	)

	switch any(zero).(type) {
	case bool:
		f = func(v *viper.Viper) func(key string) bool { return v.GetBool }
	case int:
		f = func(v *viper.Viper) func(key string) int { return v.GetInt }
	case int64:
		f = func(v *viper.Viper) func(key string) int64 { return v.GetInt64 }
	case float64:
		f = func(v *viper.Viper) func(key string) float64 { return v.GetFloat64 }
	case string:
		f = func(v *viper.Viper) func(key string) string { return v.GetString }
	case []string:
		f = func(v *viper.Viper) func(key string) []string { return v.GetStringSlice }
	case time.Duration:
		f = func(v *viper.Viper) func(key string) time.Duration { return v.GetDuration }
	default:
		return func(v *viper.Viper) func(key string) T {
			return func(key string) T {
				var t T
				_ = v.UnmarshalKey(key, &t)
				return t
			}
		}
	}

	return f.(func(v *viper.Viper) func(key string) T)
}
