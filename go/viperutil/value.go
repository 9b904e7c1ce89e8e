// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package viperutil

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Options configures a single value.
type Options[T any] struct {
	// Default is returned when no flag, env var or config file sets the key.
	Default T
	// FlagName binds the value to a pflag flag of that name in BindFlags.
	// The flag itself is declared by the caller.
	FlagName string
	// EnvVars are bound in order; the first one set wins.
	EnvVars []string
	// GetFunc overrides how the value is read from viper. Required for
	// types without a built-in getter.
	GetFunc func(v *viper.Viper) func(key string) T
}

// Bindable is implemented by every Value so values of different types can be
// bound to a FlagSet in one call.
type Bindable interface {
	Key() string
	flagName() string
	registry() *Registry
}

// Value is a typed configuration value.
type Value[T any] interface {
	Bindable
	Get() T
	Default() T
	// Set overrides the value in the registry. Flags still take precedence.
	Set(v T)
}

type value[T any] struct {
	reg      *Registry
	key      string
	flag     string
	defVal   T
	getValue func(key string) T
}

var _ Value[string] = (*value[string])(nil)

// Configure declares a value under key in reg and returns a handle to it.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	reg.v.SetDefault(key, opts.Default)

	if len(opts.EnvVars) > 0 {
		args := append([]string{key}, opts.EnvVars...)
		if err := reg.v.BindEnv(args...); err != nil {
			slog.Warn("failed to bind env vars", "key", key, "err", err)
		}
	}

	getFunc := opts.GetFunc
	if getFunc == nil {
		getFunc = getFuncForType[T]()
	}

	return &value[T]{
		reg:      reg,
		key:      key,
		flag:     opts.FlagName,
		defVal:   opts.Default,
		getValue: getFunc(reg.v),
	}
}

func (val *value[T]) Key() string         { return val.key }
func (val *value[T]) Default() T          { return val.defVal }
func (val *value[T]) Get() T              { return val.getValue(val.key) }
func (val *value[T]) Set(v T)             { val.reg.v.Set(val.key, v) }
func (val *value[T]) flagName() string    { return val.flag }
func (val *value[T]) registry() *Registry { return val.reg }

// BindFlags binds each value that has a FlagName to the flag of that name in
// fs. The flags must already be declared on fs.
func BindFlags(fs *pflag.FlagSet, values ...Bindable) {
	for _, val := range values {
		name := val.flagName()
		if name == "" {
			continue
		}
		f := fs.Lookup(name)
		if f == nil {
			panic(fmt.Sprintf("viperutil: flag %q for key %q is not declared", name, val.Key()))
		}
		if err := val.registry().v.BindPFlag(val.Key(), f); err != nil {
			panic(fmt.Sprintf("viperutil: binding flag %q: %v", name, err))
		}
	}
}

func getFuncForType[T any]() func(v *viper.Viper) func(key string) T {
	var zero T
	var getter any

	switch any(zero).(type) {
	case string:
		getter = func(v *viper.Viper) func(string) string { return v.GetString }
	case bool:
		getter = func(v *viper.Viper) func(string) bool { return v.GetBool }
	case int:
		getter = func(v *viper.Viper) func(string) int { return v.GetInt }
	case int64:
		getter = func(v *viper.Viper) func(string) int64 { return v.GetInt64 }
	case float64:
		getter = func(v *viper.Viper) func(string) float64 { return v.GetFloat64 }
	case time.Duration:
		getter = func(v *viper.Viper) func(string) time.Duration { return v.GetDuration }
	case []string:
		getter = func(v *viper.Viper) func(string) []string { return v.GetStringSlice }
	case map[string]string:
		getter = func(v *viper.Viper) func(string) map[string]string { return v.GetStringMapString }
	default:
		panic(fmt.Sprintf("viperutil: no getter for type %T, set Options.GetFunc", zero))
	}

	return getter.(func(v *viper.Viper) func(key string) T)
}
