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

// Package viperutil provides typed, viper-backed configuration values that
// can be bound to pflag flags and environment variables.
//
// Each service or command owns its own Registry; values are declared once
// with Configure and read with Get after flags have been parsed:
//
//	reg := viperutil.NewRegistry()
//	idle := viperutil.Configure(reg, "datasource.idle-timeout", viperutil.Options[time.Duration]{
//	    Default:  10 * time.Minute,
//	    FlagName: "datasource-idle-timeout",
//	})
//	idle.Get()
package viperutil

import (
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Registry holds the viper instance backing a set of configured values.
type Registry struct {
	v  *viper.Viper
	fs afero.Fs
}

// NewRegistry creates an isolated registry reading config files from the
// OS filesystem.
func NewRegistry() *Registry {
	return NewRegistryWithFs(afero.NewOsFs())
}

// NewRegistryWithFs creates an isolated registry that reads config files
// through fs. Tests pass an afero.NewMemMapFs().
func NewRegistryWithFs(fs afero.Fs) *Registry {
	v := viper.New()
	v.SetFs(fs)
	return &Registry{v: v, fs: fs}
}

// Viper returns the underlying viper instance.
func (reg *Registry) Viper() *viper.Viper {
	return reg.v
}

// Fs returns the filesystem config files are read from.
func (reg *Registry) Fs() afero.Fs {
	return reg.fs
}

// AllSettings returns every key known to the registry, merged from defaults,
// config file, environment and flags.
func (reg *Registry) AllSettings() map[string]any {
	return reg.v.AllSettings()
}
