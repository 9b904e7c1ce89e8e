// Copyright 2023 The Vitess Authors.
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
//
// Modifications Copyright 2025 Supabase, Inc.

package viperutil

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ViperConfig holds the flags that control config-file loading.
type ViperConfig struct {
	configPaths                Value[[]string]
	configType                 Value[string]
	configName                 Value[string]
	configFile                 Value[string]
	configFileNotFoundHandling Value[ConfigFileNotFoundHandling]
}

// NewViperConfig declares the config-loading values on reg.
func NewViperConfig(reg *Registry) *ViperConfig {
	return &ViperConfig{
		configPaths: Configure(reg, "config.paths", Options[[]string]{
			Default:  []string{"."},
			EnvVars:  []string{"POOLSNAP_CONFIG_PATH"},
			FlagName: "config-path",
		}),
		configType: Configure(reg, "config.type", Options[string]{
			EnvVars:  []string{"POOLSNAP_CONFIG_TYPE"},
			FlagName: "config-type",
		}),
		configName: Configure(reg, "config.name", Options[string]{
			Default:  "poolsnap",
			EnvVars:  []string{"POOLSNAP_CONFIG_NAME"},
			FlagName: "config-name",
		}),
		configFile: Configure(reg, "config.file", Options[string]{
			EnvVars:  []string{"POOLSNAP_CONFIG_FILE"},
			FlagName: "config-file",
		}),
		configFileNotFoundHandling: Configure(reg, "config.notfound.handling", Options[ConfigFileNotFoundHandling]{
			Default:  WarnOnConfigFileNotFound,
			GetFunc:  getHandlingValue,
			FlagName: "config-file-not-found-handling",
		}),
	}
}

// RegisterFlags installs the flags that control config loading.
func (vc *ViperConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("config-path", vc.configPaths.Default(), "Paths to search for config files in.")
	fs.String("config-type", vc.configType.Default(), "Config file type (omit to infer config type from file extension).")
	fs.String("config-name", vc.configName.Default(), "Name of the config file (without extension) to search for.")
	fs.String("config-file", vc.configFile.Default(), "Full path of the config file (with extension) to use. If set, --config-path, --config-type, and --config-name are ignored.")

	h := vc.configFileNotFoundHandling.Default()
	fs.Var(&h, "config-file-not-found-handling", fmt.Sprintf("Behavior when a config file is not found. (Options: %s)", strings.Join(handlingNames, ", ")))

	BindFlags(fs, vc.configPaths, vc.configType, vc.configName, vc.configFile, vc.configFileNotFoundHandling)
}

// LoadConfig finds and reads a config file into reg.
//
// --config-file, if set, is used to the exclusion of the search flags.
// Otherwise --config-name is searched for in every --config-path. When no
// file is found the --config-file-not-found-handling flag decides whether
// that is an error.
func (vc *ViperConfig) LoadConfig(reg *Registry) error {
	var err error
	switch file := vc.configFile.Get(); file {
	case "":
		if name := vc.configName.Get(); name != "" {
			reg.v.SetConfigName(name)

			for _, path := range vc.configPaths.Get() {
				reg.v.AddConfigPath(path)
			}

			if cfgType := vc.configType.Get(); cfgType != "" {
				reg.v.SetConfigType(cfgType)
			}

			err = reg.v.ReadInConfig()
		}
	default:
		reg.v.SetConfigFile(file)
		err = reg.v.ReadInConfig()
	}

	if err == nil {
		if used := reg.v.ConfigFileUsed(); used != "" {
			slog.Info("loaded config file", "file", used)
		}
		return nil
	}

	if !isConfigFileNotFoundError(err) {
		return err
	}

	switch vc.configFileNotFoundHandling.Get() {
	case IgnoreConfigFileNotFound:
		return nil
	case WarnOnConfigFileNotFound:
		slog.Warn("config file not found, using defaults, env and flags", "err", err)
		return nil
	default:
		slog.Error("config file not found", "err", err)
		return err
	}
}

// isConfigFileNotFoundError checks if the error is caused because the file wasn't found.
func isConfigFileNotFoundError(err error) bool {
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

// ConfigFileNotFoundHandling controls how LoadConfig treats a missing config
// file.
type ConfigFileNotFoundHandling int

const (
	// IgnoreConfigFileNotFound silently proceeds without a config file.
	IgnoreConfigFileNotFound ConfigFileNotFoundHandling = iota
	// WarnOnConfigFileNotFound logs a warning and proceeds.
	WarnOnConfigFileNotFound
	// ErrorOnConfigFileNotFound makes LoadConfig return the error.
	ErrorOnConfigFileNotFound
)

var (
	handlingNames         []string
	handlingNamesToValues = map[string]ConfigFileNotFoundHandling{
		"ignore": IgnoreConfigFileNotFound,
		"warn":   WarnOnConfigFileNotFound,
		"error":  ErrorOnConfigFileNotFound,
	}
)

func init() {
	for name := range handlingNamesToValues {
		handlingNames = append(handlingNames, name)
	}
	sort.Strings(handlingNames)
}

func getHandlingValue(v *viper.Viper) func(key string) ConfigFileNotFoundHandling {
	return func(key string) ConfigFileNotFoundHandling {
		switch raw := v.Get(key).(type) {
		case ConfigFileNotFoundHandling:
			return raw
		case *ConfigFileNotFoundHandling:
			return *raw
		case int:
			return ConfigFileNotFoundHandling(raw)
		}

		var h ConfigFileNotFoundHandling
		if err := h.Set(v.GetString(key)); err != nil {
			slog.Warn("invalid config file handling, defaulting to warn", "key", key, "err", err)
			return WarnOnConfigFileNotFound
		}
		return h
	}
}

// Set implements pflag.Value.
func (h *ConfigFileNotFoundHandling) Set(arg string) error {
	if v, ok := handlingNamesToValues[strings.ToLower(arg)]; ok {
		*h = v
		return nil
	}
	return fmt.Errorf("unknown handling name %s", arg)
}

func (h *ConfigFileNotFoundHandling) String() string {
	for name, v := range handlingNamesToValues {
		if v == *h {
			return name
		}
	}
	return "<UNKNOWN>"
}

// Type implements pflag.Value.
func (h *ConfigFileNotFoundHandling) Type() string { return "ConfigFileNotFoundHandling" }
