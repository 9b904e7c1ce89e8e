// Copyright 2023 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Modifications Copyright 2025 Supabase, Inc.

// Package debug serves the effective configuration of a registry.
package debug

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/multigres/poolsnap/go/viperutil"
)

const redacted = "<redacted>"

// HandlerFunc returns an http.HandlerFunc that renders the merged settings of
// reg together with the flags changed on fs. Keys listed in secret have their
// values replaced when set, as do the flags named after them with dots
// turned into dashes.
//
// Example requests:
//   - GET /debug/config
//   - GET /debug/config?format=json
func HandlerFunc(reg *viperutil.Registry, fs *pflag.FlagSet, secret ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secretFlags := make([]string, 0, len(secret))
		for _, key := range secret {
			secretFlags = append(secretFlags, strings.ReplaceAll(key, ".", "-"))
		}

		flags := make(map[string]string)
		if fs != nil {
			fs.Visit(func(f *pflag.Flag) {
				value := f.Value.String()
				if slices.Contains(secretFlags, f.Name) {
					value = redacted
				}
				flags[f.Name] = value
			})
		}

		settings := reg.AllSettings()
		for _, key := range secret {
			redact(settings, strings.Split(key, "."))
		}

		response := map[string]any{
			"command_line_flags": flags,
			"config":             settings,
		}

		switch format := strings.ToLower(r.URL.Query().Get("format")); format {
		case "", "yaml":
			out, err := yaml.Marshal(response)
			if err != nil {
				http.Error(w, fmt.Sprintf("failed to encode YAML: %v", err), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(out)
		case "json":
			w.Header().Set("Content-Type", "application/json")
			encoder := json.NewEncoder(w)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(response); err != nil {
				http.Error(w, fmt.Sprintf("failed to encode JSON: %v", err), http.StatusInternalServerError)
			}
		default:
			http.Error(w, fmt.Sprintf("unknown format %q", format), http.StatusBadRequest)
		}
	}
}

func redact(settings map[string]any, path []string) {
	if len(path) == 0 {
		return
	}
	v, ok := settings[path[0]]
	if !ok {
		return
	}
	if len(path) > 1 {
		if nested, ok := v.(map[string]any); ok {
			redact(nested, path[1:])
		}
		return
	}
	if v != nil && fmt.Sprint(v) != "" {
		settings[path[0]] = redacted
	}
}
