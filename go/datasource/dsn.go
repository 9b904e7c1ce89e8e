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

package datasource

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Properties are extra libpq connection parameters, set in the config file
// under datasource.properties:
//
//	datasource:
//	  properties:
//	    sslmode: require
//	    application_name: orders
//	    statement_timeout: 5000
type Properties struct {
	SSLMode         string `mapstructure:"sslmode"`
	ApplicationName string `mapstructure:"application_name"`
	SearchPath      string `mapstructure:"search_path"`
	// Extra holds every other parameter, passed through as-is.
	Extra map[string]any `mapstructure:",remain"`
}

// Properties decodes datasource.properties.
func (c *Config) Properties() (Properties, error) {
	var props Properties
	raw := c.reg.Viper().GetStringMap("datasource.properties")
	if len(raw) == 0 {
		return props, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &props,
	})
	if err != nil {
		return props, err
	}
	if err := dec.Decode(raw); err != nil {
		return props, fmt.Errorf("invalid datasource.properties: %w", err)
	}
	return props, nil
}

func (p Properties) params() map[string]string {
	out := make(map[string]string, len(p.Extra)+3)
	for k, v := range p.Extra {
		out[k] = fmt.Sprint(v)
	}
	if p.SSLMode != "" {
		out["sslmode"] = p.SSLMode
	}
	if p.ApplicationName != "" {
		out["application_name"] = p.ApplicationName
	}
	if p.SearchPath != "" {
		out["search_path"] = p.SearchPath
	}
	return out
}

// DSN returns the libpq key/value connection string. datasource.url, if set,
// replaces the individual connection settings. Properties are appended in
// both cases, and win over parameters of the same name in the URL.
func (c *Config) DSN() (string, error) {
	params := make(map[string]string)

	if u := c.url.Get(); u != "" {
		fromURL, err := urlParams(u)
		if err != nil {
			return "", fmt.Errorf("invalid datasource.url: %w", err)
		}
		maps.Copy(params, fromURL)
	} else {
		params["host"] = c.host.Get()
		params["port"] = strconv.Itoa(c.port.Get())
		params["dbname"] = c.database.Get()
		params["user"] = c.user.Get()
		if pw := c.password.Get(); pw != "" {
			params["password"] = pw
		}
	}

	if timeout := c.connectionTimeout.Get(); timeout > 0 {
		// libpq takes whole seconds.
		params["connect_timeout"] = strconv.Itoa(int((timeout + time.Second - 1) / time.Second))
	}

	props, err := c.Properties()
	if err != nil {
		return "", err
	}
	maps.Copy(params, props.params())

	return formatKV(params), nil
}

// formatKV renders params sorted by key, quoting every value.
func formatKV(params map[string]string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(params)) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quote(params[k]))
	}
	return b.String()
}

func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// urlParams maps a postgres:// URL onto libpq parameters: user info, host,
// port, database path, and each query parameter by name.
func urlParams(raw string) (map[string]string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("invalid connection protocol: %s", u.Scheme)
	}

	params := make(map[string]string)
	if u.User != nil {
		if user := u.User.Username(); user != "" {
			params["user"] = user
		}
		if pw, ok := u.User.Password(); ok {
			params["password"] = pw
		}
	}
	if host := u.Hostname(); host != "" {
		params["host"] = host
	}
	if port := u.Port(); port != "" {
		params["port"] = port
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		params["dbname"] = db
	}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params, nil
}
