/*
Copyright 2023 The Vitess Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

Modifications Copyright 2025 The Multigres Authors.
*/

// Package servenv is the process environment of a poolsnap binary: logging,
// the HTTP admin mux, a pid file, and the run loop with its lifecycle hooks.
//
// A binary creates a ServEnv, registers its flags, and after flag parsing
// calls Init and then Run. Components hook into the lifecycle with OnInit,
// OnRun and OnClose.
package servenv

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/multigres/poolsnap/go/tools/event"
	"github.com/multigres/poolsnap/go/viperutil"
)

// ServEnv holds the process-wide services.
type ServEnv struct {
	HTTPPort       viperutil.Value[int]
	BindAddress    viperutil.Value[string]
	pidFile        viperutil.Value[string]
	onCloseTimeout viperutil.Value[time.Duration]

	lg  *Logger
	mux *http.ServeMux

	onInitHooks  event.Hooks
	onRunHooks   event.Hooks
	onCloseHooks event.Hooks

	mu     sync.Mutex
	inited bool
}

// New declares the servenv values on reg.
func New(reg *viperutil.Registry) *ServEnv {
	sv := &ServEnv{
		HTTPPort: viperutil.Configure(reg, "http-port", viperutil.Options[int]{
			Default:  15500,
			FlagName: "http-port",
			EnvVars:  []string{"POOLSNAP_HTTP_PORT"},
		}),
		BindAddress: viperutil.Configure(reg, "bind-address", viperutil.Options[string]{
			FlagName: "bind-address",
		}),
		pidFile: viperutil.Configure(reg, "pid-file", viperutil.Options[string]{
			FlagName: "pid-file",
		}),
		onCloseTimeout: viperutil.Configure(reg, "onclose-timeout", viperutil.Options[time.Duration]{
			Default:  10 * time.Second,
			FlagName: "onclose-timeout",
		}),
		lg:  NewLogger(reg),
		mux: http.NewServeMux(),
	}
	sv.registerPidFile()
	return sv
}

// RegisterFlags installs the servenv and logging flags.
func (sv *ServEnv) RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("http-port", sv.HTTPPort.Default(), "HTTP port for the admin endpoints")
	fs.String("bind-address", sv.BindAddress.Default(), "Address to bind the HTTP server to. Empty binds all interfaces.")
	fs.String("pid-file", sv.pidFile.Default(), "If set, the process will write its pid to the named file, and delete it on graceful shutdown.")
	fs.Duration("onclose-timeout", sv.onCloseTimeout.Default(), "wait no more than this for OnClose handlers before stopping")
	viperutil.BindFlags(fs, sv.HTTPPort, sv.BindAddress, sv.pidFile, sv.onCloseTimeout)
	sv.lg.RegisterFlags(fs)
}

// Init sets up logging and fires the OnInit hooks. It must be called once,
// after flags are parsed.
func (sv *ServEnv) Init() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.inited {
		panic("servenv.Init called second time")
	}
	sv.inited = true

	sv.lg.SetupLogging()
	sv.onInitHooks.Fire()
}

// GetLogger returns the configured logger.
func (sv *ServEnv) GetLogger() *slog.Logger {
	return sv.lg.GetLogger()
}

// OnInit registers f to be run during Init.
func (sv *ServEnv) OnInit(f func()) {
	sv.onInitHooks.Add(f)
}

// OnRun registers f to be run once the HTTP server is listening.
func (sv *ServEnv) OnRun(f func()) {
	sv.onRunHooks.Add(f)
}

// OnClose registers f to be run at the end of the app lifecycle, after the
// HTTP server has stopped. All hooks are run in parallel.
func (sv *ServEnv) OnClose(f func()) {
	sv.onCloseHooks.Add(f)
}

// HTTPHandle registers the given handler for the admin mux.
func (sv *ServEnv) HTTPHandle(pattern string, handler http.Handler) {
	sv.mux.Handle(pattern, handler)
}

// HTTPHandleFunc registers the given handler func for the admin mux.
func (sv *ServEnv) HTTPHandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	sv.mux.HandleFunc(pattern, handler)
}
