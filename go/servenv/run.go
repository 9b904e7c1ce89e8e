// Copyright 2019 The Vitess Authors.
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

package servenv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Run listens on the configured HTTP port and serves until the process gets
// SIGTERM or SIGINT, or ctx is done.
func (sv *ServEnv) Run(ctx context.Context) error {
	port := sv.HTTPPort.Get()
	l, err := net.Listen("tcp", net.JoinHostPort(sv.BindAddress.Get(), strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return sv.Serve(ctx, l)
}

// Serve serves the admin mux on l until ctx is done, then stops the server
// and fires the OnClose hooks. l is closed on return.
func (sv *ServEnv) Serve(ctx context.Context, l net.Listener) error {
	logger := sv.GetLogger()
	srv := &http.Server{
		Handler:           sv.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		err := srv.Serve(l)
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			err = nil
		}
		serveErr <- err
	}()

	logger.Info("service successfully started", "addr", l.Addr().String())
	sv.onRunHooks.Fire()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			logger.Error("http serve returned unexpected error", "err", err)
		}
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), sv.onCloseTimeout.Get())
	defer cancel()
	if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil {
		logger.Warn("http server shutdown", "err", shutErr)
	}

	if hookErr := sv.onCloseHooks.FireContext(shutdownCtx); hookErr != nil {
		logger.Warn("OnClose hooks did not finish in time", "timeout", sv.onCloseTimeout.Get())
	}
	if closeErr := sv.lg.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
