// Copyright 2019 The Vitess Authors.
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
//
// Modifications Copyright 2025 Supabase, Inc.

// Package timer provides PeriodicRunner for running callbacks at regular intervals.
package timer

import (
	"context"
	"sync"
	"time"
)

// PeriodicRunner runs a callback at regular intervals on its own goroutine.
//
// Key behaviors:
//   - Callback receives a context derived from the parent context
//   - Stop() cancels the context and waits for the in-flight callback
//   - The interval is measured from the end of one callback to the start of
//     the next, so a slow callback never overlaps itself
//   - Supports Start/Stop/Start cycles
//
// Example usage:
//
//	runner := timer.NewPeriodicRunner(ctx, time.Second)
//	runner.Start(func(ctx context.Context) {
//	    // periodic work here
//	})
//	defer runner.Stop()
type PeriodicRunner struct {
	parentCtx context.Context
	interval  time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPeriodicRunner creates a PeriodicRunner with the given parent context and interval.
func NewPeriodicRunner(ctx context.Context, interval time.Duration) *PeriodicRunner {
	return &PeriodicRunner{
		parentCtx: ctx,
		interval:  interval,
	}
}

// Start begins running callback every interval. Returns false if the runner
// was already running.
func (r *PeriodicRunner) Start(callback func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return false
	}

	ctx, cancel := context.WithCancel(r.parentCtx)
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx, callback, r.done)
	return true
}

// Stop cancels the callback context and waits for the loop to exit.
// Stop is idempotent.
func (r *PeriodicRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	cancel()
	<-done
}

// Running returns true if the runner is currently running.
func (r *PeriodicRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Interval returns the configured interval.
func (r *PeriodicRunner) Interval() time.Duration {
	return r.interval
}

func (r *PeriodicRunner) loop(ctx context.Context, callback func(ctx context.Context), done chan struct{}) {
	defer close(done)

	t := time.NewTimer(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		callback(ctx)

		if ctx.Err() != nil {
			return
		}
		t.Reset(r.interval)
	}
}
