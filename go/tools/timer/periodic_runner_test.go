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

package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPeriodicRunnerStartStop(t *testing.T) {
	called := make(chan struct{}, 10)

	runner := NewPeriodicRunner(t.Context(), 1*time.Millisecond)
	assert.False(t, runner.Running())

	assert.True(t, runner.Start(func(_ context.Context) {
		select {
		case called <- struct{}{}:
		default:
		}
	}))
	assert.True(t, runner.Running())

	<-called

	runner.Stop()
	assert.False(t, runner.Running())
}

func TestPeriodicRunnerStopWaitsForInFlight(t *testing.T) {
	callbackStarted := make(chan struct{})
	var finished atomic.Bool

	runner := NewPeriodicRunner(t.Context(), 1*time.Millisecond)
	runner.Start(func(ctx context.Context) {
		select {
		case <-callbackStarted:
		default:
			close(callbackStarted)
		}
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		finished.Store(true)
	})

	<-callbackStarted
	runner.Stop()
	assert.True(t, finished.Load(), "Stop returned before the callback completed")
}

func TestPeriodicRunnerIdempotent(t *testing.T) {
	runner := NewPeriodicRunner(t.Context(), time.Hour)

	runner.Stop()
	assert.True(t, runner.Start(func(context.Context) {}))
	assert.False(t, runner.Start(func(context.Context) {}))
	runner.Stop()
	runner.Stop()
	assert.False(t, runner.Running())
}

func TestPeriodicRunnerRestart(t *testing.T) {
	var count atomic.Int32
	runner := NewPeriodicRunner(t.Context(), 1*time.Millisecond)

	runner.Start(func(context.Context) { count.Add(1) })
	assert.Eventually(t, func() bool { return count.Load() > 0 }, time.Second, time.Millisecond)
	runner.Stop()

	before := count.Load()
	runner.Start(func(context.Context) { count.Add(1) })
	assert.Eventually(t, func() bool { return count.Load() > before }, time.Second, time.Millisecond)
	runner.Stop()
}

func TestPeriodicRunnerNoOverlap(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	runner := NewPeriodicRunner(t.Context(), 1*time.Millisecond)

	runner.Start(func(context.Context) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(3 * time.Millisecond)
		inFlight.Add(-1)
	})
	time.Sleep(30 * time.Millisecond)
	runner.Stop()

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestPeriodicRunnerParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	runner := NewPeriodicRunner(ctx, time.Hour)
	runner.Start(func(context.Context) {})

	cancel()
	// Stop must still return once the loop has observed the cancellation.
	runner.Stop()
	assert.False(t, runner.Running())
}
