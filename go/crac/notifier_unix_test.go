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

//go:build unix

package crac

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierHandle(t *testing.T) {
	rec := &recorder{}
	c := NewContext(nil)
	c.Register(rec.resource("db", nil, nil))

	done := make(chan error, 1)
	n := NewNotifier(c, nil)
	n.CheckpointSignal = syscall.SIGUSR1
	n.RestoreSignal = syscall.SIGUSR2
	n.Done = done

	ctx := context.Background()
	n.Handle(ctx, syscall.SIGUSR1)
	require.NoError(t, <-done)
	n.Handle(ctx, syscall.SIGUSR2)
	require.NoError(t, <-done)
	n.Handle(ctx, syscall.SIGHUP)

	assert.Equal(t, []string{"before:db", "after:db"}, rec.get())
	assert.Empty(t, done)
}

func TestNotifierRunStopsOnCancel(t *testing.T) {
	n := NewNotifier(NewContext(nil), nil)
	n.CheckpointSignal = syscall.SIGUSR1
	n.RestoreSignal = syscall.SIGUSR2

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
