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

package crac

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

// Notifier turns OS signals into checkpoint and restore notifications.
// A checkpoint tool sends CheckpointSignal before dumping the process and
// RestoreSignal once the restored process is running again.
type Notifier struct {
	Context          *Context
	CheckpointSignal os.Signal
	RestoreSignal    os.Signal
	Logger           *slog.Logger

	// Done, if set, receives the result of each notification. Sends do not
	// block; results are dropped when nobody is receiving.
	Done chan<- error
}

// NewNotifier creates a Notifier for c using the platform default signals.
func NewNotifier(c *Context, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	checkpoint, restore := defaultSignals()
	return &Notifier{
		Context:          c,
		CheckpointSignal: checkpoint,
		RestoreSignal:    restore,
		Logger:           logger,
	}
}

// Run delivers notifications until ctx is done. Signals are handled one at a
// time; a signal that arrives while a notification is running is handled
// after it.
func (n *Notifier) Run(ctx context.Context) {
	var sigs []os.Signal
	if n.CheckpointSignal != nil {
		sigs = append(sigs, n.CheckpointSignal)
	}
	if n.RestoreSignal != nil {
		sigs = append(sigs, n.RestoreSignal)
	}
	if len(sigs) == 0 {
		n.Logger.Warn("no checkpoint signals configured")
		<-ctx.Done()
		return
	}

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	n.Logger.Info("waiting for checkpoint signals", "checkpoint", n.CheckpointSignal, "restore", n.RestoreSignal)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			n.Handle(ctx, sig)
		}
	}
}

// Handle delivers the notification mapped to sig. Unknown signals are
// ignored.
func (n *Notifier) Handle(ctx context.Context, sig os.Signal) {
	var err error
	switch sig {
	case n.CheckpointSignal:
		err = n.Context.BeforeCheckpoint(ctx)
	case n.RestoreSignal:
		err = n.Context.AfterRestore(ctx)
	default:
		n.Logger.Debug("ignoring signal", "signal", sig)
		return
	}
	if err != nil {
		n.Logger.Error("checkpoint notification failed", "signal", sig, "err", err)
	}
	if n.Done != nil {
		select {
		case n.Done <- err:
		default:
		}
	}
}
