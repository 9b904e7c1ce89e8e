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

// Package crac delivers checkpoint and restore notifications to the parts of
// a process that hold external resources.
//
// Resources register with a Context. Before a checkpoint they are notified in
// reverse registration order, so that a resource registered after the things
// it depends on releases first. After a restore they are notified in
// registration order.
package crac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Resource is notified around a process checkpoint.
type Resource interface {
	// BeforeCheckpoint releases external state (sockets, files) that must
	// not be captured in the snapshot.
	BeforeCheckpoint(ctx context.Context) error

	// AfterRestore re-establishes what BeforeCheckpoint released.
	AfterRestore(ctx context.Context) error
}

// ResourceFuncs adapts a pair of functions to Resource. Nil functions are
// no-ops.
type ResourceFuncs struct {
	Name   string
	Before func(ctx context.Context) error
	After  func(ctx context.Context) error
}

// BeforeCheckpoint implements Resource.
func (r ResourceFuncs) BeforeCheckpoint(ctx context.Context) error {
	if r.Before == nil {
		return nil
	}
	return r.Before(ctx)
}

// AfterRestore implements Resource.
func (r ResourceFuncs) AfterRestore(ctx context.Context) error {
	if r.After == nil {
		return nil
	}
	return r.After(ctx)
}

func (r ResourceFuncs) String() string {
	return r.Name
}

// CheckpointError reports the resource that refused a checkpoint.
type CheckpointError struct {
	Resource Resource
	Err      error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint refused by %s: %v", resourceName(e.Resource), e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// Context is an ordered set of resources.
type Context struct {
	logger *slog.Logger

	mu        sync.Mutex
	resources []Resource

	// phase serializes checkpoint and restore.
	phase sync.Mutex
}

// NewContext creates an empty Context.
func NewContext(logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{logger: logger}
}

// Register adds r to the context. A resource registered twice is notified
// twice.
func (c *Context) Register(r Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = append(c.resources, r)
}

// Len returns the number of registered resources.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resources)
}

func (c *Context) snapshot() []Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Resource(nil), c.resources...)
}

// BeforeCheckpoint notifies resources in reverse registration order. It stops
// at the first failure and returns it as a *CheckpointError; resources
// already notified are not rolled back.
func (c *Context) BeforeCheckpoint(ctx context.Context) error {
	c.phase.Lock()
	defer c.phase.Unlock()

	resources := c.snapshot()
	start := time.Now()
	c.logger.InfoContext(ctx, "checkpoint imminent, notifying resources", "resources", len(resources))

	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		if err := r.BeforeCheckpoint(ctx); err != nil {
			c.logger.ErrorContext(ctx, "resource refused checkpoint", "resource", resourceName(r), "err", err)
			return &CheckpointError{Resource: r, Err: err}
		}
		c.logger.DebugContext(ctx, "resource ready for checkpoint", "resource", resourceName(r))
	}

	c.logger.InfoContext(ctx, "resources ready for checkpoint", "duration", time.Since(start))
	return nil
}

// AfterRestore notifies every resource in registration order, even after a
// failure, and returns the joined errors.
func (c *Context) AfterRestore(ctx context.Context) error {
	c.phase.Lock()
	defer c.phase.Unlock()

	resources := c.snapshot()
	start := time.Now()
	c.logger.InfoContext(ctx, "restore completed, notifying resources", "resources", len(resources))

	var errs []error
	for _, r := range resources {
		if err := r.AfterRestore(ctx); err != nil {
			c.logger.ErrorContext(ctx, "resource failed to restore", "resource", resourceName(r), "err", err)
			errs = append(errs, fmt.Errorf("restore of %s: %w", resourceName(r), err))
		}
	}

	c.logger.InfoContext(ctx, "resources restored", "duration", time.Since(start), "failed", len(errs))
	return errors.Join(errs...)
}

func resourceName(r Resource) string {
	if s, ok := r.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", r)
}
