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

// Package connstack provides the mutex-protected LIFO stack that holds idle
// connections. LIFO keeps the most recently used connections hot and lets the
// oldest ones age out through the idle timeout.
package connstack

import "sync"

// Stack is a LIFO stack safe for concurrent use.
type Stack[T any] struct {
	mu    sync.Mutex
	items []T
}

// Push adds an element to the top of the stack.
func (s *Stack[T]) Push(elem T) {
	s.mu.Lock()
	s.items = append(s.items, elem)
	s.mu.Unlock()
}

// Pop removes and returns the element on top of the stack.
// Returns the zero value and false if the stack is empty.
func (s *Stack[T]) Pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	n := len(s.items)
	if n == 0 {
		return zero, false
	}
	elem := s.items[n-1]
	s.items[n-1] = zero
	s.items = s.items[:n-1]
	return elem, true
}

// Len returns the number of elements in the stack.
func (s *Stack[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Drain removes every element and returns them, top first.
func (s *Stack[T]) Drain() []T {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.mu.Unlock()

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// RemoveIf removes every element for which remove returns true and returns
// them. The relative order of the remaining elements is preserved.
// remove runs under the stack lock and must not block.
func (s *Stack[T]) RemoveIf(remove func(T) bool) []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []T
	kept := s.items[:0]
	for _, elem := range s.items {
		if remove(elem) {
			removed = append(removed, elem)
			continue
		}
		kept = append(kept, elem)
	}
	var zero T
	for i := len(kept); i < len(s.items); i++ {
		s.items[i] = zero
	}
	s.items = kept
	return removed
}
