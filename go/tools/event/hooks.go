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

// Package event provides listener lists for the pool's status, debug and
// error streams and its shutdown hooks.
package event

import (
	"sync"
)

// Hooks holds a list of parameter-less functions to call whenever the set is
// triggered with Fire().
type Hooks struct {
	funcs []func()
	mu    sync.Mutex
}

// Add appends the given function to the list to be triggered.
func (h *Hooks) Add(f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs = append(h.funcs, f)
}

// Fire calls all the functions in a given Hooks list. It launches a goroutine
// for each function and then waits for all of them to finish before returning.
// Concurrent calls to Fire() are serialized.
func (h *Hooks) Fire() {
	h.mu.Lock()
	defer h.mu.Unlock()

	wg := sync.WaitGroup{}

	for _, f := range h.funcs {
		wg.Go(f)
	}
	wg.Wait()
}

// Listeners is a list of typed listeners. Unlike Hooks, Fire calls the
// listeners synchronously and in registration order, so a stream of events
// is observed in the order it was fired.
type Listeners[T any] struct {
	mu     sync.RWMutex
	nextID int
	funcs  map[int]func(T)
	order  []int
}

// Add registers f and returns a function that removes it again.
func (l *Listeners[T]) Add(f func(T)) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.funcs == nil {
		l.funcs = make(map[int]func(T))
	}
	id := l.nextID
	l.nextID++
	l.funcs[id] = f
	l.order = append(l.order, id)

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.funcs, id)
		for i, o := range l.order {
			if o == id {
				l.order = append(l.order[:i], l.order[i+1:]...)
				break
			}
		}
	}
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Fire calls every listener with v and reports whether anybody was listening.
func (l *Listeners[T]) Fire(v T) bool {
	l.mu.RLock()
	funcs := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		funcs = append(funcs, l.funcs[id])
	}
	l.mu.RUnlock()

	for _, f := range funcs {
		f(v)
	}
	return len(funcs) > 0
}
