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

// Package list implements a generic doubly linked list.
//
// It backs the command queue of a session and the pending/paused work
// queues of the pool, where entries are removed from the middle of the
// list when queued work is cancelled.
package list

import "iter"

// Element is an element of a linked list.
type Element[T any] struct {
	next, prev *Element[T]

	// list is the list this element belongs to.
	list *List[T]

	// Value is the value stored with this element.
	Value T
}

// Next returns the next list element or nil.
func (e *Element[T]) Next() *Element[T] {
	if p := e.next; e.list != nil && p != &e.list.root {
		return p
	}
	return nil
}

// Prev returns the previous list element or nil.
func (e *Element[T]) Prev() *Element[T] {
	if p := e.prev; e.list != nil && p != &e.list.root {
		return p
	}
	return nil
}

// List is a doubly linked list. The zero value must be initialized with
// Init before use.
type List[T any] struct {
	root Element[T] // sentinel; only root.next and root.prev are used
	len  int
}

// Init initializes or clears list l.
func (l *List[T]) Init() *List[T] {
	l.root.next = &l.root
	l.root.prev = &l.root
	l.len = 0
	return l
}

// New returns an initialized list.
func New[T any]() *List[T] { return new(List[T]).Init() }

// Len returns the number of elements of list l.
func (l *List[T]) Len() int { return l.len }

// Front returns the first element of list l or nil if the list is empty.
func (l *List[T]) Front() *Element[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

// Back returns the last element of list l or nil if the list is empty.
func (l *List[T]) Back() *Element[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.prev
}

func (l *List[T]) lazyInit() {
	if l.root.next == nil {
		l.Init()
	}
}

func (l *List[T]) insert(e, at *Element[T]) *Element[T] {
	e.prev = at
	e.next = at.next
	e.prev.next = e
	e.next.prev = e
	e.list = l
	l.len++
	return e
}

// Remove removes e from l. It panics if e is not an element of l.
func (l *List[T]) Remove(e *Element[T]) T {
	if e.list != l {
		panic("list: element does not belong to this list")
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
	e.list = nil
	l.len--
	return e.Value
}

// PushFront inserts a new element with value v at the front of list l.
func (l *List[T]) PushFront(v T) *Element[T] {
	l.lazyInit()
	return l.insert(&Element[T]{Value: v}, &l.root)
}

// PushBack inserts a new element with value v at the back of list l.
func (l *List[T]) PushBack(v T) *Element[T] {
	l.lazyInit()
	return l.insert(&Element[T]{Value: v}, l.root.prev)
}

// PushFrontValue inserts a pre-allocated element at the front of list l.
func (l *List[T]) PushFrontValue(e *Element[T]) {
	l.lazyInit()
	l.insert(e, &l.root)
}

// PushBackValue inserts a pre-allocated element at the back of list l.
func (l *List[T]) PushBackValue(e *Element[T]) {
	l.lazyInit()
	l.insert(e, l.root.prev)
}

// PopFront removes and returns the first value. ok is false on an empty list.
func (l *List[T]) PopFront() (v T, ok bool) {
	e := l.Front()
	if e == nil {
		return v, false
	}
	return l.Remove(e), true
}

// Find returns the first element whose value satisfies pred together with
// its position, or (nil, -1).
func (l *List[T]) Find(pred func(T) bool) (*Element[T], int) {
	i := 0
	for e := l.Front(); e != nil; e = e.Next() {
		if pred(e.Value) {
			return e, i
		}
		i++
	}
	return nil, -1
}

// At returns the element at position i, or nil if out of range.
func (l *List[T]) At(i int) *Element[T] {
	if i < 0 || i >= l.len {
		return nil
	}
	e := l.Front()
	for ; i > 0; i-- {
		e = e.Next()
	}
	return e
}

// All iterates the values front to back. The list must not be modified
// during iteration.
func (l *List[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for e := l.Front(); e != nil; e = e.Next() {
			if !yield(e.Value) {
				return
			}
		}
	}
}
