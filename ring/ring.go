// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ring implements a fixed-capacity single-producer/single-consumer
// ring buffer of completion records. It is the structure a completion
// queue is built from (see package cq). Its index arithmetic follows the
// teacher's generic container/ring accessor shape, and its full/empty and
// producer/consumer cursor discipline follows a classic SPSC disruptor-style
// ring (cache line padding omitted: the workload here is one item per
// notification, not a per-message hot loop).
package ring

import (
	"runtime"
	"sync/atomic"
)

// Ring is a fixed-capacity SPSC ring buffer of T. One producer calls Push/
// TryPush; one consumer calls TryPop. Both may be called concurrently
// with each other (never two producers or two consumers at once).
type Ring[T any] struct {
	cells []T
	mask  uint64 // capacity

	ipos uint64 // next slot the producer will write (monotonic)
	rpos uint64 // next slot the consumer will read (monotonic)
}

// New returns a Ring with the given fixed capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Ring[T]{
		cells: make([]T, capacity),
		mask:  uint64(capacity),
	}
}

// Cap returns the ring's fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.cells)
}

// Len returns the number of items currently queued.
func (r *Ring[T]) Len() int {
	return int(atomic.LoadUint64(&r.ipos) - atomic.LoadUint64(&r.rpos))
}

// TryPush inserts v without blocking. Returns false if the ring is full.
func (r *Ring[T]) TryPush(v T) bool {
	ipos := r.ipos
	if ipos-atomic.LoadUint64(&r.rpos) >= r.mask {
		return false
	}
	r.cells[ipos%r.mask] = v
	atomic.StoreUint64(&r.ipos, ipos+1)
	return true
}

// Push inserts v, busy-waiting (yielding the processor) while the ring is
// full.
func (r *Ring[T]) Push(v T) {
	for !r.TryPush(v) {
		runtime.Gosched()
	}
}

// TryPop removes the oldest item. Returns the zero value and false if the
// ring is empty.
func (r *Ring[T]) TryPop() (v T, ok bool) {
	rpos := r.rpos
	if atomic.LoadUint64(&r.ipos) == rpos {
		return v, false
	}
	v = r.cells[rpos%r.mask]
	atomic.StoreUint64(&r.rpos, rpos+1)
	return v, true
}
