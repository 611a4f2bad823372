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

package vdev

import "container/list"

// peerConn is the engine's per-peer bookkeeping: one socket, split into
// independently-advancing read and write halves, plus the FIFO of work
// still waiting for the write half to go idle.
type peerConn struct {
	fd   int
	rank int

	read  readHalf
	write writeHalf

	// pendingComplete fires once the write half currently in flight fully
	// drains; nil for writes that need no notification (pure data pushes).
	pendingComplete func()

	// delayed holds *pendingSend entries this peer couldn't accept yet
	// because its write half was already busy; the engine re-drains it
	// every time the write half goes idle.
	delayed list.List

	poisoned bool
}

// pendingSend is one piece of outbound work queued behind a busy write
// half.
type pendingSend struct {
	state writeState
	bufs  [][]byte
	// onComplete fires once the engine has fully drained bufs to the
	// peer, from the engine's own goroutine.
	onComplete func()
}

func newPeerConn(fd, rank int) *peerConn {
	c := &peerConn{fd: fd, rank: rank}
	c.read.reset()
	return c
}

// queueOrStart either arms the write half immediately (idle) or appends
// to the delayed FIFO for later draining. It reports whether the write
// half was armed now (the caller must then drive an initial write
// attempt) as opposed to merely queued.
func (c *peerConn) queueOrStart(st writeState, onComplete func(), bufs ...[][]byte) bool {
	flat := make([][]byte, 0, len(bufs))
	for _, group := range bufs {
		flat = append(flat, group...)
	}
	if c.write.idle() {
		c.write.start(st, flat...)
		c.pendingComplete = onComplete
		return true
	}
	c.delayed.PushBack(&pendingSend{state: st, bufs: flat, onComplete: onComplete})
	return false
}

// drainDelayed pops the next queued send, if any, and arms the write
// half with it. Called by the engine once the write half goes idle.
func (c *peerConn) drainDelayed() bool {
	front := c.delayed.Front()
	if front == nil {
		return false
	}
	c.delayed.Remove(front)
	ps := front.Value.(*pendingSend)
	c.write.start(ps.state, ps.bufs...)
	c.pendingComplete = ps.onComplete
	return true
}
