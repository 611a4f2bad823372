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

// Package cq implements the transport's completion queue: a ring.Ring of
// wire.WC records plus an optional wake-pipe so a consumer can block
// waiting for a RECV completion instead of spinning.
package cq

import (
	"os"

	"github.com/cloudwego/pgasrt/ring"
	"github.com/cloudwego/pgasrt/wire"
)

// MaxSize bounds how many elements a single CQ may be created with.
const MaxSize = 1 << 16

// CQ is a completion queue: one producer (the transport engine), one
// consumer (the caller thread that posted the work).
type CQ struct {
	Num  int
	rbuf *ring.Ring[wire.WC]

	wakeR *os.File
	wakeW *os.File
}

// New creates a completion queue of the given capacity. If notify is true,
// a wake-pipe is created and a single byte is written to it whenever a RECV
// completion is posted.
func New(num, capacity int, notify bool) (*CQ, error) {
	if capacity > MaxSize {
		return nil, ErrTooManyElems
	}

	q := &CQ{
		Num:  num,
		rbuf: ring.New[wire.WC](capacity),
	}

	if notify {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		q.wakeR, q.wakeW = r, w
	}

	return q, nil
}

// Close releases the wake-pipe, if any.
func (q *CQ) Close() error {
	if q.wakeW != nil {
		_ = q.wakeW.Close()
	}
	if q.wakeR != nil {
		_ = q.wakeR.Close()
	}
	return nil
}

// WakeFD returns the read end of the wake-pipe, or nil if this CQ has none.
func (q *CQ) WakeFD() *os.File {
	return q.wakeR
}

// Post inserts wc into the ring, busy-waiting while full (same discipline
// as the ring buffer's Push), and pings the wake-pipe for RECV completions.
func (q *CQ) Post(wc wire.WC) error {
	q.rbuf.Push(wc)

	if wc.Opcode == wire.WCRecv && q.wakeW != nil {
		if _, err := q.wakeW.Write([]byte{1}); err != nil {
			return err
		}
	}
	return nil
}

// Poll removes and returns the oldest completion, if any.
func (q *CQ) Poll() (wire.WC, bool) {
	return q.rbuf.TryPop()
}

// Len returns the number of completions currently queued.
func (q *CQ) Len() int {
	return q.rbuf.Len()
}
