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

import "github.com/cloudwego/pgasrt/wire"

// readState is the read half's current phase. A peer socket always
// expects a HeaderSize header first; once the opcode is known, the
// payload phase (if any) is entered.
type readState int

const (
	readHeader readState = iota
	readRDMAWritePayload
	readRDMAReadPayload
	readSendPayload
)

// writeState is the write half's current phase, independently driven: a
// peer's read half and write half advance on unrelated schedules because
// TCP read/write readiness are unrelated events.
type writeState int

const (
	writeIdle writeState = iota
	writeRDMAWrite
	writeRDMARead
	writeSend
)

// readHalf tracks one peer connection's inbound partial I/O.
type readHalf struct {
	state readState
	hdr   [wire.HeaderSize]byte
	wr    wire.WR

	buf  []byte // payload destination, set once the header is parsed
	done int    // bytes already consumed into buf (or hdr, while state==readHeader)
}

// reset returns the read half to expecting a fresh header.
func (r *readHalf) reset() {
	r.state = readHeader
	r.buf = nil
	r.done = 0
}

// advance folds n freshly-read bytes into the half's progress and reports
// whether the current phase (header or payload) is now complete.
func (r *readHalf) advance(n int) (done bool) {
	r.done += n
	switch r.state {
	case readHeader:
		return r.done == wire.HeaderSize
	default:
		return r.done == len(r.buf)
	}
}

// target returns the byte slice the next read() should land in.
func (r *readHalf) target() []byte {
	switch r.state {
	case readHeader:
		return r.hdr[r.done:]
	default:
		return r.buf[r.done:]
	}
}

// enterPayload transitions the read half from a parsed header into the
// payload phase st, with buf as the destination of the payload bytes.
func (r *readHalf) enterPayload(st readState, buf []byte) {
	r.state = st
	r.buf = buf
	r.done = 0
}

// writeHalf tracks one peer connection's outbound partial I/O.
type writeHalf struct {
	state writeState
	bufs  [][]byte // remaining iovecs; consumed in order as write() succeeds
	total int
	sent  int
}

// idle reports whether the write half has nothing in flight.
func (w *writeHalf) idle() bool { return w.state == writeIdle }

// start arms the write half with bufs to drain and records the state tag
// naming the kind of transfer in flight. The completion the engine posts
// once draining finishes takes its opcode from the work request, not
// from this tag.
func (w *writeHalf) start(st writeState, bufs ...[]byte) {
	w.state = st
	w.bufs = bufs
	w.sent = 0
	w.total = 0
	for _, b := range bufs {
		w.total += len(b)
	}
}

// advance folds n freshly-written bytes into the half's progress,
// dropping fully-drained buffers from the front, and reports whether the
// whole write is now complete.
func (w *writeHalf) advance(n int) (done bool) {
	w.sent += n
	for n > 0 && len(w.bufs) > 0 {
		b := w.bufs[0]
		if len(b) <= n {
			n -= len(b)
			w.bufs = w.bufs[1:]
			continue
		}
		w.bufs[0] = b[n:]
		n = 0
	}
	if len(w.bufs) == 0 {
		w.state = writeIdle
		return true
	}
	return false
}
