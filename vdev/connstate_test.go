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

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudwego/pgasrt/wire"
)

func TestReadHalfHeaderThenPayload(t *testing.T) {
	var r readHalf
	r.reset()

	assert.False(t, r.advance(wire.HeaderSize-1), "header not yet complete")
	assert.True(t, r.advance(1), "header now complete")

	buf := make([]byte, 16)
	r.enterPayload(readRDMAWritePayload, buf)
	assert.Equal(t, buf, r.target())
	assert.False(t, r.advance(15))
	assert.True(t, r.advance(1))
}

func TestWriteHalfPartialDrain(t *testing.T) {
	var w writeHalf
	a := []byte("hello")
	b := []byte("world!")
	w.start(writeSend, a, b)

	assert.False(t, w.idle())
	assert.False(t, w.advance(3)) // partial into a
	assert.Equal(t, 2, len(w.bufs[0]))

	assert.False(t, w.advance(2)) // finishes a, nothing left of b touched
	assert.Equal(t, 1, len(w.bufs))

	assert.True(t, w.advance(len(b)))
	assert.True(t, w.idle())
}

func TestPeerConnQueuesBehindBusyWriteHalf(t *testing.T) {
	pc := newPeerConn(-1, 1)
	started := pc.queueOrStart(writeSend, nil, [][]byte{[]byte("first")})
	assert.True(t, started)

	queued := pc.queueOrStart(writeSend, nil, [][]byte{[]byte("second")})
	assert.False(t, queued, "write half is busy, second send must queue")

	assert.True(t, pc.write.advance(len("first")))
	assert.True(t, pc.drainDelayed())
	assert.Equal(t, "second", string(pc.write.bufs[0]))
}
