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

package group

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport simulates tnc ranks sharing a process: WriteTo copies
// directly into the addressed peer's buffer instead of going over a
// socket, letting the collective state machine be exercised without the
// vdev engine.
type fakeTransport struct {
	rank int
	bufs [][]byte
}

func newFakeFleet(tnc int) []*fakeTransport {
	bufs := make([][]byte, tnc)
	l := newLayout(tnc)
	for i := range bufs {
		bufs[i] = make([]byte, l.NextOffset())
	}
	fleet := make([]*fakeTransport, tnc)
	for i := range fleet {
		fleet[i] = &fakeTransport{rank: i, bufs: bufs}
	}
	return fleet
}

func (f *fakeTransport) WriteTo(peer int, off int, buf []byte, deadline time.Time) error {
	copy(f.bufs[peer][off:], buf)
	return nil
}

func (f *fakeTransport) Local() []byte { return f.bufs[f.rank] }

func (f *fakeTransport) MarkCorrupt(peer int) {}

func newTestGroup(tnc, rankInGrp int) *Group {
	ranks := make([]int, tnc)
	for i := range ranks {
		ranks[i] = i
	}
	g := &Group{
		ranks:         ranks,
		committed:     true,
		rankInGrp:     rankInGrp,
		committedRank: make([]bool, tnc),
		lastmask:      1,
		layout:        newLayout(tnc),
	}
	for i := range g.committedRank {
		g.committedRank[i] = true
	}
	computePof2(g, rankInGrp)
	return g
}

func TestBarrierAllRanksRendezvous(t *testing.T) {
	const tnc = 4
	fleet := newFakeFleet(tnc)

	var wg sync.WaitGroup
	errs := make([]error, tnc)
	for r := 0; r < tnc; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			g := newTestGroup(tnc, r)
			errs[r] = g.Barrier(fleet[r], 2000)
		}(r)
	}
	wg.Wait()

	for r, err := range errs {
		assert.NoErrorf(t, err, "rank %d barrier failed", r)
	}
}

func enc32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func dec32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

func sumI32Reduce(out, a, b []byte) {
	binary.LittleEndian.PutUint32(out, uint32(dec32(a)+dec32(b)))
}

func TestAllreduceSumAcrossRanks(t *testing.T) {
	const tnc = 4
	fleet := newFakeFleet(tnc)

	var wg sync.WaitGroup
	results := make([]int32, tnc)
	errs := make([]error, tnc)
	for r := 0; r < tnc; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			g := newTestGroup(tnc, r)
			send := enc32(int32(r + 1)) // ranks contribute 1,2,3,4
			recv := make([]byte, 4)
			errs[r] = g.Allreduce(fleet[r], send, recv, 1, 4, sumI32Reduce, 2000)
			results[r] = dec32(recv)
		}(r)
	}
	wg.Wait()

	for r, err := range errs {
		require.NoErrorf(t, err, "rank %d allreduce failed", r)
	}
	for r, got := range results {
		assert.EqualValues(t, 10, got, "rank %d did not observe the full sum", r)
	}
}

// TestAllreduceSumNonPowerOfTwo exercises the reduceToPof2/redistribute
// pairing branch (rest != 0), which a tnc==4 run never touches since
// 2*rest==0 for a group that is already a power of two.
func TestAllreduceSumNonPowerOfTwo(t *testing.T) {
	const tnc = 6 // next_pof2=4, rest=2: ranks 0-3 pair up, ranks 4-5 run the pof2 butterfly directly
	fleet := newFakeFleet(tnc)

	var wg sync.WaitGroup
	results := make([]int32, tnc)
	errs := make([]error, tnc)
	for r := 0; r < tnc; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			g := newTestGroup(tnc, r)
			send := enc32(int32(r + 1)) // ranks contribute 1..6, sum == 21
			recv := make([]byte, 4)
			errs[r] = g.Allreduce(fleet[r], send, recv, 1, 4, sumI32Reduce, 2000)
			results[r] = dec32(recv)
		}(r)
	}
	wg.Wait()

	for r, err := range errs {
		require.NoErrorf(t, err, "rank %d allreduce failed", r)
	}
	for r, got := range results {
		assert.EqualValues(t, 21, got, "rank %d did not observe the full sum", r)
	}
}
