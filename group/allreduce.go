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
	"errors"
	"time"
)

// ErrBufferTooLarge is returned when elemCount*elemSize exceeds
// ReduxBufSize, the fixed stage-buffer width.
var ErrBufferTooLarge = errors.New("group: allreduce buffer exceeds ReduxBufSize")

// ReduceFunc combines the dsize-byte buffers a and b into out, one full
// allreduce payload at a time. Callers adapt a package redux operator (or
// a user-defined function) by closing over the element count/size:
//
//	fn := func(out, a, b []byte) { redux.Lookup(op, typ)(typ, out, a, b, elemCount) }
type ReduceFunc func(out, a, b []byte)

// Allreduce runs (or resumes) a Rabenseifner allreduce over g's members.
// level==0 marks a fresh call; nonzero resumes the checkpoint a prior
// TIMEOUT left behind.
func (g *Group) Allreduce(t Transport, sendBuf, recvBuf []byte, elemCount, elemSize int, fn ReduceFunc, timeoutMs int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.committed {
		return ErrNotCommitted
	}
	dsize := elemCount * elemSize
	if dsize > ReduxBufSize {
		return ErrBufferTooLarge
	}
	if g.coll != collNone && g.coll != collAllreduce {
		return ErrNotCommitted
	}
	g.coll = collAllreduce
	g.dsize = dsize

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	local := t.Local()
	tnc := len(g.ranks)
	rest := tnc - g.nextPof2

	if g.level == 0 {
		g.barrierCnt++
		if g.barrierCnt == 0 {
			g.barrierCnt = 1
		}
		copy(local[g.layout.sendStageAddr(g.togle):], sendBuf[:dsize])
		g.level = 1
	}

	if g.level == 1 {
		if err := g.reduceToPof2(t, local, rest, fn, deadline); err != nil {
			return err
		}
		g.level = 2
	}

	if g.level == 2 {
		if g.tmprank != -1 {
			if err := g.recursiveHalving(t, local, fn, deadline); err != nil {
				return err
			}
		}
		g.level = 3
	}

	if g.level == 3 {
		if err := g.redistribute(t, local, rest, deadline); err != nil {
			return err
		}
	}

	// Ranks that dropped out of the butterfly in reduceToPof2 (even ranks
	// below 2*rest) never accumulate the sum in their own send-staging
	// buffer; redistribute delivers it into their recv-stage slot
	// instead. Every other rank's butterfly participation already left
	// the full reduced value in its own send-staging buffer.
	if g.rankInGrp < 2*rest && g.rankInGrp%2 == 0 {
		copy(recvBuf[:dsize], local[g.layout.recvStageAddr(g.bid, g.togle):])
	} else {
		copy(recvBuf[:dsize], local[g.layout.sendStageAddr(g.togle):])
	}

	g.togle ^= 1
	g.coll = collNone
	g.level = 0
	g.tmprank = 0
	g.bid = 0
	g.lastmask = 1
	return nil
}

// reduceToPof2 implements level 1: ranks below 2*rest pair up so the
// remaining next_pof2 ranks can run a clean power-of-two butterfly.
func (g *Group) reduceToPof2(t Transport, local []byte, rest int, fn ReduceFunc, deadline time.Time) error {
	r := g.rankInGrp
	if r >= 2*rest {
		g.tmprank = r - rest
		if rest != 0 {
			g.bid = 1
		}
		return nil
	}

	sendAddr := g.layout.sendStageAddr(g.togle)
	if r%2 == 0 {
		partner := g.ranks[r+1]
		stageOff := g.layout.recvStageAddr(g.bid, g.togle)
		if err := t.WriteTo(partner, stageOff, local[sendAddr:sendAddr+g.dsize], deadline); err != nil {
			t.MarkCorrupt(partner)
			return err
		}
		syncOff := g.layout.remoteSyncAddr(r, g.togle)
		if err := t.WriteTo(partner, syncOff, []byte{g.barrierCnt}, deadline); err != nil {
			t.MarkCorrupt(partner)
			return err
		}
		g.tmprank = -1
		g.bid = 1
		return nil
	}

	// odd: wait for the even partner's contribution, then reduce into
	// this rank's own next-stage send buffer.
	src := r - 1
	if !waitByte(local, g.layout.syncPollAddr(src, g.togle), g.barrierCnt, deadline) {
		g.level = 1
		return ErrTimeout
	}
	recvAddr := g.layout.recvStageAddr(g.bid, g.togle)
	fn(local[sendAddr:sendAddr+g.dsize], local[sendAddr:sendAddr+g.dsize], local[recvAddr:recvAddr+g.dsize])
	g.tmprank = r >> 1
	g.bid = 1
	return nil
}

// recursiveHalving implements level 2's butterfly over tmprank in
// [0, next_pof2).
func (g *Group) recursiveHalving(t Transport, local []byte, fn ReduceFunc, deadline time.Time) error {
	mask := 1
	if g.lastmask&resumeAtPoll != 0 {
		mask = int(g.lastmask &^ resumeAtPoll)
	} else if g.lastmask > 1 {
		mask = int(g.lastmask)
	}
	resumeAtPollOnly := g.lastmask&resumeAtPoll != 0

	rest := len(g.ranks) - g.nextPof2
	for ; mask < g.nextPof2; mask <<= 1 {
		tmpdst := g.tmprank ^ mask
		var idst int
		if tmpdst < rest {
			idst = 2*tmpdst + 1
		} else {
			idst = tmpdst + rest
		}

		sendAddr := g.layout.sendStageAddr(g.togle)
		if !resumeAtPollOnly {
			peer := g.ranks[idst]
			off := g.layout.recvStageAddr(g.bid, g.togle)
			if err := t.WriteTo(peer, off, local[sendAddr:sendAddr+g.dsize], deadline); err != nil {
				t.MarkCorrupt(peer)
				return err
			}
			syncOff := g.layout.remoteSyncAddr(g.rankInGrp, g.togle)
			syncByte := g.barrierCnt
			if err := t.WriteTo(peer, syncOff, []byte{syncByte}, deadline); err != nil {
				t.MarkCorrupt(peer)
				return err
			}
		}
		resumeAtPollOnly = false

		if !waitByte(local, g.layout.syncPollAddr(idst, g.togle), g.barrierCnt, deadline) {
			g.lastmask = uint32(mask) | resumeAtPoll
			return ErrTimeout
		}

		recvAddr := g.layout.recvStageAddr(g.bid, g.togle)
		fn(local[sendAddr:sendAddr+g.dsize], local[sendAddr:sendAddr+g.dsize], local[recvAddr:recvAddr+g.dsize])
		g.bid++
	}
	g.lastmask = 1
	return nil
}

// redistribute implements level 3: odd ranks below 2*rest push the final
// reduced value to their even pair.
func (g *Group) redistribute(t Transport, local []byte, rest int, deadline time.Time) error {
	r := g.rankInGrp
	if r >= 2*rest {
		return nil
	}

	sendAddr := g.layout.sendStageAddr(g.togle)
	if r%2 == 1 {
		// This rank ran the full butterfly in recursiveHalving, so
		// g.bid already sits at its post-butterfly value; push the
		// final sum to the even partner that sat the butterfly out.
		peer := g.ranks[r-1]
		off := g.layout.recvStageAddr(g.bid, g.togle)
		if err := t.WriteTo(peer, off, local[sendAddr:sendAddr+g.dsize], deadline); err != nil {
			t.MarkCorrupt(peer)
			return err
		}
		syncOff := g.layout.remoteSyncAddr(r, g.togle)
		if err := t.WriteTo(peer, syncOff, []byte{g.barrierCnt}, deadline); err != nil {
			t.MarkCorrupt(peer)
			return err
		}
		return nil
	}

	if !waitByte(local, g.layout.syncPollAddr(r+1, g.togle), g.barrierCnt, deadline) {
		return ErrTimeout
	}
	// This rank never entered the butterfly, so its bid is still the
	// post-reduceToPof2 value (1); advance it by pof2Exp rounds to line
	// up with the odd partner's post-butterfly bid before reading the
	// partner's write out of the recv stage.
	g.bid += g.pof2Exp
	return nil
}
