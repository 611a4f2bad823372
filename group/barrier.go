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

import "time"

const resumeAtPoll = uint32(0x80000000)

// Barrier runs (or resumes) a dissemination barrier over g's members.
// lastmask==1 marks a fresh call; any other value (set by a prior
// TIMEOUT) resumes from the round it left off at.
func (g *Group) Barrier(t Transport, timeoutMs int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.committed {
		return ErrNotCommitted
	}
	if g.coll != collNone && g.coll != collBarrier {
		return ErrNotCommitted
	}
	g.coll = collBarrier

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	local := t.Local()

	resumeAtPollOnly := g.lastmask&resumeAtPoll != 0
	mask := int(g.lastmask &^ resumeAtPoll)

	if mask == 1 && !resumeAtPollOnly {
		g.barrierCnt++
		if g.barrierCnt == 0 {
			g.barrierCnt = 1
		}
		local[g.layout.localSyncAddr(g.rankInGrp, g.togle)] = g.barrierCnt
	}

	tnc := len(g.ranks)
	for ; mask < tnc; mask <<= 1 {
		dst := (g.rankInGrp + mask) % tnc
		src := ((g.rankInGrp-mask)%tnc + tnc) % tnc

		if !resumeAtPollOnly {
			if !g.committedRank[g.ranks[dst]] {
				return ErrNotCommitted
			}
			syncByte := local[g.layout.localSyncAddr(g.rankInGrp, g.togle)]
			off := g.layout.remoteSyncAddr(g.rankInGrp, g.togle)
			if err := t.WriteTo(g.ranks[dst], off, []byte{syncByte}, deadline); err != nil {
				t.MarkCorrupt(g.ranks[dst])
				return err
			}
		}
		resumeAtPollOnly = false

		if !waitByte(local, g.layout.syncPollAddr(src, g.togle), g.barrierCnt, deadline) {
			g.lastmask = uint32(mask) | resumeAtPoll
			return ErrTimeout
		}
	}

	g.togle ^= 1
	g.coll = collNone
	g.lastmask = 1
	return nil
}
