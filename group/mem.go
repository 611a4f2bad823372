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

// Package group implements the collective engine: group lifecycle,
// dissemination barrier, and Rabenseifner allreduce, all driven off a
// small staging segment each rank registers with the transport.
package group

// ReduxBufSize bounds one stage buffer's width: element_count*element_size
// for a single allreduce call must fit within it.
const ReduxBufSize = 1 << 16

// ToggleSize is the width of one sync byte slot; the layout reserves one
// byte per peer per toggle generation, matching the original's
// double-buffered sync region.
const ToggleSize = 1

// numStages bounds the butterfly stage count the redistribute phase
// indexes into (bid ranges 0..numStages-1 across a call).
const numStages = 32

// layout describes one group's staging buffer, a single contiguous
// private segment of NextOffset bytes registered with the transport:
//
//	[0, syncRegion)                     sync bytes, tnc*ToggleSize*2 (two toggles)
//	[syncRegion, collSend)              COLL_MEM_SEND: per-toggle per-op-type stage
//	[collSend, collRecv)                COLL_MEM_RECV: butterfly stage buffers
type layout struct {
	tnc int

	syncOff  int
	sendOff  int
	recvOff  int
	nextOff  int
}

func newLayout(tnc int) layout {
	syncOff := 0
	syncLen := tnc * ToggleSize * 2
	sendOff := syncOff + syncLen
	sendLen := 2 * 3 * ReduxBufSize // 2 toggles * {MIN,MAX,SUM} slots, generous upper bound
	recvOff := sendOff + sendLen
	recvLen := numStages * 2 * ReduxBufSize // numStages * 2 toggles
	nextOff := recvOff + recvLen
	return layout{tnc: tnc, syncOff: syncOff, sendOff: sendOff, recvOff: recvOff, nextOff: nextOff}
}

// NextOffset is the total staging segment size this group's layout needs.
func (l layout) NextOffset() int { return l.nextOff }

// StagingSize returns the byte width a group's private segment must have
// for tnc members, the size a caller registering a Transport's Segment
// for a not-yet-committed group must pre-allocate.
func StagingSize(tnc int) int { return newLayout(tnc).NextOffset() }

// localSyncAddr is this rank's own sync byte for the given toggle —
// written locally, then pushed to a peer's remoteSyncAddr slot.
func (l layout) localSyncAddr(selfRank, togle int) int {
	return l.syncOff + l.tnc*togle + selfRank
}

// remoteSyncAddr is the offset, within the *peer's* segment, that our
// sync byte must be written to.
func (l layout) remoteSyncAddr(selfRank, togle int) int {
	return l.syncOff + l.tnc*togle + selfRank
}

// syncPollAddr is the offset, within our *own* segment, that carries the
// sync byte written by src once its round completes.
func (l layout) syncPollAddr(srcRank, togle int) int {
	return l.syncOff + l.tnc*togle + srcRank
}

// sendStageAddr is this rank's send-staging slot for the given toggle.
func (l layout) sendStageAddr(togle int) int {
	return l.sendOff + togle*3*ReduxBufSize
}

// recvStageAddr is the butterfly stage buffer for round bid, toggle togle.
func (l layout) recvStageAddr(bid, togle int) int {
	return l.recvOff + (numStages*togle+bid)*ReduxBufSize
}
