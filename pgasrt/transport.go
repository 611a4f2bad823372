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

package pgasrt

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/cloudwego/pgasrt/cq"
	"github.com/cloudwego/pgasrt/pgasproc"
	"github.com/cloudwego/pgasrt/vdev"
	"github.com/cloudwego/pgasrt/wire"
)

// arena is this rank's single registered segment: one contiguous buffer
// carved into GroupMax fixed-size slices, one per live group id, the way
// the transport engine only ever addresses a single per-rank segment
// (vdev.Engine indexes RDMA targets by the local rank alone, never by a
// per-group key).
type arena struct {
	buf      []byte
	perGroup int
}

func (a *arena) Bytes() []byte { return a.buf }

func newArena(perGroup, groups int) *arena {
	return &arena{buf: make([]byte, perGroup*groups), perGroup: perGroup}
}

// base returns the arena-wide byte offset groupID's slice starts at —
// the value a groupTransport must add back to every offset group/mem.go
// computes before it reaches the wire, since the engine addresses the
// whole arena, not a group's slice of it.
func (a *arena) base(groupID int) int { return groupID * a.perGroup }

// slice returns the byte range reserved for groupID, panicking if groupID
// is outside [0, groups) the arena was sized for.
func (a *arena) slice(groupID int) []byte {
	off := a.base(groupID)
	return a.buf[off : off+a.perGroup]
}

// groupTransport adapts one group's slice of the shared arena plus the
// transport engine into the group.Transport interface the collective
// engine drives. A fresh groupTransport is bound per Group at commit time.
//
// Every peer's arena is sliced identically (same groupID, same perGroup
// width), so base is the same arithmetic on both ends: the offsets
// group/mem.go computes are relative to a group's own slice, but the
// engine always writes into the whole registered arena (vdev.Engine has
// exactly one Segment per rank), so base must be added back in before a
// write ever reaches the wire.
type groupTransport struct {
	proc   *pgasproc.Proc
	engine *vdev.Engine
	cq     *cq.CQ
	handle uint32

	local []byte
	base  int

	wrID uint64 // atomic counter, unique per outstanding RDMA write
}

var errWriteTimeout = errors.New("pgasrt: transport write timed out")
var errWriteFailed = errors.New("pgasrt: transport write failed")

func newGroupTransport(proc *pgasproc.Proc, engine *vdev.Engine, q *cq.CQ, handle uint32, local []byte, base int) *groupTransport {
	return &groupTransport{proc: proc, engine: engine, cq: q, handle: handle, local: local, base: base}
}

// WriteTo posts a one-sided RDMA write of buf into peer's arena slice at
// byte offset off (relative to this group's own slice of the arena, the
// same slice the peer's Local() addresses), then blocks on the
// collective CQ for the matching completion, mirroring
// pgaspi_dev_post_group_write's blocking contract.
func (t *groupTransport) WriteTo(peer int, off int, buf []byte, deadline time.Time) error {
	if peer != t.proc.Rank && t.proc.EndpointStatus(peer) == pgasproc.EndpointDisconnected {
		if err := t.engine.Connect(peer, tcpDevAddr(t.proc.Cfg, t.proc.Host(peer))); err != nil {
			return err
		}
		t.proc.SetEndpointStatus(peer, pgasproc.EndpointConnected)
	}
	id := atomic.AddUint64(&t.wrID, 1)
	op := wire.OpPostRDMAWrite
	if len(buf) <= 256 {
		op = wire.OpPostRDMAWriteInlined
	}
	wr := wire.WR{
		WRID:       id,
		CQHandle:   t.handle,
		Opcode:     op,
		Source:     uint32(t.proc.Rank),
		Target:     uint32(peer),
		RemoteAddr: uint64(t.base + off),
		Length:     uint32(len(buf)),
	}
	t.engine.Submit(wr, buf)

	for {
		if wc, ok := t.cq.Poll(); ok {
			if wc.WRID != id {
				// A completion for another write id is skipped. Every
				// cross-rank write yields two completions: one when the
				// request has been written to the socket (which ends that
				// write's WriteTo) and a later one when the peer's
				// NOTIFICATION_RDMA_WRITE reply arrives.
				continue
			}
			if wc.Status != wire.StatusSuccess {
				return errWriteFailed
			}
			return nil
		}
		if time.Now().After(deadline) {
			return errWriteTimeout
		}
		time.Sleep(time.Microsecond * 50)
	}
}

func (t *groupTransport) Local() []byte { return t.local }

func (t *groupTransport) MarkCorrupt(peer int) {
	t.proc.MarkCorrupt(pgasproc.CollQueue, peer)
}
