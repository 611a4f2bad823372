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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/pgasrt/cq"
	"github.com/cloudwego/pgasrt/group"
	"github.com/cloudwego/pgasrt/pgasproc"
	"github.com/cloudwego/pgasrt/redux"
	"github.com/cloudwego/pgasrt/sn"
	"github.com/cloudwego/pgasrt/vdev"
)

// GroupMax bounds how many live groups (GROUP_ALL included) a Runtime
// supports, fixing the arena's per-rank slot count.
const GroupMax = 32

// Runtime is one rank's bound-together collective engine: process
// context, virtual transport, control plane, and group table.
type Runtime struct {
	proc   *pgasproc.Proc
	engine *vdev.Engine
	sn     *sn.Server

	groups *group.Context
	arena  *arena
	collCQ *cq.CQ

	mu         sync.Mutex
	transports map[int]*groupTransport // group id -> bound transport
}

func snAddr(cfg pgasproc.Config, h pgasproc.HostPort) string {
	return fmt.Sprintf(":%d", cfg.SNPort+int(h.PortOff))
}

func tcpDevAddr(cfg pgasproc.Config, h pgasproc.HostPort) string {
	return fmt.Sprintf(":%d", cfg.TCPDevPort+int(h.PortOff))
}

// NewRuntime builds one rank's runtime: binds the SN server and transport
// listener, starts both loops, and fast-path-creates GROUP_ALL.
func NewRuntime(ctx context.Context, rank, tnc int, hosts []pgasproc.HostPort, cfg pgasproc.Config) (*Runtime, error) {
	proc := pgasproc.New(rank, tnc, hosts, cfg)

	eng, err := vdev.New(rank)
	if err != nil {
		return nil, err
	}
	if err := eng.Listen(tcpDevAddr(cfg, hosts[rank])); err != nil {
		return nil, err
	}

	ar := newArena(group.StagingSize(tnc), GroupMax)
	eng.RegisterSegment(ar)

	collCQ, err := cq.New(pgasproc.CollQueue, cfg.CQCapacity, false)
	if err != nil {
		return nil, err
	}
	eng.RegisterCQ(collQHandle, collCQ)

	rt := &Runtime{
		proc:       proc,
		engine:     eng,
		groups:     group.NewContext(proc),
		arena:      ar,
		collCQ:     collCQ,
		transports: make(map[int]*groupTransport),
	}

	srv, err := sn.NewServer(proc, snAddr(cfg, hosts[rank]), rt.handleSN)
	if err != nil {
		return nil, err
	}
	rt.sn = srv

	srv.Serve(ctx)
	eng.Start(ctx)

	rt.bindTransport(group.GroupAll)
	return rt, nil
}

// collQHandle is the CQ handle reserved for collective completions. It
// must not equal wire.CQHandleNone, which the engine treats as "no CQ,
// skip posting a completion" — using that value here would make every
// collective write block forever waiting on a completion that never comes.
const collQHandle = 1

// bindTransport allocates (or returns the already-bound) groupTransport
// for a committed group, carving its slice out of the shared arena.
func (rt *Runtime) bindTransport(id int) *groupTransport {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if t, ok := rt.transports[id]; ok {
		return t
	}
	t := newGroupTransport(rt.proc, rt.engine, rt.collCQ, collQHandle, rt.arena.slice(id), rt.arena.base(id))
	rt.transports[id] = t
	return t
}

func (rt *Runtime) transportFor(id int) (*groupTransport, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t, ok := rt.transports[id]
	return t, ok
}

func (rt *Runtime) unbindTransport(id int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.transports, id)
}

// --- group lifecycle ---

// GroupCreate reserves a new, empty, uncommitted group and returns its id.
func (rt *Runtime) GroupCreate() (int, Status) {
	if rt.proc.GroupCount() >= GroupMax {
		return -1, StatusErrManyGrp
	}
	g := rt.groups.Create()
	return g.ID(), StatusSuccess
}

// GroupAdd appends rank to group id's membership.
func (rt *Runtime) GroupAdd(id, rank int) Status {
	g, err := rt.groups.Get(id)
	if err != nil {
		return StatusErrInvGroup
	}
	if rank < 0 || rank >= rt.proc.TNC {
		return StatusErrInvRank
	}
	g.Add(rank)
	return StatusSuccess
}

// GroupCommit finalizes id's membership and performs the GRP_CHECK/
// GRP_CONNECT handshake with every other member.
func (rt *Runtime) GroupCommit(id int, timeoutMs int) Status {
	g, err := rt.groups.Get(id)
	if err != nil {
		return StatusErrInvGroup
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond
	err = g.Commit(rt.proc.Rank, rt.proc.TNC, timeout, func(peer int) error {
		return rt.commitHandshake(g, peer, timeout)
	})
	if err != nil {
		return statusFromErr(err)
	}
	rt.bindTransport(id)
	return StatusSuccess
}

// commitHandshake ensures a transport endpoint to peer exists, then runs
// GRP_CHECK (retried on the sn.GrpCheckBackoff cadence until checksums
// agree) followed by a GRP_CONNECT liveness round trip. Unlike real RDMA
// connection setup there is no rkey/address to exchange: every member
// computes its group's staging layout identically from (group size), so
// GRP_CONNECT here only confirms the peer is ready, not where to write.
func (rt *Runtime) commitHandshake(g *group.Group, peer int, timeout time.Duration) error {
	if rt.proc.EndpointStatus(peer) == pgasproc.EndpointDisconnected {
		if err := rt.engine.Connect(peer, tcpDevAddr(rt.proc.Cfg, rt.proc.Host(peer))); err != nil {
			return err
		}
		rt.proc.SetEndpointStatus(peer, pgasproc.EndpointConnected)
	}

	client := sn.NewClient(snAddr(rt.proc.Cfg, rt.proc.Host(peer)))
	checksum := groupChecksum(g.Ranks())
	deadline := time.Now().Add(timeout)

	ok, err := sn.GrpCheck(client, uint32(g.ID()), uint32(g.Size()), checksum, deadline)
	if !ok {
		if err != nil {
			return err
		}
		return group.ErrTimeout
	}

	hdr := sn.Header{Op: sn.OpGrpConnect, Rank: uint32(rt.proc.Rank), TNC: uint32(rt.proc.TNC)}
	if _, _, err := client.Command(hdr, nil, timeout); err != nil {
		return err
	}
	return nil
}

// handleSN answers one control-plane request. GRP_CHECK and GRP_CONNECT
// are the two ops GroupCommit's handshake actually drives; the rest are
// accepted and acknowledged so a peer's short-lived connection completes
// cleanly, but carry no further bootstrap logic here (topology and
// connection establishment are handled out of band by the caller that
// constructs the hosts table NewRuntime is given).
func (rt *Runtime) handleSN(ctx context.Context, hdr sn.Header, body []byte) (sn.Header, []byte) {
	switch hdr.Op {
	case sn.OpGrpCheck:
		var req sn.GrpCheckBody
		req.UnmarshalBinary(body)

		reply := sn.GrpCheckBody{Group: req.Group, TNC: req.TNC, Ret: -1}
		g, err := rt.groups.Get(int(req.Group))
		if err == nil {
			want := groupChecksum(g.Ranks())
			if want == req.Checksum {
				reply.Checksum = req.Checksum
				reply.Ret = 0
			}
		}
		out := make([]byte, sn.GrpCheckBodyLen)
		reply.Put(out)
		return sn.Header{Op: sn.OpGrpCheck}, out

	case sn.OpGrpConnect:
		peer := int(hdr.Rank)
		if rt.proc.EndpointStatus(peer) == pgasproc.EndpointDisconnected {
			rt.proc.SetEndpointStatus(peer, pgasproc.EndpointConnected)
		}
		return sn.Header{Op: sn.OpGrpConnect, Ret: 0}, nil

	case sn.OpProcPing:
		return sn.Header{Op: sn.OpProcPing, Ret: 0}, nil

	default:
		return sn.Header{Op: hdr.Op, Ret: 0}, nil
	}
}

func groupChecksum(ranks []int) uint32 {
	var sum uint32
	for _, r := range ranks {
		sum ^= uint32(r)
	}
	return sum
}

// GroupDelete tears down group id (forbidden on GROUP_ALL).
func (rt *Runtime) GroupDelete(id int) Status {
	if err := rt.groups.Delete(id); err != nil {
		return statusFromErr(err)
	}
	rt.unbindTransport(id)
	return StatusSuccess
}

// GroupNum returns the number of live groups.
func (rt *Runtime) GroupNum() int { return rt.proc.GroupCount() }

// GroupMaxGroups returns the fixed group-table capacity.
func (rt *Runtime) GroupMaxGroups() int { return GroupMax }

// GroupSize returns the member count of group id.
func (rt *Runtime) GroupSize(id int) (int, Status) {
	g, err := rt.groups.Get(id)
	if err != nil {
		return 0, StatusErrInvGroup
	}
	return g.Size(), StatusSuccess
}

// GroupRanks returns group id's sorted, duplicate-free member list.
func (rt *Runtime) GroupRanks(id int) ([]int, Status) {
	g, err := rt.groups.Get(id)
	if err != nil {
		return nil, StatusErrInvGroup
	}
	return g.Ranks(), StatusSuccess
}

// --- collectives ---

// Barrier runs a dissemination barrier over group id's members.
func (rt *Runtime) Barrier(id int, timeoutMs int) Status {
	g, err := rt.groups.Get(id)
	if err != nil {
		return StatusErrInvGroup
	}
	t, ok := rt.transportFor(id)
	if !ok {
		return StatusErrInvGroup
	}
	return statusFromErr(g.Barrier(t, timeoutMs))
}

// AllreduceElemMax is the largest element count a single Allreduce call
// may request for the smallest supported element size (4 bytes).
func AllreduceElemMax() int { return AllreduceBufSize() / 4 }

// AllreduceBufSize is the fixed width, in bytes, of one allreduce call's
// staging buffer: element_count*element_size must not exceed this.
func AllreduceBufSize() int { return group.ReduxBufSize }

// AllreduceBufSize is the Runtime-scoped accessor alongside the other
// group/collective methods; it returns the same fixed width as the
// package-level function of the same name.
func (rt *Runtime) AllreduceBufSize() int { return AllreduceBufSize() }

// AllreduceElemMax is the Runtime-scoped accessor alongside AllreduceBufSize.
func (rt *Runtime) AllreduceElemMax() int { return AllreduceElemMax() }

// Allreduce runs a built-in-operator allreduce (SUM/MIN/MAX over one of
// the six supported element types) over group id's members.
func (rt *Runtime) Allreduce(id int, send, recv []byte, elemCount int, op redux.Op, typ redux.Type, timeoutMs int) Status {
	elemSize := redux.ElemSize(typ)
	if elemCount <= 0 || elemCount*elemSize > AllreduceBufSize() {
		return StatusErrInvNum
	}
	g, err := rt.groups.Get(id)
	if err != nil {
		return StatusErrInvGroup
	}
	t, ok := rt.transportFor(id)
	if !ok {
		return StatusErrInvGroup
	}
	reduceFn := redux.Lookup(op, typ)
	fn := func(out, a, b []byte) { reduceFn(typ, out, a, b, elemCount) }
	return statusFromErr(g.Allreduce(t, send, recv, elemCount, elemSize, fn, timeoutMs))
}

// AllreduceUser runs an allreduce with a caller-supplied associative
// reduction function and opaque state instead of a built-in operator.
func (rt *Runtime) AllreduceUser(ctx context.Context, id int, send, recv []byte, elemCount, elemSize int, uf redux.UserFunc, state interface{}, timeoutMs int) Status {
	if elemCount <= 0 || elemSize <= 0 || elemCount*elemSize > AllreduceBufSize() {
		return StatusErrInvNum
	}
	g, err := rt.groups.Get(id)
	if err != nil {
		return StatusErrInvGroup
	}
	t, ok := rt.transportFor(id)
	if !ok {
		return StatusErrInvGroup
	}

	adapted := redux.AsFunc(ctx, uf, state, elemSize)
	var userErr error
	fn := func(out, a, b []byte) {
		if userErr != nil {
			return
		}
		userErr = adapted(out, a, b, elemCount)
	}
	if err := g.Allreduce(t, send, recv, elemCount, elemSize, fn, timeoutMs); err != nil {
		return statusFromErr(err)
	}
	if userErr != nil {
		return StatusError
	}
	return StatusSuccess
}
