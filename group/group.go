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
	"sort"
	"sync"
	"time"

	"github.com/cloudwego/pgasrt/pgasproc"
)

// GroupAll is the fast-path group id containing every rank, created with
// no per-peer control-plane exchange.
const GroupAll = 0

var (
	ErrNotCommitted   = errors.New("group: not committed")
	ErrTooFewRanks    = errors.New("group: needs at least 2 ranks")
	ErrDeleteGroupAll = errors.New("group: GROUP_ALL cannot be deleted")
	ErrUnknownGroup   = errors.New("group: unknown id")
	ErrTimeout        = errors.New("group: operation timed out")
)

// collOp tags which collective, if any, is mid-flight and resumable.
type collOp int

const (
	collNone collOp = iota
	collBarrier
	collAllreduce
)

// Group is one collective group's full state, including every
// resumption checkpoint field a timed-out Barrier/Allreduce call needs
// to pick back up from.
type Group struct {
	id   int
	proc *pgasproc.Proc

	mu sync.Mutex

	ranks     []int // ascending, membership
	committed bool

	rankInGrp int
	nextPof2  int
	pof2Exp   int

	committedRank []bool // indexed by peer rank

	layout layout

	// resumable collective state
	coll       collOp
	togle      int
	barrierCnt uint8
	lastmask   uint32
	level      int
	tmprank    int
	bid        int
	dsize      int
}

// ID returns the group's identifier.
func (g *Group) ID() int { return g.id }

// Ranks returns a copy of the group's member ranks, ascending.
func (g *Group) Ranks() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.ranks...)
}

// Size returns the number of member ranks.
func (g *Group) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ranks)
}

// Context owns the group table for one rank.
type Context struct {
	proc *pgasproc.Proc

	mu     sync.Mutex
	groups map[int]*Group
	nextID int
}

// NewContext constructs a Context with GroupAll pre-created and
// containing every rank [0, proc.TNC).
func NewContext(proc *pgasproc.Proc) *Context {
	c := &Context{proc: proc, groups: make(map[int]*Group), nextID: 1}

	all := &Group{id: GroupAll, proc: proc}
	all.ranks = make([]int, proc.TNC)
	for i := range all.ranks {
		all.ranks[i] = i
	}
	all.committedRank = make([]bool, proc.TNC)
	for i := range all.committedRank {
		all.committedRank[i] = true
	}
	all.committed = true
	all.lastmask = 1
	all.layout = newLayout(proc.TNC)
	computePof2(all, proc.Rank)

	c.groups[GroupAll] = all
	proc.Lock()
	proc.IncGroupCount()
	proc.Unlock()
	return c
}

// Create reserves a new, uncommitted, empty group under the lowest free id.
func (c *Context) Create() *Group {
	c.proc.Lock()
	defer c.proc.Unlock()

	c.mu.Lock()
	id := 1
	for c.groups[id] != nil {
		id++
	}
	g := &Group{
		id:            id,
		proc:          c.proc,
		committedRank: make([]bool, c.proc.TNC),
		lastmask:      1,
	}
	c.groups[id] = g
	c.mu.Unlock()

	c.proc.IncGroupCount()
	return g
}

// Get returns a group by id.
func (c *Context) Get(id int) (*Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[id]
	if !ok {
		return nil, ErrUnknownGroup
	}
	return g, nil
}

// Add appends rank to g's membership unless already present, keeping the
// list sorted ascending.
func (g *Group) Add(rank int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, r := range g.ranks {
		if r == rank {
			return
		}
	}
	g.ranks = append(g.ranks, rank)
	sort.Ints(g.ranks)
}

// Commit finalizes membership: verifies there are enough ranks, computes
// rankInGrp/next_pof2/pof2_exp, and performs GRP_CHECK/GRP_CONNECT with
// every other member via handshake. handshake is called once per peer
// and must block until both GRP_CHECK agreement and GRP_CONNECT finish.
func (g *Group) Commit(selfRank, tnc int, timeout time.Duration, handshake func(peer int) error) error {
	g.mu.Lock()
	if len(g.ranks) < 2 && tnc != 1 {
		g.mu.Unlock()
		return ErrTooFewRanks
	}
	computePof2(g, selfRank)
	g.layout = newLayout(len(g.ranks))
	peers := append([]int(nil), g.ranks...)
	g.mu.Unlock()

	for _, peer := range peers {
		if peer == selfRank {
			continue
		}
		if err := handshake(peer); err != nil {
			return err
		}
		g.mu.Lock()
		g.committedRank[peer] = true
		g.mu.Unlock()
	}

	g.mu.Lock()
	g.committed = true
	g.mu.Unlock()
	return nil
}

// computePof2 fills rankInGrp, nextPof2, and pof2Exp for g, assuming
// g.ranks is already final and sorted. Must be called with g.mu held.
func computePof2(g *Group, selfRank int) {
	g.rankInGrp = -1
	for i, r := range g.ranks {
		if r == selfRank {
			g.rankInGrp = i
			break
		}
	}
	n := len(g.ranks)
	pof2 := 1
	exp := 0
	for pof2*2 <= n {
		pof2 *= 2
		exp++
	}
	g.nextPof2 = pof2
	g.pof2Exp = exp
}

// Delete tears down g; forbidden on GroupAll.
func (c *Context) Delete(id int) error {
	if id == GroupAll {
		return ErrDeleteGroupAll
	}
	c.proc.Lock()
	defer c.proc.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.groups[id]; !ok {
		return ErrUnknownGroup
	}
	delete(c.groups, id)
	c.proc.DecGroupCount()
	return nil
}
