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

// Package vdev is the virtual transport engine: a single goroutine epoll
// event loop that emulates one-sided RDMA verbs (write, read, atomics,
// send/recv) over plain TCP sockets between peer ranks, plus a same-rank
// self-loop fast path that never touches a socket.
package vdev

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/bytedance/gopkg/lang/mcache"
	"golang.org/x/sys/unix"

	"github.com/cloudwego/gopkg/concurrency/gopool"

	"github.com/cloudwego/pgasrt/cq"
	"github.com/cloudwego/pgasrt/wire"
)

// inlineThreshold is the largest payload the engine copies into a pooled
// mcache buffer before carrying it alongside the header in one write;
// above it the caller's own slice is written directly instead of through
// the pool, to avoid a pooled allocation sized to the full transfer.
const inlineThreshold = 4096

// Segment is the memory a peer's RDMA operations read from or write into.
// The engine never allocates application memory itself; it is handed a
// Segment at registration time and indexes into it by RemoteAddr, which
// here is simply a byte offset rather than a raw pointer.
type Segment interface {
	Bytes() []byte
}

// Engine is one rank's virtual device: it owns exactly one epoll loop and
// must only be driven from the goroutine Start spawns.
type Engine struct {
	rank int
	poll *poller

	ln   *net.TCPListener
	lnFd int

	mu      sync.Mutex
	conns   map[int]*peerConn // rank -> conn, both directions share one
	fdConns map[int]*peerConn // fd -> conn, for epoll dispatch

	cqs map[uint32]*cq.CQ

	segs map[int]Segment // rank -> this rank's registered segment (local only)

	// recvList holds posted-but-unmatched OpPostRecv buffers; NOTIFICATION_SEND
	// matches against it by smallest-fitting entry. pendingSends holds the
	// reverse case: arrived sends with no posted receive yet, re-matched every
	// time a new receive is posted. Both are only ever touched from the
	// engine's own goroutine (submissions and socket events alike), so they
	// need no lock of their own.
	recvList     []pendingRecv
	pendingSends []pendingNotif

	submit chan submission

	stopCh chan struct{}
}

// pendingRecv is one posted OpPostRecv buffer waiting to be matched
// against an incoming send, per TCP_DEV_WC_RECV's smallest-fitting-entry
// rule.
type pendingRecv struct {
	wr  wire.WR
	buf []byte
}

// pendingNotif is an arrived send payload that found no posted receive to
// match yet. It waits here, unacked, until a later OpPostRecv re-drives
// the match; pc is nil for a same-rank self-loop send.
type pendingNotif struct {
	wr      wire.WR
	payload []byte
	pc      *peerConn
}

type submission struct {
	wr      wire.WR
	payload []byte
}

// New creates an engine for the given rank. Listen must be called before
// Start to accept peer connections.
func New(rank int) (*Engine, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &Engine{
		rank:    rank,
		poll:    p,
		conns:   make(map[int]*peerConn),
		fdConns: make(map[int]*peerConn),
		cqs:     make(map[uint32]*cq.CQ),
		segs:    make(map[int]Segment),
		submit:  make(chan submission, 256),
		stopCh:  make(chan struct{}),
	}, nil
}

// Listen binds the engine's TCP accept socket.
func (e *Engine) Listen(addr string) error {
	a, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", a)
	if err != nil {
		return err
	}
	e.ln = ln

	f, err := ln.File()
	if err != nil {
		return err
	}
	e.lnFd = int(f.Fd())
	return e.poll.add(e.lnFd, interestRead)
}

// RegisterCQ attaches a completion queue the engine posts into under
// handle.
func (e *Engine) RegisterCQ(handle uint32, q *cq.CQ) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cqs[handle] = q
}

// RegisterSegment binds this rank's local memory segment; remote peers'
// RDMA operations address into it via WR.RemoteAddr as a byte offset.
func (e *Engine) RegisterSegment(seg Segment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.segs[e.rank] = seg
}

// Connect dials rank at addr and registers the resulting socket.
func (e *Engine) Connect(rank int, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	tc := conn.(*net.TCPConn)
	f, err := tc.File()
	if err != nil {
		return err
	}
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}

	e.mu.Lock()
	pc := newPeerConn(fd, rank)
	e.conns[rank] = pc
	e.fdConns[fd] = pc
	e.mu.Unlock()

	return e.poll.add(fd, interestRead)
}

// Start launches the event loop in a pooled goroutine. It returns
// immediately; call Stop to unwind it.
func (e *Engine) Start(ctx context.Context) {
	gopool.CtxGo(ctx, func() {
		if err := e.loop(); err != nil {
			fmt.Fprintf(os.Stderr, "pgasrt vdev: event loop for rank %d exited: %v\n", e.rank, err)
		}
	})
}

// Stop unwinds the event loop. Safe to call once.
func (e *Engine) Stop() {
	close(e.stopCh)
}

// Submit enqueues an application work request for the engine goroutine to
// process; posting its completion, if any, happens asynchronously.
func (e *Engine) Submit(wr wire.WR, payload []byte) {
	e.submit <- submission{wr: wr, payload: payload}
}

const maxEpollEvents = 64

func (e *Engine) loop() error {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		select {
		case <-e.stopCh:
			return nil
		case s := <-e.submit:
			e.handleSubmission(s)
			continue
		default:
		}

		n, err := e.poll.wait(events, 10)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			e.handleEvent(events[i])
		}
	}
}

func (e *Engine) handleEvent(ev unix.EpollEvent) {
	fd := int(ev.Fd)

	if e.ln != nil && fd == e.lnFd {
		e.acceptOne()
		return
	}

	e.mu.Lock()
	pc, ok := e.fdConns[fd]
	e.mu.Unlock()
	if !ok {
		return
	}

	if ev.Events&uint32(interestErr) != 0 {
		e.failConn(pc)
		return
	}
	if ev.Events&uint32(unix.EPOLLIN) != 0 {
		e.handleReadable(pc)
	}
	if ev.Events&uint32(unix.EPOLLOUT) != 0 {
		e.handleWritable(pc)
	}
}

func (e *Engine) acceptOne() {
	conn, err := e.ln.AcceptTCP()
	if err != nil {
		return
	}
	f, err := conn.File()
	if err != nil {
		return
	}
	fd := int(f.Fd())
	_ = unix.SetNonblock(fd, true)

	// The peer announces its rank in the first header it sends; until
	// then this conn is keyed only by fd.
	pc := newPeerConn(fd, -1)
	e.mu.Lock()
	e.fdConns[fd] = pc
	e.mu.Unlock()
	_ = e.poll.add(fd, interestRead)
}

func (e *Engine) failConn(pc *peerConn) {
	pc.poisoned = true
	e.mu.Lock()
	delete(e.fdConns, pc.fd)
	if pc.rank >= 0 {
		delete(e.conns, pc.rank)
	}
	e.mu.Unlock()
	_ = e.poll.remove(pc.fd)
	_ = unix.Close(pc.fd)
}

// handleSubmission routes a freshly-posted application work request
// either into the self-loop (target==this rank, never touches a socket)
// or onto the target peer's write half / delayed queue.
func (e *Engine) handleSubmission(s submission) {
	if s.wr.Opcode == wire.OpPostRecv {
		e.postRecv(s.wr, s.payload)
		return
	}

	if int(s.wr.Target) == e.rank {
		e.selfLoop(s)
		return
	}

	e.mu.Lock()
	pc := e.conns[int(s.wr.Target)]
	e.mu.Unlock()
	if pc == nil || pc.poisoned {
		e.postCompletion(s.wr, wire.StatusRemOpError)
		return
	}

	e.dispatchSend(pc, s)
}

// selfLoop applies a work request directly against this rank's own
// segment, bypassing the socket entirely when target==self.
func (e *Engine) selfLoop(s submission) {
	e.mu.Lock()
	seg := e.segs[e.rank]
	e.mu.Unlock()

	switch s.wr.Opcode {
	case wire.OpPostRDMAWrite, wire.OpPostRDMAWriteInlined:
		if seg != nil {
			copy(seg.Bytes()[s.wr.RemoteAddr:], s.payload)
		}
		e.postCompletion(s.wr, wire.StatusSuccess)
	case wire.OpPostRDMARead:
		if seg != nil {
			b := seg.Bytes()
			n := uint64(s.wr.Length)
			copy(b[s.wr.LocalAddr:s.wr.LocalAddr+n], b[s.wr.RemoteAddr:s.wr.RemoteAddr+n])
		}
		e.postCompletion(s.wr, wire.StatusSuccess)
	case wire.OpPostSend, wire.OpPostSendInlined:
		e.matchOrQueueRecv(s.wr, s.payload, nil)
		e.postCompletion(s.wr, wire.StatusSuccess)
	default:
		e.postCompletion(s.wr, wire.StatusSuccess)
	}
}

func (e *Engine) postCompletion(wr wire.WR, status wire.Status) {
	if wr.CQHandle == wire.CQHandleNone {
		return
	}
	e.mu.Lock()
	q := e.cqs[wr.CQHandle]
	e.mu.Unlock()
	if q == nil {
		return
	}
	_ = q.Post(wire.WC{WRID: wr.WRID, Status: status, Opcode: wcOpcodeFor(wr.Opcode), Sender: wr.Source})
}

// postRecv handles an application-posted OpPostRecv: append buf to the
// match list under wr, then immediately re-attempt delivery against any
// send that arrived before this receive was posted.
func (e *Engine) postRecv(wr wire.WR, buf []byte) {
	e.recvList = append(e.recvList, pendingRecv{wr: wr, buf: buf})
	e.drainPendingSends()
}

// matchRecv finds the smallest posted receive whose buffer is large
// enough to hold an n-byte send, removes it from recvList, and returns
// it.
func (e *Engine) matchRecv(n uint32) (pendingRecv, bool) {
	best := -1
	for i, r := range e.recvList {
		if r.wr.Length < n {
			continue
		}
		if best == -1 || r.wr.Length < e.recvList[best].wr.Length {
			best = i
		}
	}
	if best == -1 {
		return pendingRecv{}, false
	}
	r := e.recvList[best]
	e.recvList = append(e.recvList[:best], e.recvList[best+1:]...)
	return r, true
}

// completeRecv copies payload into r's buffer and posts the matched
// receive's own completion, crediting sender in the WC.
func (e *Engine) completeRecv(r pendingRecv, sender uint32, payload []byte) {
	copy(r.buf, payload)
	e.mu.Lock()
	q := e.cqs[r.wr.CQHandle]
	e.mu.Unlock()
	if q == nil {
		return
	}
	_ = q.Post(wire.WC{WRID: r.wr.WRID, Status: wire.StatusSuccess, Opcode: wire.WCRecv, Sender: sender})
}

// matchOrQueueRecv handles a just-arrived send's payload: if a posted
// receive fits, deliver it now and ack the sender (pc's OpResponseSend);
// otherwise park it in pendingSends, unacked, until a later OpPostRecv
// re-drives the match rather than pinning pc's read half.
func (e *Engine) matchOrQueueRecv(wr wire.WR, payload []byte, pc *peerConn) {
	if r, ok := e.matchRecv(wr.Length); ok {
		e.completeRecv(r, wr.Source, payload)
		if pc != nil {
			mcache.Free(payload)
			e.replyNotification(pc, wr, wire.OpResponseSend)
		}
		return
	}
	e.pendingSends = append(e.pendingSends, pendingNotif{wr: wr, payload: payload, pc: pc})
}

// drainPendingSends re-attempts delivery of every parked send against the
// current recvList, called whenever a new receive is posted.
func (e *Engine) drainPendingSends() {
	for i := 0; i < len(e.pendingSends); {
		p := e.pendingSends[i]
		r, ok := e.matchRecv(p.wr.Length)
		if !ok {
			i++
			continue
		}
		e.completeRecv(r, p.wr.Source, p.payload)
		if p.pc != nil {
			mcache.Free(p.payload)
			e.replyNotification(p.pc, p.wr, wire.OpResponseSend)
		}
		e.pendingSends = append(e.pendingSends[:i], e.pendingSends[i+1:]...)
	}
}

func wcOpcodeFor(op wire.Opcode) wire.WCOpcode {
	switch op {
	case wire.OpPostRDMAWrite, wire.OpPostRDMAWriteInlined:
		return wire.WCRDMAWrite
	case wire.OpPostRDMARead, wire.OpRequestRDMARead:
		return wire.WCRDMARead
	case wire.OpPostAtomicCmpSwap:
		return wire.WCCmpSwap
	case wire.OpPostAtomicFetchAdd:
		return wire.WCFetchAdd
	default:
		return wire.WCSend
	}
}

// dispatchSend builds the wire header (+ inlined payload, if small enough
// and pooled via mcache) for s and either writes it immediately or queues
// it behind the peer's busy write half.
func (e *Engine) dispatchSend(pc *peerConn, s submission) {
	wr := s.wr
	switch wr.Opcode {
	case wire.OpPostSend, wire.OpPostSendInlined:
		// POST_SEND[_INLINED] enqueues a NOTIFICATION_SEND on the wire; the
		// peer matches it against its own posted-receive list rather than
		// completing it unconditionally.
		wr.Opcode = wire.OpNotificationSend
	case wire.OpPostRDMARead:
		// A cross-rank POST_RDMA_READ has no local segment to memcpy from,
		// so it enqueues a REQUEST_RDMA_READ the peer services and answers
		// with a RESPONSE_RDMA_READ carrying the payload.
		wr.Opcode = wire.OpRequestRDMARead
	}
	hdr := wr.MarshalBinary()

	var bufs [][]byte
	var pooled []byte
	switch {
	case len(s.payload) == 0:
		bufs = [][]byte{hdr}
	case len(s.payload) <= inlineThreshold:
		pooled = mcache.Malloc(len(s.payload))
		copy(pooled, s.payload)
		bufs = [][]byte{hdr, pooled}
	default:
		// Above inlineThreshold the payload is written straight off the
		// caller's slice instead of a pooled copy; the caller (collective
		// Transport.WriteTo, or a posted send) must not mutate it until its
		// completion fires.
		bufs = [][]byte{hdr, s.payload}
	}

	st := writeStateFor(wr.Opcode)
	onComplete := func() {
		if pooled != nil {
			mcache.Free(pooled)
		}
		e.postCompletion(wr, wire.StatusSuccess)
	}
	if pc.queueOrStart(st, onComplete, bufs) {
		_ = e.poll.modify(pc.fd, interestRead|interestWrite)
		e.handleWritable(pc)
	}
}

func writeStateFor(op wire.Opcode) writeState {
	switch op {
	case wire.OpPostRDMAWrite, wire.OpPostRDMAWriteInlined:
		return writeRDMAWrite
	case wire.OpPostRDMARead, wire.OpRequestRDMARead:
		return writeRDMARead
	default:
		return writeSend
	}
}

func (e *Engine) handleWritable(pc *peerConn) {
	if pc.write.idle() {
		_ = e.poll.modify(pc.fd, interestRead)
		return
	}
	for len(pc.write.bufs) > 0 {
		b := pc.write.bufs[0]
		n, err := unix.Write(pc.fd, b)
		if n > 0 {
			pc.write.advance(n)
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			e.failConn(pc)
			return
		}
		if n < len(b) {
			return // kernel buffer full, wait for next EPOLLOUT
		}
	}
	if pc.write.idle() {
		if cb := pc.pendingComplete; cb != nil {
			pc.pendingComplete = nil
			cb()
		}
		if !pc.drainDelayed() {
			_ = e.poll.modify(pc.fd, interestRead)
		} else {
			e.handleWritable(pc)
		}
	}
}

func (e *Engine) handleReadable(pc *peerConn) {
	for {
		buf := pc.read.target()
		n, err := unix.Read(pc.fd, buf)
		if n > 0 {
			if pc.read.advance(n) {
				e.onReadComplete(pc)
			}
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			e.failConn(pc)
			return
		}
		if n == 0 {
			e.failConn(pc)
			return
		}
		if n < len(buf) {
			return
		}
	}
}

// onReadComplete fires once the read half finishes either a header or a
// payload. A header with no payload opcode loops straight back to
// readHeader; payload-carrying opcodes transition into the matching
// payload phase and wait for the next readable event.
func (e *Engine) onReadComplete(pc *peerConn) {
	switch pc.read.state {
	case readHeader:
		pc.read.wr.UnmarshalBinary(pc.read.hdr[:])
		if pc.rank < 0 {
			pc.rank = int(pc.read.wr.Source)
			e.mu.Lock()
			e.conns[pc.rank] = pc
			e.mu.Unlock()
		}
		e.dispatchRecvHeader(pc)
	default:
		e.dispatchRecvPayload(pc)
		pc.read.reset()
	}
}

// dispatchRecvHeader processes a just-parsed header: opcodes with no
// payload (notifications, read requests, atomics) complete here;
// payload-carrying opcodes (RDMA write, read response, send) arm the
// payload phase.
func (e *Engine) dispatchRecvHeader(pc *peerConn) {
	wr := pc.read.wr
	switch wr.Opcode {
	case wire.OpNotificationRDMAWrite:
		e.postCompletion(wr, wire.StatusSuccess)
		pc.read.reset()

	case wire.OpRequestRDMARead:
		e.serviceRDMAReadRequest(pc, wr)
		pc.read.reset()

	case wire.OpResponseRDMARead:
		pc.read.enterPayload(readRDMAReadPayload, mcache.Malloc(int(wr.Length)))

	case wire.OpRequestAtomicCmpSwap, wire.OpRequestAtomicFetchAdd:
		e.serviceAtomicRequest(pc, wr)
		pc.read.reset()

	case wire.OpResponseAtomicCmpSwap, wire.OpResponseAtomicFetchAdd:
		e.postCompletion(wr, wire.StatusSuccess)
		pc.read.reset()

	case wire.OpNotificationSend:
		pc.read.enterPayload(readSendPayload, mcache.Malloc(int(wr.Length)))

	case wire.OpResponseSend:
		e.postCompletion(wr, wire.StatusSuccess)
		pc.read.reset()

	case wire.OpPostRDMAWrite, wire.OpPostRDMAWriteInlined:
		pc.read.enterPayload(readRDMAWritePayload, mcache.Malloc(int(wr.Length)))

	default:
		pc.read.reset()
	}
}

func (e *Engine) dispatchRecvPayload(pc *peerConn) {
	wr := pc.read.wr
	switch pc.read.state {
	case readRDMAWritePayload:
		e.mu.Lock()
		seg := e.segs[e.rank]
		e.mu.Unlock()
		if seg != nil {
			copy(seg.Bytes()[wr.RemoteAddr:], pc.read.buf)
		}
		mcache.Free(pc.read.buf)
		e.replyNotification(pc, wr, wire.OpNotificationRDMAWrite)

	case readSendPayload:
		// matchOrQueueRecv owns freeing pc.read.buf and acking the sender:
		// on a match both happen now, on no match they happen later once a
		// matching OpPostRecv is posted (drainPendingSends).
		e.matchOrQueueRecv(wr, pc.read.buf, pc)

	case readRDMAReadPayload:
		e.mu.Lock()
		seg := e.segs[e.rank]
		e.mu.Unlock()
		if seg != nil {
			copy(seg.Bytes()[wr.LocalAddr:wr.LocalAddr+uint64(wr.Length)], pc.read.buf)
		}
		mcache.Free(pc.read.buf)
		e.postCompletion(wr, wire.StatusSuccess)
	}
}

func (e *Engine) serviceRDMAReadRequest(pc *peerConn, wr wire.WR) {
	e.mu.Lock()
	seg := e.segs[e.rank]
	e.mu.Unlock()

	var payload []byte
	if seg != nil {
		payload = append([]byte(nil), seg.Bytes()[wr.RemoteAddr:wr.RemoteAddr+uint64(wr.Length)]...)
	} else {
		payload = make([]byte, wr.Length)
	}

	reply := wr
	reply.Opcode = wire.OpResponseRDMARead
	reply.Source, reply.Target = wr.Target, wr.Source
	hdr := reply.MarshalBinary()
	e.armAndSend(pc, writeRDMARead, nil, hdr, payload)
}

func (e *Engine) serviceAtomicRequest(pc *peerConn, wr wire.WR) {
	reply := wr
	if wr.Opcode == wire.OpRequestAtomicCmpSwap {
		reply.Opcode = wire.OpResponseAtomicCmpSwap
	} else {
		reply.Opcode = wire.OpResponseAtomicFetchAdd
	}
	reply.Source, reply.Target = wr.Target, wr.Source
	hdr := reply.MarshalBinary()
	e.armAndSend(pc, writeSend, nil, hdr)
}

func (e *Engine) replyNotification(pc *peerConn, wr wire.WR, op wire.Opcode) {
	reply := wr
	reply.Opcode = op
	reply.Source, reply.Target = wr.Target, wr.Source
	hdr := reply.MarshalBinary()
	e.armAndSend(pc, writeSend, nil, hdr)
}

// armAndSend queues bufs on pc's write half and, if that armed it
// immediately, drives an initial write attempt under EPOLLOUT interest.
func (e *Engine) armAndSend(pc *peerConn, st writeState, onComplete func(), bufs ...[]byte) {
	if pc.queueOrStart(st, onComplete, bufs) {
		_ = e.poll.modify(pc.fd, interestRead|interestWrite)
		e.handleWritable(pc)
	}
}
