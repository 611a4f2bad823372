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

// Package wire defines the on-the-wire work-request/work-completion
// records exchanged between tcp_dev peers and the in-process submission
// path, plus the opcode set that drives the transport engine's dispatch.
package wire

import "encoding/binary"

// Opcode tags a work request as it flows through the transport engine.
type Opcode uint8

const (
	OpNone Opcode = iota

	// bootstrap
	OpRegisterMaster
	OpRegisterWorker

	// posted by the application
	OpPostRDMAWrite
	OpPostRDMAWriteInlined
	OpPostRDMARead
	OpPostAtomicCmpSwap
	OpPostAtomicFetchAdd
	OpPostSend
	OpPostSendInlined
	OpPostRecv

	// internal wire notifications between engines
	OpNotificationRDMAWrite
	OpRequestRDMARead
	OpResponseRDMARead
	OpRequestAtomicCmpSwap
	OpRequestAtomicFetchAdd
	OpResponseAtomicCmpSwap
	OpResponseAtomicFetchAdd
	OpNotificationSend
	OpResponseSend

	OpStopDevice
)

// WCOpcode tags a posted completion's operation kind, independent of the
// wire Opcode that produced it (several wire opcodes collapse to one
// completion kind, e.g. POST_RDMA_WRITE and POST_RDMA_WRITE_INLINED both
// post a TCP_DEV_WC_RDMA_WRITE).
type WCOpcode uint8

const (
	WCRDMAWrite WCOpcode = iota
	WCRDMARead
	WCSend
	WCRecv
	WCCmpSwap
	WCFetchAdd
)

// Status is the result carried by a posted completion.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusRemOpError
)

// HeaderSize is the fixed on-the-wire size of a WR header, in bytes.
const HeaderSize = 64

// WR is a work request / notification header, exchanged verbatim between
// tcp_dev peers.
type WR struct {
	WRID        uint64
	CQHandle    uint32
	Opcode      Opcode
	Source      uint32
	Target      uint32
	LocalAddr   uint64 // byte offset into the requester's own registered segment
	RemoteAddr  uint64
	Length      uint32
	CompareAdd  uint64
	Swap        uint64
}

// WC is a work completion record posted into a completion queue.
type WC struct {
	WRID   uint64
	Status Status
	Opcode WCOpcode
	Sender uint32
}

// MarshalBinary encodes wr into a HeaderSize-byte little-endian record.
func (wr *WR) MarshalBinary() []byte {
	b := make([]byte, HeaderSize)
	wr.Put(b)
	return b
}

// Put encodes wr into b, which must be at least HeaderSize bytes.
func (wr *WR) Put(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint64(b[0:8], wr.WRID)
	binary.LittleEndian.PutUint32(b[8:12], wr.CQHandle)
	b[12] = byte(wr.Opcode)
	binary.LittleEndian.PutUint32(b[16:20], wr.Source)
	binary.LittleEndian.PutUint32(b[20:24], wr.Target)
	binary.LittleEndian.PutUint64(b[24:32], wr.LocalAddr)
	binary.LittleEndian.PutUint64(b[32:40], wr.RemoteAddr)
	binary.LittleEndian.PutUint32(b[40:44], wr.Length)
	binary.LittleEndian.PutUint64(b[44:52], wr.CompareAdd)
	binary.LittleEndian.PutUint64(b[52:60], wr.Swap)
}

// UnmarshalBinary decodes wr from a HeaderSize-byte little-endian record.
func (wr *WR) UnmarshalBinary(b []byte) {
	_ = b[HeaderSize-1]
	wr.WRID = binary.LittleEndian.Uint64(b[0:8])
	wr.CQHandle = binary.LittleEndian.Uint32(b[8:12])
	wr.Opcode = Opcode(b[12])
	wr.Source = binary.LittleEndian.Uint32(b[16:20])
	wr.Target = binary.LittleEndian.Uint32(b[20:24])
	wr.LocalAddr = binary.LittleEndian.Uint64(b[24:32])
	wr.RemoteAddr = binary.LittleEndian.Uint64(b[32:40])
	wr.Length = binary.LittleEndian.Uint32(b[40:44])
	wr.CompareAdd = binary.LittleEndian.Uint64(b[44:52])
	wr.Swap = binary.LittleEndian.Uint64(b[52:60])
}

// CQHandleNone marks a work request that carries no completion queue.
const CQHandleNone = ^uint32(0)
