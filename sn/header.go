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

// Package sn implements the out-of-band control-plane: short-lived TCP
// handshakes for bootstrap topology, connection/segment/group setup, and
// liveness, all framed with bufiox readers and writers.
package sn

import "encoding/binary"

// Op identifies an SN request.
type Op uint8

const (
	OpTopology Op = iota
	OpConnect
	OpDisconnect
	OpSegRegister
	OpGrpCheck
	OpGrpConnect
	OpQueueCreate
	OpProcPing
	OpProcKill
)

// HeaderSize is the fixed on-wire size of a Header record.
const HeaderSize = 64

// Header is the cd_header every SN request begins with.
type Header struct {
	Op        Op
	OpLen     uint32
	Rank      uint32
	TNC       uint32
	SegID     uint32
	Addr      uint64
	Size      uint64
	NotifAddr uint64
	Ret       int32
	Rkey      [2]uint32
	HostRkey  uint32
	HostAddr  uint64
}

func (h *Header) MarshalBinary() []byte {
	b := make([]byte, HeaderSize)
	h.Put(b)
	return b
}

func (h *Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	b[0] = byte(h.Op)
	binary.LittleEndian.PutUint32(b[4:8], h.OpLen)
	binary.LittleEndian.PutUint32(b[8:12], h.Rank)
	binary.LittleEndian.PutUint32(b[12:16], h.TNC)
	binary.LittleEndian.PutUint32(b[16:20], h.SegID)
	binary.LittleEndian.PutUint64(b[20:28], h.Addr)
	binary.LittleEndian.PutUint64(b[28:36], h.Size)
	binary.LittleEndian.PutUint64(b[36:44], h.NotifAddr)
	binary.LittleEndian.PutUint32(b[44:48], uint32(h.Ret))
	binary.LittleEndian.PutUint32(b[48:52], h.Rkey[0])
	binary.LittleEndian.PutUint32(b[52:56], h.Rkey[1])
	binary.LittleEndian.PutUint32(b[56:60], h.HostRkey)
	binary.LittleEndian.PutUint32(b[60:64], uint32(h.HostAddr))
}

func (h *Header) UnmarshalBinary(b []byte) {
	_ = b[HeaderSize-1]
	h.Op = Op(b[0])
	h.OpLen = binary.LittleEndian.Uint32(b[4:8])
	h.Rank = binary.LittleEndian.Uint32(b[8:12])
	h.TNC = binary.LittleEndian.Uint32(b[12:16])
	h.SegID = binary.LittleEndian.Uint32(b[16:20])
	h.Addr = binary.LittleEndian.Uint64(b[20:28])
	h.Size = binary.LittleEndian.Uint64(b[28:36])
	h.NotifAddr = binary.LittleEndian.Uint64(b[36:44])
	h.Ret = int32(binary.LittleEndian.Uint32(b[44:48]))
	h.Rkey[0] = binary.LittleEndian.Uint32(b[48:52])
	h.Rkey[1] = binary.LittleEndian.Uint32(b[52:56])
	h.HostRkey = binary.LittleEndian.Uint32(b[56:60])
	h.HostAddr = uint64(binary.LittleEndian.Uint32(b[60:64]))
}

// HostRecordLen is the fixed 64-char-hostname + 1-byte-port-offset record
// width of a TOPOLOGY body entry.
const HostRecordLen = 65

// GrpCheckBody is the bidirectional body of a GRP_CHECK exchange.
type GrpCheckBody struct {
	Group    uint32
	TNC      uint32
	Checksum uint32
	Ret      int32
}

const GrpCheckBodyLen = 16

func (g *GrpCheckBody) Put(b []byte) {
	_ = b[GrpCheckBodyLen-1]
	binary.LittleEndian.PutUint32(b[0:4], g.Group)
	binary.LittleEndian.PutUint32(b[4:8], g.TNC)
	binary.LittleEndian.PutUint32(b[8:12], g.Checksum)
	binary.LittleEndian.PutUint32(b[12:16], uint32(g.Ret))
}

func (g *GrpCheckBody) UnmarshalBinary(b []byte) {
	_ = b[GrpCheckBodyLen-1]
	g.Group = binary.LittleEndian.Uint32(b[0:4])
	g.TNC = binary.LittleEndian.Uint32(b[4:8])
	g.Checksum = binary.LittleEndian.Uint32(b[8:12])
	g.Ret = int32(binary.LittleEndian.Uint32(b[12:16]))
}
