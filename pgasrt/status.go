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

// Package pgasrt is the public facade binding the process context,
// transport engine, control plane, and collective engine into the
// group/barrier/allreduce API surface one rank drives.
package pgasrt

import "github.com/cloudwego/pgasrt/group"

// Status is the result code every public call returns.
type Status int

const (
	StatusSuccess Status = iota
	StatusTimeout
	StatusErrInvGroup
	StatusErrInvRank
	StatusErrInvNum
	StatusErrInvSize
	StatusErrManyGrp
	StatusErrMemalloc
	StatusErrActiveColl
	StatusErrDevice
	StatusErrSNPort
	StatusErrEMFile
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusErrInvGroup:
		return "ERR_INV_GROUP"
	case StatusErrInvRank:
		return "ERR_INV_RANK"
	case StatusErrInvNum:
		return "ERR_INV_NUM"
	case StatusErrInvSize:
		return "ERR_INV_SIZE"
	case StatusErrManyGrp:
		return "ERR_MANY_GRP"
	case StatusErrMemalloc:
		return "ERR_MEMALLOC"
	case StatusErrActiveColl:
		return "ERR_ACTIVE_COLL"
	case StatusErrDevice:
		return "ERR_DEVICE"
	case StatusErrSNPort:
		return "ERR_SN_PORT"
	case StatusErrEMFile:
		return "ERR_EMFILE"
	default:
		return "ERROR"
	}
}

// statusFromErr maps a group/transport error to its public Status.
func statusFromErr(err error) Status {
	switch err {
	case nil:
		return StatusSuccess
	case group.ErrTimeout:
		return StatusTimeout
	case group.ErrNotCommitted:
		return StatusErrInvGroup
	case group.ErrTooFewRanks:
		return StatusErrInvSize
	case group.ErrUnknownGroup:
		return StatusErrInvGroup
	case group.ErrDeleteGroupAll:
		return StatusErrInvGroup
	case group.ErrBufferTooLarge:
		return StatusErrInvSize
	default:
		return StatusErrDevice
	}
}
