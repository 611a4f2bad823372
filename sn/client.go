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

package sn

import (
	"errors"
	"net"
	"time"

	"github.com/cloudwego/gopkg/bufiox"
)

// ErrTimeout is returned by Client.Command when no reply arrives within
// the caller's timeout.
var ErrTimeout = errors.New("sn: command timed out")

// GrpCheckBackoff is the fixed retry interval pgaspi_group_commit uses
// while polling GRP_CHECK for matching checksums.
const GrpCheckBackoff = 250 * time.Millisecond

// Client issues synchronous SN requests to one peer's control-plane
// listener. Each Command opens a fresh connection, matching the
// original's short-lived-handshake design (the SN is not a persistent
// session).
type Client struct {
	addr string
}

func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Command sends hdr+body and returns the reply header/body, blocking up
// to timeout for the connection and the reply combined.
func (c *Client) Command(hdr Header, body []byte, timeout time.Duration) (Header, []byte, error) {
	deadline := time.Now().Add(timeout)
	conn, err := net.DialTimeout("tcp", c.addr, timeout)
	if err != nil {
		return Header{}, nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	hdr.OpLen = uint32(len(body))
	w := bufiox.NewDefaultWriter(conn)
	if _, err := w.WriteBinary(hdr.MarshalBinary()); err != nil {
		return Header{}, nil, err
	}
	if len(body) > 0 {
		if _, err := w.WriteBinary(body); err != nil {
			return Header{}, nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return Header{}, nil, err
	}

	r := bufiox.NewDefaultReader(conn)
	hdrBuf, err := r.Next(HeaderSize)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Header{}, nil, ErrTimeout
		}
		return Header{}, nil, err
	}
	var reply Header
	reply.UnmarshalBinary(hdrBuf)

	var replyBody []byte
	if reply.OpLen > 0 {
		buf, err := r.Next(int(reply.OpLen))
		if err != nil {
			return Header{}, nil, err
		}
		replyBody = append([]byte(nil), buf...)
	}
	return reply, replyBody, nil
}

// GrpCheck polls the peer at addr until its GRP_CHECK checksum for group
// matches ours, or deadline passes.
func GrpCheck(c *Client, group, tnc, checksum uint32, deadline time.Time) (matched bool, err error) {
	body := make([]byte, GrpCheckBodyLen)
	req := GrpCheckBody{Group: group, TNC: tnc, Checksum: checksum}
	req.Put(body)

	for {
		_, replyBody, cerr := c.Command(Header{Op: OpGrpCheck}, body, GrpCheckBackoff*2)
		if cerr == nil {
			var reply GrpCheckBody
			reply.UnmarshalBinary(replyBody)
			if reply.Ret == 0 && reply.Checksum == checksum {
				return true, nil
			}
		} else {
			err = cerr
		}
		if time.Now().After(deadline) {
			return false, err
		}
		time.Sleep(GrpCheckBackoff)
	}
}
