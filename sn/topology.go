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
	"fmt"
	"time"

	"github.com/cloudwego/pgasrt/pgasproc"
)

// EncodeHosts packs the tnc-entry hostname/port-offset table into the
// TOPOLOGY body wire format: tnc fixed HostRecordLen records.
func EncodeHosts(hosts []pgasproc.HostPort) []byte {
	body := make([]byte, len(hosts)*HostRecordLen)
	for i, h := range hosts {
		rec := body[i*HostRecordLen : (i+1)*HostRecordLen]
		n := copy(rec[:HostRecordLen-1], h.Hostname)
		_ = n
		rec[HostRecordLen-1] = h.PortOff
	}
	return body
}

// DecodeHosts is EncodeHosts's inverse.
func DecodeHosts(body []byte, tnc int) []pgasproc.HostPort {
	hosts := make([]pgasproc.HostPort, tnc)
	for i := range hosts {
		rec := body[i*HostRecordLen : (i+1)*HostRecordLen]
		end := 0
		for end < HostRecordLen-1 && rec[end] != 0 {
			end++
		}
		hosts[i] = pgasproc.HostPort{Hostname: string(rec[:end]), PortOff: rec[HostRecordLen-1]}
	}
	return hosts
}

// BroadcastTopology disseminates the local rank's hosts table to every
// other rank with a recursive-doubling pattern: at step k (mask=2^k),
// rank r receives from r-mask if bit k of r is set, else sends to r+mask
// when that rank is in range. dial must return a Client able to reach
// peer rank.
func BroadcastTopology(rank, tnc int, hosts []pgasproc.HostPort, dial func(peer int) *Client, timeout time.Duration) error {
	for mask := 1; mask < tnc; mask <<= 1 {
		if rank&mask != 0 {
			// receive half handled by the peer's server-side TOPOLOGY
			// handler populating our local table out of band; nothing
			// to do on the client side of a receive step.
			continue
		}
		peer := rank + mask
		if peer >= tnc {
			continue
		}
		c := dial(peer)
		if c == nil {
			return fmt.Errorf("sn: no route to rank %d for topology step mask=%d", peer, mask)
		}
		body := EncodeHosts(hosts)
		hdr := Header{Op: OpTopology, Rank: uint32(rank), TNC: uint32(tnc)}
		if _, _, err := c.Command(hdr, body, timeout); err != nil {
			return fmt.Errorf("sn: topology step mask=%d to rank %d: %w", mask, peer, err)
		}
	}
	return nil
}
