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

package pgasproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func hosts(n int) []HostPort {
	h := make([]HostPort, n)
	for i := range h {
		h[i] = HostPort{Hostname: "node", PortOff: byte(i)}
	}
	return h
}

func TestNewRejectsMismatchedHostCount(t *testing.T) {
	assert.Panics(t, func() {
		New(0, 4, hosts(3), DefaultConfig())
	})
}

func TestEndpointStatusDefaultsDisconnected(t *testing.T) {
	p := New(0, 4, hosts(4), DefaultConfig())
	assert.Equal(t, EndpointDisconnected, p.EndpointStatus(1))

	p.SetEndpointStatus(1, EndpointConnected)
	assert.Equal(t, EndpointConnected, p.EndpointStatus(1))
}

func TestQueueStateDefaultsOKAndPoisonsIndependently(t *testing.T) {
	p := New(0, 4, hosts(4), DefaultConfig())
	p.RegisterQueue(3)

	assert.Equal(t, QStateOK, p.QueueState(3, 2))
	p.MarkCorrupt(3, 2)
	assert.Equal(t, QStateCorrupt, p.QueueState(3, 2))
	assert.Equal(t, QStateOK, p.QueueState(3, 1), "poisoning one peer must not affect another")
	assert.Equal(t, QStateOK, p.QueueState(CollQueue, 2), "poisoning an app queue must not affect the collective queue")
}

func TestGroupCounters(t *testing.T) {
	p := New(0, 4, hosts(4), DefaultConfig())
	p.Lock()
	p.IncGroupCount()
	p.IncGroupCount()
	p.Unlock()
	assert.Equal(t, 2, p.GroupCount())
}
