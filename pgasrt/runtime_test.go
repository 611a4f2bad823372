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
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/pgasrt/pgasproc"
	"github.com/cloudwego/pgasrt/redux"
)

func twoRankHosts() []pgasproc.HostPort {
	return []pgasproc.HostPort{
		{Hostname: "127.0.0.1", PortOff: 0},
		{Hostname: "127.0.0.1", PortOff: 1},
	}
}

func twoRankConfig() pgasproc.Config {
	cfg := pgasproc.DefaultConfig()
	cfg.SNPort = 19500
	cfg.TCPDevPort = 19600
	return cfg
}

func newTwoRankRuntimes(t *testing.T) (ctx context.Context, cancel context.CancelFunc, rt0, rt1 *Runtime) {
	t.Helper()
	hosts := twoRankHosts()
	cfg := twoRankConfig()
	ctx, cancel = context.WithCancel(context.Background())

	var err error
	rt0, err = NewRuntime(ctx, 0, 2, hosts, cfg)
	require.NoError(t, err)
	rt1, err = NewRuntime(ctx, 1, 2, hosts, cfg)
	require.NoError(t, err)
	return ctx, cancel, rt0, rt1
}

func TestBarrierOnGroupAllBothRanks(t *testing.T) {
	_, cancel, rt0, rt1 := newTwoRankRuntimes(t)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]Status, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = rt0.Barrier(0, 2000) }()
	go func() { defer wg.Done(); results[1] = rt1.Barrier(0, 2000) }()
	wg.Wait()

	assert.Equal(t, StatusSuccess, results[0])
	assert.Equal(t, StatusSuccess, results[1])
}

func TestAllreduceSumOnGroupAllBothRanks(t *testing.T) {
	_, cancel, rt0, rt1 := newTwoRankRuntimes(t)
	defer cancel()

	send0 := make([]byte, 4)
	send1 := make([]byte, 4)
	binary.LittleEndian.PutUint32(send0, 5)
	binary.LittleEndian.PutUint32(send1, 7)
	recv0 := make([]byte, 4)
	recv1 := make([]byte, 4)

	var wg sync.WaitGroup
	results := make([]Status, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = rt0.Allreduce(0, send0, recv0, 1, redux.OpSum, redux.TypeUint32, 2000)
	}()
	go func() {
		defer wg.Done()
		results[1] = rt1.Allreduce(0, send1, recv1, 1, redux.OpSum, redux.TypeUint32, 2000)
	}()
	wg.Wait()

	require.Equal(t, StatusSuccess, results[0])
	require.Equal(t, StatusSuccess, results[1])
	assert.EqualValues(t, 12, binary.LittleEndian.Uint32(recv0))
	assert.EqualValues(t, 12, binary.LittleEndian.Uint32(recv1))
}

func TestGroupCreateAddCommitSubsetBarrier(t *testing.T) {
	_, cancel, rt0, rt1 := newTwoRankRuntimes(t)
	defer cancel()

	id0, status := rt0.GroupCreate()
	require.Equal(t, StatusSuccess, status)
	id1, status := rt1.GroupCreate()
	require.Equal(t, StatusSuccess, status)
	require.Equal(t, id0, id1)

	require.Equal(t, StatusSuccess, rt0.GroupAdd(id0, 0))
	require.Equal(t, StatusSuccess, rt0.GroupAdd(id0, 1))
	require.Equal(t, StatusSuccess, rt1.GroupAdd(id1, 0))
	require.Equal(t, StatusSuccess, rt1.GroupAdd(id1, 1))

	var wg sync.WaitGroup
	results := make([]Status, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = rt0.GroupCommit(id0, 3000) }()
	go func() { defer wg.Done(); results[1] = rt1.GroupCommit(id1, 3000) }()
	wg.Wait()

	require.Equal(t, StatusSuccess, results[0])
	require.Equal(t, StatusSuccess, results[1])

	size, status := rt0.GroupSize(id0)
	require.Equal(t, StatusSuccess, status)
	assert.Equal(t, 2, size)

	wg.Add(2)
	go func() { defer wg.Done(); results[0] = rt0.Barrier(id0, 2000) }()
	go func() { defer wg.Done(); results[1] = rt1.Barrier(id1, 2000) }()
	wg.Wait()
	assert.Equal(t, StatusSuccess, results[0])
	assert.Equal(t, StatusSuccess, results[1])
}

func TestGroupDeleteGroupAllRejected(t *testing.T) {
	_, cancel, rt0, _ := newTwoRankRuntimes(t)
	defer cancel()

	assert.Equal(t, StatusErrInvGroup, rt0.GroupDelete(0))
}

func TestAllreduceRejectsOversizeRequest(t *testing.T) {
	_, cancel, rt0, _ := newTwoRankRuntimes(t)
	defer cancel()

	huge := AllreduceElemMax() + 1
	send := make([]byte, huge*4)
	recv := make([]byte, huge*4)
	status := rt0.Allreduce(0, send, recv, huge, redux.OpSum, redux.TypeUint32, 100)
	assert.Equal(t, StatusErrInvNum, status)
}

func TestAllreduceUserOnGroupAllBothRanks(t *testing.T) {
	_, cancel, rt0, rt1 := newTwoRankRuntimes(t)
	defer cancel()

	maxFn := func(ctx context.Context, out, a, b []byte, count int, elemSize int, state interface{}) error {
		for i := 0; i < count; i++ {
			off := i * elemSize
			av := binary.LittleEndian.Uint32(a[off:])
			bv := binary.LittleEndian.Uint32(b[off:])
			if av > bv {
				binary.LittleEndian.PutUint32(out[off:], av)
			} else {
				binary.LittleEndian.PutUint32(out[off:], bv)
			}
		}
		return nil
	}

	send0 := make([]byte, 4)
	send1 := make([]byte, 4)
	binary.LittleEndian.PutUint32(send0, 3)
	binary.LittleEndian.PutUint32(send1, 9)
	recv0 := make([]byte, 4)
	recv1 := make([]byte, 4)

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]Status, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = rt0.AllreduceUser(ctx, 0, send0, recv0, 1, 4, maxFn, nil, 2000)
	}()
	go func() {
		defer wg.Done()
		results[1] = rt1.AllreduceUser(ctx, 0, send1, recv1, 1, 4, maxFn, nil, 2000)
	}()
	wg.Wait()

	require.Equal(t, StatusSuccess, results[0])
	require.Equal(t, StatusSuccess, results[1])
	assert.EqualValues(t, 9, binary.LittleEndian.Uint32(recv0))
	assert.EqualValues(t, 9, binary.LittleEndian.Uint32(recv1))
}
