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

package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryPushPopOrder(t *testing.T) {
	r := New[int](4)
	assert.True(t, r.TryPush(1))
	assert.True(t, r.TryPush(2))
	assert.True(t, r.TryPush(3))
	assert.True(t, r.TryPush(4))
	assert.False(t, r.TryPush(5), "ring of capacity 4 must reject a 5th insert")

	for _, want := range []int{1, 2, 3, 4} {
		got, ok := r.TryPop()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := r.TryPop()
	assert.False(t, ok)
}

func TestNeverExceedsCapacity(t *testing.T) {
	const capacity = 8
	r := New[int](capacity)
	inserted, removed := 0, 0

	for i := 0; i < 100; i++ {
		if r.TryPush(i) {
			inserted++
		}
		if inserted-removed > capacity {
			t.Fatalf("ring exceeded capacity: inserted=%d removed=%d", inserted, removed)
		}
		if i%3 == 0 {
			if _, ok := r.TryPop(); ok {
				removed++
			}
		}
	}
}

func TestConcurrentSPSC(t *testing.T) {
	r := New[int](16)
	const n = 10000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			r.Push(i)
		}
	}()

	got := make([]int, 0, n)
	go func() {
		defer wg.Done()
		for len(got) < n {
			if v, ok := r.TryPop(); ok {
				got = append(got, v)
			}
		}
	}()

	wg.Wait()
	for i, v := range got {
		assert.Equal(t, i, v, "consumer must observe producer order")
	}
}
