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

package redux

import "context"

// UserFunc is a caller-supplied elementwise reduction, invoked once per
// (source, target) pair the allreduce state machine needs combined. state
// is opaque caller data threaded through unchanged, mirroring the original
// device's reduction-function signature.
type UserFunc func(ctx context.Context, out, a, b []byte, count int, elemSize int, state interface{}) error

// AsFunc adapts a UserFunc, bound to a fixed state and context, into the
// Func shape the allreduce engine drives.
func AsFunc(ctx context.Context, uf UserFunc, state interface{}, elemSize int) func(out, a, b []byte, count int) error {
	return func(out, a, b []byte, count int) error {
		return uf(ctx, out, a, b, count, elemSize, state)
	}
}
