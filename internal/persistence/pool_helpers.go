// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"

	"github.com/cockroachdb/docsync/internal/util/stopper"
)

// returnOrStop wraps ctx in a stopper.Context, invokes fn, and returns
// fn's result alongside a cleanup function that stops any background
// goroutines fn launched via the stopper.Context it was given.
func returnOrStop[T any](ctx context.Context, fn func(*stopper.Context) (T, error)) (T, func(), error) {
	sctx, stop := stopper.New(ctx)
	result, err := fn(sctx)
	if err != nil {
		var zero T
		stop()
		return zero, func() {}, err
	}
	return result, stop, nil
}
