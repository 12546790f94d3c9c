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
	"math/rand"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/pkg/errors"
)

// ErrChaos is a sentinel for chaos-induced failures. WithChaos does not
// return it: the error it injects wraps types.ErrRetryable, so the
// delegate's retry loop treats it as a conflict.
var ErrChaos = errors.New("chaos")

// WithChaos returns a wrapper around an Engine that injects synthetic
// retryable conflicts into RunTransaction at the given probability,
// exercising transaction-body idempotence under retry without needing
// a real contended cluster. The delegate is returned unchanged if prob
// is less than or equal to zero.
func WithChaos(delegate Engine, prob float32) Engine {
	if prob <= 0 {
		return delegate
	}
	return &chaosEngine{delegate: delegate, prob: prob}
}

type chaosEngine struct {
	delegate Engine
	prob     float32
}

var _ Engine = (*chaosEngine)(nil)

// RunTransaction injects a retryable conflict before invoking the
// delegate's own RunTransaction, so the delegate's retry loop runs the
// body more than once. This specifically exercises idempotent-retry
// rather than bypassing the real retry discipline.
func (e *chaosEngine) RunTransaction(
	ctx context.Context, label string, mode types.TransactionMode, body TxnBody,
) (interface{}, error) {
	attempts := 0
	wrapped := func(ctx context.Context, tx types.Txn) (interface{}, error) {
		attempts++
		if attempts == 1 && rand.Float32() < e.prob {
			return nil, errors.WithMessage(types.ErrRetryable, "chaos: "+label)
		}
		return body(ctx, tx)
	}
	return e.delegate.RunTransaction(ctx, label, mode, wrapped)
}

func (e *chaosEngine) Close() { e.delegate.Close() }
