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

// Package mutationqueue implements the per-user durable queue of
// unacknowledged mutation batches.
package mutationqueue

import (
	"context"

	"github.com/cockroachdb/docsync/internal/types"
)

// Queue is the per-authenticated-user mutation queue. A Queues factory
// (below) vends one Queue per user, following the same
// factory-of-collaborator shape used to vend per-table staging and
// apply collaborators elsewhere in this module.
type Queue interface {
	// AddMutationBatch assigns a new, strictly increasing batchId and
	// durably appends the batch. batchId is monotonic across calls for
	// the same Queue with no gaps on successful commits, even across a
	// queue that has fully drained and is being repopulated.
	AddMutationBatch(ctx context.Context, tx types.Txn, localWriteTime int64, base, mutations []types.Mutation) (types.MutationBatch, error)

	// RemoveMutationBatch deletes a batch. It is a no-op, not an
	// error, if the batch has already been removed.
	RemoveMutationBatch(ctx context.Context, tx types.Txn, batchID int64) error

	// LookupMutationBatch returns the batch with the given id. Returns
	// types.ErrNotFound if it does not exist.
	LookupMutationBatch(ctx context.Context, tx types.Txn, batchID int64) (types.MutationBatch, error)

	// GetAllMutationBatches returns every unacknowledged batch, in
	// batchId order.
	GetAllMutationBatches(ctx context.Context, tx types.Txn) ([]types.MutationBatch, error)

	// GetNextMutationBatchAfterBatchID returns the lowest-id batch with
	// id strictly greater than afterID, or ok=false if there is none.
	GetNextMutationBatchAfterBatchID(ctx context.Context, tx types.Txn, afterID int64) (batch types.MutationBatch, ok bool, err error)

	// GetHighestUnacknowledgedBatchID returns the highest batchId
	// currently queued, or 0 if the queue is empty.
	GetHighestUnacknowledgedBatchID(ctx context.Context, tx types.Txn) (int64, error)

	// PerformConsistencyCheck is invoked after RemoveMutationBatch to
	// log any cross-batch duplicate-key warnings detected via
	// msort.DuplicateKeys. It never resets the batchId counter: ids
	// assigned by AddMutationBatch stay strictly increasing across the
	// lifetime of the user's queue, including across a fully drained
	// and later repopulated queue.
	PerformConsistencyCheck(ctx context.Context, tx types.Txn) error
}

// Queues is a factory for per-user Queue instances, following the same
// factory-of-collaborator pattern as the rest of this module.
type Queues interface {
	Get(ctx context.Context, user string) (Queue, error)
}
