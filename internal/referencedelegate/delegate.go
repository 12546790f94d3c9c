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

// Package referencedelegate tracks, per document key, whether any
// active listen target still pins the document. The policy that
// decides *when* to reclaim an unpinned document is the LRU garbage
// collector, an external collaborator this package only feeds
// bookkeeping to; it does not implement the collection policy itself.
package referencedelegate

import (
	"context"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/ident"
)

// Delegate is the collaborator notifyLocalViewChanges,
// applyRemoteEventToLocalCache, and releaseTarget call into whenever a
// document's pin state or a target's lifetime changes.
type Delegate interface {
	// AddReference records that key is now matched by an active
	// listen target.
	AddReference(ctx context.Context, tx types.Txn, key ident.Key) error

	// RemoveReference records that key is no longer matched by the
	// target that previously referenced it.
	RemoveReference(ctx context.Context, tx types.Txn, key ident.Key) error

	// UpdateLimboDocument marks key as freshly resolved out of limbo,
	// bumping its GC-ordering sequence number without changing its
	// reference count.
	UpdateLimboDocument(ctx context.Context, tx types.Txn, key ident.Key) error

	// RemoveTarget releases every reference held on behalf of
	// targetID, as the final step of releaseTarget(keepPersistedTargetData=false).
	// It may make documents newly eligible for garbage collection.
	RemoveTarget(ctx context.Context, tx types.Txn, targetID int32) error
}
