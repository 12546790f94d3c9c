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

package localstore

import (
	"context"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
)

// localDocumentsView implements queryengine.LocalDocumentsView and
// backs the query engine's reads: remote state overlaid with every
// unacknowledged mutation affecting that key, applied in batch order.
type localDocumentsView struct {
	store *LocalStore
}

// GetDocuments implements queryengine.LocalDocumentsView.
func (v *localDocumentsView) GetDocuments(
	ctx context.Context, tx types.Txn, keys []ident.Key,
) (map[string]types.MaybeDocument, error) {
	remote, err := v.store.docs.GetAll(ctx, tx, keys)
	if err != nil {
		return nil, err
	}
	return v.store.localViewOf(ctx, tx, keys, remote)
}

// localViewOf computes the local view for keys starting from an
// already-loaded map of remote state ("local view of given
// documents"), rather than re-reading the remote cache. Keys entirely
// absent from remote are overlaid as a zero-version NoDocument before
// mutations are applied, so a pending Set on a never-observed key
// still produces a Document.
func (ls *LocalStore) localViewOf(
	ctx context.Context, tx types.Txn, keys []ident.Key, remote map[string]types.MaybeDocument,
) (map[string]types.MaybeDocument, error) {
	_, queue := ls.currentQueue()

	batches, err := queue.GetAllMutationBatches(ctx, tx)
	if err != nil {
		return nil, err
	}

	view := make(map[string]types.MaybeDocument, len(keys))
	for _, key := range keys {
		path := key.Path()
		if doc, ok := remote[path]; ok {
			view[path] = doc
		} else {
			view[path] = types.NewNoDocument(key, hlc.Zero())
		}
	}

	for _, batch := range batches {
		applyBatchOverlay(view, batch)
	}
	return view, nil
}

// applyBatchOverlay mutates view in place, applying every real
// mutation (not BaseMutations, which exist only to stabilize
// acknowledgeBatch's optimistic transform application, not to be read
// back to the user) in batch that addresses a key already present in
// view.
func applyBatchOverlay(view map[string]types.MaybeDocument, batch types.MutationBatch) {
	for _, m := range batch.Mutations {
		path := m.Key.Path()
		if cur, ok := view[path]; ok {
			view[path] = applyMutation(cur, m)
		}
	}
}
