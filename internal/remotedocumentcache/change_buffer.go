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

package remotedocumentcache

import (
	"context"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/ident"
)

// ChangeBuffer is a transactional staging area over a Cache. Readers
// within the same transaction see entries already staged but
// not yet applied, which is what makes document reconciliation
// idempotent under a persistence-layer transaction retry: re-running
// the body against a fresh ChangeBuffer reproduces the same final
// writes regardless of how many times the body itself runs.
type ChangeBuffer struct {
	cache *sqlCache

	trackRemovals bool
	entries       map[string]types.MaybeDocument
	removed       map[string]ident.Key
}

func newChangeBuffer(cache *sqlCache, trackRemovals bool) *ChangeBuffer {
	return &ChangeBuffer{
		cache:         cache,
		trackRemovals: trackRemovals,
		entries:       make(map[string]types.MaybeDocument),
		removed:       make(map[string]ident.Key),
	}
}

// GetEntry returns the current value for key: the staged entry if one
// exists, otherwise the durable value from the underlying cache.
func (b *ChangeBuffer) GetEntry(ctx context.Context, tx types.Txn, key ident.Key) (types.MaybeDocument, bool, error) {
	if doc, ok := b.entries[key.Path()]; ok {
		return doc, true, nil
	}
	if _, removed := b.removed[key.Path()]; removed {
		return types.MaybeDocument{}, false, nil
	}
	return b.cache.Get(ctx, tx, key)
}

// GetEntries is the batch form of GetEntry.
func (b *ChangeBuffer) GetEntries(
	ctx context.Context, tx types.Txn, keys []ident.Key,
) (map[string]types.MaybeDocument, error) {
	out := make(map[string]types.MaybeDocument, len(keys))
	for _, key := range keys {
		doc, ok, err := b.GetEntry(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key.Path()] = doc
		}
	}
	return out, nil
}

// AddEntry stages doc to be durably written when Apply is called.
func (b *ChangeBuffer) AddEntry(doc types.MaybeDocument) {
	path := doc.Key.Path()
	delete(b.removed, path)
	b.entries[path] = doc
}

// RemoveEntry stages key to be durably deleted by Apply, without ever
// writing a NoDocument tombstone in its place: used for a manufactured
// permission-denied tombstone, where the client has simply lost
// visibility into the document rather than observed its deletion.
// When trackRemovals is set, Apply's caller can also learn which keys
// left the cache via Removed (e.g. to release a reference-delegate
// pin). RemoveEntry always deletes; trackRemovals only controls
// whether Removed reports it afterward.
func (b *ChangeBuffer) RemoveEntry(key ident.Key) {
	delete(b.entries, key.Path())
	b.removed[key.Path()] = key
}

// Removed returns the keys staged via RemoveEntry, or nil unless
// trackRemovals was set at construction.
func (b *ChangeBuffer) Removed() []ident.Key {
	if !b.trackRemovals {
		return nil
	}
	out := make([]ident.Key, 0, len(b.removed))
	for _, k := range b.removed {
		out = append(out, k)
	}
	return out
}

// Apply durably writes every staged AddEntry, then durably deletes
// every staged RemoveEntry, keyed by path.
func (b *ChangeBuffer) Apply(ctx context.Context, tx types.Txn) error {
	if len(b.entries) > 0 {
		if err := b.cache.Apply(ctx, tx, b.entries); err != nil {
			return err
		}
	}
	if len(b.removed) > 0 {
		keys := make([]ident.Key, 0, len(b.removed))
		for _, k := range b.removed {
			keys = append(keys, k)
		}
		if err := b.cache.Remove(ctx, tx, keys); err != nil {
			return err
		}
	}
	return nil
}

// NewChangeBuffer implements Cache.
func (c *sqlCache) NewChangeBuffer(trackRemovals bool) *ChangeBuffer {
	return newChangeBuffer(c, trackRemovals)
}
