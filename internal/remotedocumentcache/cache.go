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

// Package remotedocumentcache holds the last-known server state of every
// document the client has ever observed. It is a durable,
// reference-counted store: documents are upserted or tombstoned the
// way an upsert/delete row diff is applied to a resolved table, and
// reads are always layered under a caller's unacknowledged local
// mutations by localstore, never here.
package remotedocumentcache

import (
	"context"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
)

// Cache is the durable remote document cache. All methods operate
// within the caller's transaction; none start their own.
type Cache interface {
	// Get returns the cached MaybeDocument for key, or ok=false if the
	// key has never been observed (as distinct from having been
	// observed as deleted, which returns a NoDocument).
	Get(ctx context.Context, tx types.Txn, key ident.Key) (doc types.MaybeDocument, ok bool, err error)

	// GetAll returns every cached entry for the given keys that has
	// been observed, keyed by ident.Key.Path(). Keys never observed are
	// simply absent from the result.
	GetAll(ctx context.Context, tx types.Txn, keys []ident.Key) (map[string]types.MaybeDocument, error)

	// GetAllForCollection returns every cached document directly under
	// collectionPath with a Version strictly greater than sinceVersion,
	// used to prime a query's remote-index-free fallback scan.
	GetAllForCollection(
		ctx context.Context, tx types.Txn, collectionPath string, sinceVersion hlc.Time,
	) (map[string]types.MaybeDocument, error)

	// Apply durably upserts or tombstones each entry in changes, keyed
	// by ident.Key.Path(). Every write of a document or NoDocument
	// funnels through it (deletions go through Remove), and it returns
	// an ErrFatal error, writing nothing, if any entry is a
	// MaybeDocument.IsManufacturedTombstone.
	Apply(ctx context.Context, tx types.Txn, changes map[string]types.MaybeDocument) error

	// Remove durably deletes the cache's row for each of keys, used for
	// a manufactured permission-denied tombstone: the key must leave the
	// cache entirely rather than being overwritten with a real
	// NoDocument, since the client never actually observed a deletion.
	Remove(ctx context.Context, tx types.Txn, keys []ident.Key) error

	// ContainsKey reports whether the cache has ever observed key,
	// regardless of whether the latest observation was a tombstone.
	// Used by reference-counted GC to decide whether a key is still
	// worth tracking.
	ContainsKey(ctx context.Context, tx types.Txn, key ident.Key) (bool, error)

	// NewChangeBuffer opens a transactional staging area over the
	// cache. Every remote-event application and batch acknowledgement
	// stages its writes through a ChangeBuffer rather than calling Apply
	// directly, so that the working set is idempotent across a
	// transaction retry.
	NewChangeBuffer(trackRemovals bool) *ChangeBuffer
}
