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

// Package queryengine declares the collaborator interfaces for the
// query engine and index manager, both out of scope as implementations:
// the local store only needs to hand them a LocalDocumentsView and
// call through to them from executeQuery.
package queryengine

import (
	"context"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
)

// LocalDocumentsView, given a transaction and a key set, returns the
// local-view MaybeDocument map (remote doc overlaid with every
// unacknowledged mutation affecting that key, in batch order). The
// query engine holds a reference to one rather than re-deriving it.
type LocalDocumentsView interface {
	GetDocuments(ctx context.Context, tx types.Txn, keys []ident.Key) (map[string]types.MaybeDocument, error)
}

// Engine is the query engine collaborator.
type Engine interface {
	// SetLocalDocumentsView installs the view executeQuery should read
	// through. Called once during local store construction.
	SetLocalDocumentsView(view LocalDocumentsView)

	// GetDocumentsMatchingQuery evaluates query against the remote
	// document cache as of sinceVersion, optionally restricting the
	// search to remoteKeys (the previous-results optimization used by
	// executeQuery): when non-empty, the engine may limit its full scan
	// to documents known to have changed since sinceVersion rather than
	// matching the entire collection.
	GetDocumentsMatchingQuery(
		ctx context.Context, tx types.Txn, query ident.Query, sinceVersion hlc.Time, remoteKeys []ident.Key,
	) (map[string]types.MaybeDocument, error)
}

// IndexManager is an opaque out-of-scope collaborator; the local store
// only needs an accessor for it, never its methods.
type IndexManager interface{}
