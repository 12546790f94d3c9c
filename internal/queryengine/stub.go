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

package queryengine

import (
	"context"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
)

// Predicate tests whether doc matches a registered query.
type Predicate func(doc types.MaybeDocument) bool

// Universe returns every document key that could possibly match a
// query against collectionPath, the narrow substitute a real index
// manager would otherwise provide.
type Universe func(collectionPath string) []ident.Key

// ScanEngine is a reference Engine that evaluates a registered
// Predicate by scanning Universe(query.CollectionPath) through the
// installed LocalDocumentsView. It exists for tests and single-process
// deployments that have no real index manager; it ignores the
// previous-results optimization entirely and always performs a full
// scan, since correctness does not depend on that optimization being
// taken (it only changes cost).
type ScanEngine struct {
	view      LocalDocumentsView
	universe  Universe
	predicate map[string]Predicate // keyed by ident.Query.Descriptor
}

var _ Engine = (*ScanEngine)(nil)

// NewScanEngine constructs a ScanEngine over universe.
func NewScanEngine(universe Universe) *ScanEngine {
	return &ScanEngine{universe: universe, predicate: make(map[string]Predicate)}
}

// Register installs the predicate used to evaluate queries whose
// Descriptor equals descriptor.
func (e *ScanEngine) Register(descriptor string, predicate Predicate) {
	e.predicate[descriptor] = predicate
}

// SetLocalDocumentsView implements Engine.
func (e *ScanEngine) SetLocalDocumentsView(view LocalDocumentsView) { e.view = view }

// GetDocumentsMatchingQuery implements Engine.
func (e *ScanEngine) GetDocumentsMatchingQuery(
	ctx context.Context, tx types.Txn, query ident.Query, _ hlc.Time, _ []ident.Key,
) (map[string]types.MaybeDocument, error) {
	predicate := e.predicate[query.Descriptor]
	keys := e.universe(query.CollectionPath)

	docs, err := e.view.GetDocuments(ctx, tx, keys)
	if err != nil {
		return nil, err
	}
	if predicate == nil {
		return docs, nil
	}
	out := make(map[string]types.MaybeDocument, len(docs))
	for path, doc := range docs {
		if predicate(doc) {
			out[path] = doc
		}
	}
	return out, nil
}
