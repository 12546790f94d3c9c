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

// NamedQuery is a bundle's binding of a human-meaningful name to a
// query and the snapshot it was read at.
type NamedQuery struct {
	Name     string
	Target   ident.Query
	ReadTime hlc.Time
}

// umbrellaQuery returns the synthetic target every document loaded
// from the bundle named bundleName is pinned under, so the documents
// survive until the bundle itself is released.
func (ls *LocalStore) umbrellaQuery(bundleName string) ident.Query {
	return ident.Query{CollectionPath: ident.BundleUmbrellaPath(bundleName), Descriptor: "bundle"}
}

// HasNewerBundle reports whether a previously loaded bundle of the
// same name already reached createTime, in which case the caller
// should skip re-loading it.
func (ls *LocalStore) HasNewerBundle(ctx context.Context, bundleName string, createTime hlc.Time) (bool, error) {
	res, err := ls.runTransaction(ctx, "hasNewerBundle", types.ReadOnly,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			data, ok, err := ls.targets.GetTargetData(ctx, tx, ls.umbrellaQuery(bundleName))
			if err != nil {
				return nil, err
			}
			if !ok {
				return false, nil
			}
			return !hlc.Less(data.SnapshotVersion, createTime), nil
		})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// ApplyBundleDocuments implements applyBundleDocuments: it populates
// the remote document cache with the bundle's documents using their
// own per-key read times, then resets the umbrella target's matching
// keys to exactly the bundle's existing documents so the previous
// load's now-stale entries lose their pin.
func (ls *LocalStore) ApplyBundleDocuments(
	ctx context.Context, bundleName string, docs map[string]types.MaybeDocument, versions map[string]hlc.Time, createTime hlc.Time,
) (Changes, error) {
	type result struct {
		view map[string]types.MaybeDocument
		data types.TargetData
	}
	res, err := ls.runTransaction(ctx, "applyBundleDocuments", types.ReadWrite,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			buf := ls.docs.NewChangeBuffer(true)
			if err := populateChangeBuffer(ctx, tx, buf, docs, hlc.Zero(), versions); err != nil {
				return nil, err
			}
			if err := buf.Apply(ctx, tx); err != nil {
				return nil, err
			}

			query := ls.umbrellaQuery(bundleName)
			data, ok, err := ls.targets.GetTargetData(ctx, tx, query)
			if err != nil {
				return nil, err
			}
			if !ok {
				id, err := ls.targets.AllocateTargetID(ctx, tx)
				if err != nil {
					return nil, err
				}
				data = types.TargetData{
					Target: query, TargetID: id, Purpose: types.PurposeListen,
					SequenceNumber: tx.CurrentSequenceNumber(),
				}
				if err := ls.targets.AddTargetData(ctx, tx, data); err != nil {
					return nil, err
				}
			}
			if hlc.Less(data.SnapshotVersion, createTime) {
				data.SnapshotVersion = createTime
				data.SequenceNumber = tx.CurrentSequenceNumber()
				if err := ls.targets.UpdateTargetData(ctx, tx, data); err != nil {
					return nil, err
				}
			}

			if err := ls.targets.RemoveMatchingKeysForTargetID(ctx, tx, data.TargetID); err != nil {
				return nil, err
			}
			documentKeys := make([]ident.Key, 0, len(docs))
			allKeys := make([]ident.Key, 0, len(docs))
			for _, doc := range docs {
				allKeys = append(allKeys, doc.Key)
				if doc.IsDocument() {
					documentKeys = append(documentKeys, doc.Key)
				}
			}
			if err := ls.targets.AddMatchingKeys(ctx, tx, data.TargetID, documentKeys); err != nil {
				return nil, err
			}

			view, err := ls.localViewOfKeys(ctx, tx, allKeys)
			if err != nil {
				return nil, err
			}
			return result{view: view, data: data}, nil
		})
	if err != nil {
		return nil, err
	}
	r := res.(result)

	ls.index.Update(func(idx *targetIndex) *targetIndex {
		if existing, ok := idx.byID[r.data.TargetID]; ok && !hlc.Less(existing.SnapshotVersion, r.data.SnapshotVersion) {
			return idx
		}
		next := idx.clone()
		next.put(r.data)
		return next
	})
	return r.view, nil
}

// SaveNamedQuery implements saveNamedQuery: if the target the query
// resolves to is already caught up to query.ReadTime, this only needs
// to persist the name-to-query binding. Otherwise the target's resume
// token is cleared and its matching set reset to docs, so the next
// listen on this query resumes at the bundle's frontier instead of
// replaying history the bundle already delivered.
func (ls *LocalStore) SaveNamedQuery(ctx context.Context, query NamedQuery, docs []ident.Key) error {
	res, err := ls.runTransaction(ctx, "saveNamedQuery", types.ReadWrite,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			data, ok, err := ls.targets.GetTargetData(ctx, tx, query.Target)
			if err != nil {
				return nil, err
			}
			if !ok {
				id, err := ls.targets.AllocateTargetID(ctx, tx)
				if err != nil {
					return nil, err
				}
				data = types.TargetData{
					Target: query.Target, TargetID: id, Purpose: types.PurposeListen,
					SequenceNumber: tx.CurrentSequenceNumber(),
				}
				if err := ls.targets.AddTargetData(ctx, tx, data); err != nil {
					return nil, err
				}
			}

			if hlc.Less(data.SnapshotVersion, query.ReadTime) {
				data.ResumeToken = nil
				data.SnapshotVersion = query.ReadTime
				data.SequenceNumber = tx.CurrentSequenceNumber()
				if err := ls.targets.UpdateTargetData(ctx, tx, data); err != nil {
					return nil, err
				}
				if err := ls.targets.RemoveMatchingKeysForTargetID(ctx, tx, data.TargetID); err != nil {
					return nil, err
				}
				if err := ls.targets.AddMatchingKeys(ctx, tx, data.TargetID, docs); err != nil {
					return nil, err
				}
			}

			if err := ls.persistNamedQuery(ctx, tx, query.Name, query); err != nil {
				return nil, err
			}
			return data, nil
		})
	if err != nil {
		return err
	}
	data := res.(types.TargetData)

	ls.index.Update(func(idx *targetIndex) *targetIndex {
		if existing, ok := idx.byID[data.TargetID]; ok && !hlc.Less(existing.SnapshotVersion, data.SnapshotVersion) {
			return idx
		}
		next := idx.clone()
		next.put(data)
		return next
	})
	return nil
}
