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
	"time"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
	log "github.com/sirupsen/logrus"
)

// runTransaction wraps engine.RunTransaction with the op-labeled
// metrics every coordinator entry point reports.
func (ls *LocalStore) runTransaction(
	ctx context.Context, op string, mode types.TransactionMode,
	body func(ctx context.Context, tx types.Txn) (interface{}, error),
) (interface{}, error) {
	start := time.Now()
	result, err := ls.engine.RunTransaction(ctx, op, mode, body)
	ls.metrics.observe(op, time.Since(start).Seconds(), err)
	return result, err
}

// LocalWrite appends a new mutation batch and returns the local-view
// effect of applying it.
func (ls *LocalStore) LocalWrite(ctx context.Context, mutations []types.Mutation) (int64, Changes, error) {
	_, queue := ls.currentQueue()

	result, err := ls.runTransaction(ctx, "localWrite", types.ReadWrite,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			keys := mutationKeys(mutations)
			before, err := ls.localViewOfKeys(ctx, tx, keys)
			if err != nil {
				return nil, err
			}

			base := synthesizeBaseMutations(before, mutations)
			writeTime := time.Now().UnixNano()

			batch, err := queue.AddMutationBatch(ctx, tx, writeTime, base, mutations)
			if err != nil {
				return nil, err
			}

			changes := make(Changes, len(keys))
			for path, doc := range before {
				changes[path] = doc
			}
			applyBatchOverlay(changes, batch)
			return batchResult{batchID: batch.BatchID, changes: changes}, nil
		})
	if err != nil {
		return 0, nil, err
	}
	br := result.(batchResult)
	return br.batchID, br.changes, nil
}

type batchResult struct {
	batchID int64
	changes Changes
}

func mutationKeys(mutations []types.Mutation) []ident.Key {
	seen := make(map[string]bool, len(mutations))
	out := make([]ident.Key, 0, len(mutations))
	for _, m := range mutations {
		p := m.Key.Path()
		if !seen[p] {
			seen[p] = true
			out = append(out, m.Key)
		}
	}
	return out
}

func synthesizeBaseMutations(view map[string]types.MaybeDocument, mutations []types.Mutation) []types.Mutation {
	var base []types.Mutation
	for _, m := range mutations {
		if doc, ok := view[m.Key.Path()]; ok {
			if synthesized, ok := synthesizeBaseMutation(doc, m); ok {
				base = append(base, synthesized)
			}
		}
	}
	return base
}

// localViewOfKeys loads the current local view for keys, used by
// LocalWrite before appending its batch so that "changes" reflects the
// view immediately before this write.
func (ls *LocalStore) localViewOfKeys(ctx context.Context, tx types.Txn, keys []ident.Key) (map[string]types.MaybeDocument, error) {
	remote, err := ls.docs.GetAll(ctx, tx, keys)
	if err != nil {
		return nil, err
	}
	return ls.localViewOf(ctx, tx, keys, remote)
}

// AcknowledgeBatch implements acknowledgeBatch.
func (ls *LocalStore) AcknowledgeBatch(ctx context.Context, result types.MutationBatchResult) (Changes, error) {
	_, queue := ls.currentQueue()
	batch := result.Batch

	res, err := ls.runTransaction(ctx, "acknowledgeBatch", types.ReadWritePrimary,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			buf := ls.docs.NewChangeBuffer(true)

			for _, key := range batch.Keys() {
				path := key.Path()
				docVersion, hasVersion := result.DocVersions[path]
				if !hasVersion {
					continue
				}
				current, ok, err := buf.GetEntry(ctx, tx, key)
				if err != nil {
					return nil, err
				}
				if ok && !hlc.Less(current.Version, docVersion) {
					continue // already at or past the acknowledged version
				}
				updated := applyAcknowledgedBatch(current, batch, path, result.CommitVersion)
				buf.AddEntry(updated)
			}

			if err := buf.Apply(ctx, tx); err != nil {
				return nil, err
			}
			if err := queue.RemoveMutationBatch(ctx, tx, batch.BatchID); err != nil {
				return nil, err
			}
			if err := queue.PerformConsistencyCheck(ctx, tx); err != nil {
				log.WithError(err).Warn("mutation queue consistency check reported an issue")
			}

			return ls.localViewOfKeys(ctx, tx, batch.Keys())
		})
	if err != nil {
		return nil, err
	}
	return res.(map[string]types.MaybeDocument), nil
}

// applyAcknowledgedBatch applies base then real mutations addressing
// key atop current, then forces the result to the server-acknowledged,
// no-longer-pending state: HasPendingWrites=false, Version=commitVersion.
func applyAcknowledgedBatch(current types.MaybeDocument, batch types.MutationBatch, path string, commitVersion hlc.Time) types.MaybeDocument {
	cur := current
	for _, m := range batch.BaseMutations {
		if m.Key.Path() == path {
			cur = applyMutation(cur, m)
		}
	}
	for _, m := range batch.Mutations {
		if m.Key.Path() == path {
			cur = applyMutation(cur, m)
		}
	}
	cur.HasPendingWrites = false
	cur.Version = commitVersion
	return cur
}

// RejectBatch implements rejectBatch.
func (ls *LocalStore) RejectBatch(ctx context.Context, batchID int64) (Changes, error) {
	_, queue := ls.currentQueue()

	res, err := ls.runTransaction(ctx, "rejectBatch", types.ReadWritePrimary,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			batch, err := queue.LookupMutationBatch(ctx, tx, batchID)
			if err != nil {
				return nil, err
			}
			keys := batch.Keys()
			if err := queue.RemoveMutationBatch(ctx, tx, batchID); err != nil {
				return nil, err
			}
			if err := queue.PerformConsistencyCheck(ctx, tx); err != nil {
				log.WithError(err).Warn("mutation queue consistency check reported an issue")
			}
			return ls.localViewOfKeys(ctx, tx, keys)
		})
	if err != nil {
		return nil, err
	}
	return res.(map[string]types.MaybeDocument), nil
}

// AllocateTarget implements allocateTarget.
func (ls *LocalStore) AllocateTarget(ctx context.Context, target ident.Query) (types.TargetData, error) {
	res, err := ls.runTransaction(ctx, "allocateTarget", types.ReadWrite,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			if existing, ok, err := ls.targets.GetTargetData(ctx, tx, target); err != nil {
				return nil, err
			} else if ok {
				return existing, nil
			}

			id, err := ls.targets.AllocateTargetID(ctx, tx)
			if err != nil {
				return nil, err
			}
			data := types.TargetData{
				Target:         target,
				TargetID:       id,
				Purpose:        types.PurposeListen,
				SequenceNumber: tx.CurrentSequenceNumber(),
			}
			if err := ls.targets.AddTargetData(ctx, tx, data); err != nil {
				return nil, err
			}
			return data, nil
		})
	if err != nil {
		return types.TargetData{}, err
	}
	data := res.(types.TargetData)

	// Handles multi-tab races: only adopt data into the in-memory index
	// if it is not superseded by a concurrently-installed newer entry.
	ls.index.Update(func(idx *targetIndex) *targetIndex {
		if existing, ok := idx.byID[data.TargetID]; ok && !hlc.Less(existing.SnapshotVersion, data.SnapshotVersion) {
			return idx
		}
		next := idx.clone()
		next.put(data)
		return next
	})
	return data, nil
}

// ReleaseTarget implements releaseTarget.
func (ls *LocalStore) ReleaseTarget(ctx context.Context, targetID int32, keepPersistedTargetData bool) {
	if !keepPersistedTargetData {
		_, err := ls.runTransaction(ctx, "releaseTarget", types.ReadWritePrimary,
			func(ctx context.Context, tx types.Txn) (interface{}, error) {
				if err := ls.refs.RemoveTarget(ctx, tx, targetID); err != nil {
					return nil, err
				}
				if err := ls.targets.RemoveMatchingKeysForTargetID(ctx, tx, targetID); err != nil {
					return nil, err
				}
				return nil, ls.targets.RemoveTargetData(ctx, tx, targetID)
			})
		if err != nil {
			logTransientBookkeeping("releaseTarget", err)
		}
	}
	ls.index.Update(func(idx *targetIndex) *targetIndex {
		if _, ok := idx.byID[targetID]; !ok {
			return idx
		}
		next := idx.clone()
		next.remove(targetID)
		return next
	})
}

// ExecuteQuery implements executeQuery.
func (ls *LocalStore) ExecuteQuery(
	ctx context.Context, query ident.Query, usePreviousResults bool,
) (map[string]types.MaybeDocument, []ident.Key, error) {
	type result struct {
		docs map[string]types.MaybeDocument
		keys []ident.Key
	}
	res, err := ls.runTransaction(ctx, "executeQuery", types.ReadOnly,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			idx := ls.snapshotIndex()
			var data types.TargetData
			var ok bool
			if targetID, found := idx.byQuery[queryKey(query)]; found {
				data, ok = idx.byID[targetID], true
			} else {
				var err error
				data, ok, err = ls.targets.GetTargetData(ctx, tx, query)
				if err != nil {
					return nil, err
				}
			}

			sinceVersion := hlc.Zero()
			var remoteKeys []ident.Key
			if usePreviousResults && ok {
				sinceVersion = data.LastLimboFreeSnapshotVersion
				keys, err := ls.targets.GetMatchingKeysForTargetID(ctx, tx, data.TargetID)
				if err != nil {
					return nil, err
				}
				remoteKeys = keys
			}

			docs, err := ls.queryEngine.GetDocumentsMatchingQuery(ctx, tx, query, sinceVersion, remoteKeys)
			if err != nil {
				return nil, err
			}
			keys := make([]ident.Key, 0, len(docs))
			for _, doc := range docs {
				keys = append(keys, doc.Key)
			}
			return result{docs: docs, keys: keys}, nil
		})
	if err != nil {
		return nil, nil, err
	}
	r := res.(result)
	return r.docs, r.keys, nil
}

// NotifyLocalViewChanges implements notifyLocalViewChanges.
func (ls *LocalStore) NotifyLocalViewChanges(ctx context.Context, changes []ViewChange) {
	_, err := ls.runTransaction(ctx, "notifyLocalViewChanges", types.ReadWrite,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			for _, vc := range changes {
				for _, key := range vc.Added {
					if err := ls.refs.AddReference(ctx, tx, key); err != nil {
						return nil, err
					}
				}
				for _, key := range vc.Removed {
					if err := ls.refs.RemoveReference(ctx, tx, key); err != nil {
						return nil, err
					}
				}
			}
			return nil, nil
		})
	if err != nil {
		logTransientBookkeeping("notifyLocalViewChanges", err)
		return
	}

	ls.index.Update(func(idx *targetIndex) *targetIndex {
		next := idx.clone()
		changed := false
		for _, vc := range changes {
			if vc.Source == FromCache {
				continue
			}
			if data, ok := next.byID[vc.TargetID]; ok {
				data.LastLimboFreeSnapshotVersion = data.SnapshotVersion
				next.put(data)
				changed = true
			}
		}
		if !changed {
			return idx
		}
		return next
	})
}

// --- Thin transactional reads ------------------------------------------------

// GetHighestUnacknowledgedBatchID returns the highest queued batch id
// for the current user, or 0 if the queue is empty.
func (ls *LocalStore) GetHighestUnacknowledgedBatchID(ctx context.Context) (int64, error) {
	_, queue := ls.currentQueue()
	res, err := ls.runTransaction(ctx, "getHighestUnacknowledgedBatchId", types.ReadOnly,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			return queue.GetHighestUnacknowledgedBatchID(ctx, tx)
		})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// GetLastRemoteSnapshotVersion returns the last persisted global remote
// snapshot version.
func (ls *LocalStore) GetLastRemoteSnapshotVersion(ctx context.Context) (hlc.Time, error) {
	res, err := ls.runTransaction(ctx, "getLastRemoteSnapshotVersion", types.ReadOnly,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			return ls.targets.GetLastRemoteSnapshotVersion(ctx, tx)
		})
	if err != nil {
		return hlc.Time{}, err
	}
	return res.(hlc.Time), nil
}

// NextMutationBatch returns the lowest-id batch strictly after afterID
// (or the first batch, if afterID is nil).
func (ls *LocalStore) NextMutationBatch(ctx context.Context, afterID *int64) (types.MutationBatch, bool, error) {
	_, queue := ls.currentQueue()
	type result struct {
		batch types.MutationBatch
		ok    bool
	}
	var after int64
	if afterID != nil {
		after = *afterID
	}
	res, err := ls.runTransaction(ctx, "nextMutationBatch", types.ReadOnly,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			batch, ok, err := queue.GetNextMutationBatchAfterBatchID(ctx, tx, after)
			return result{batch: batch, ok: ok}, err
		})
	if err != nil {
		return types.MutationBatch{}, false, err
	}
	r := res.(result)
	return r.batch, r.ok, nil
}

// ReadLocalDocument returns the local view of a single key.
func (ls *LocalStore) ReadLocalDocument(ctx context.Context, key ident.Key) (types.MaybeDocument, error) {
	res, err := ls.runTransaction(ctx, "readLocalDocument", types.ReadOnly,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			view, err := ls.localViewOfKeys(ctx, tx, []ident.Key{key})
			if err != nil {
				return nil, err
			}
			return view[key.Path()], nil
		})
	if err != nil {
		return types.MaybeDocument{}, err
	}
	return res.(types.MaybeDocument), nil
}

// GetLocalTargetData returns the in-memory (falling back to persisted)
// TargetData for targetID.
func (ls *LocalStore) GetLocalTargetData(ctx context.Context, targetID int32) (types.TargetData, bool, error) {
	if data, ok := ls.snapshotIndex().byID[targetID]; ok {
		return data, true, nil
	}
	return ls.GetCachedTarget(ctx, targetID)
}

// LookupMutationDocuments returns the keys touched by batchID. Against
// a single-process engine it reads straight through to the current
// user's queue; a multi-tab deployment would need to locate whichever
// tab owns the batch.
func (ls *LocalStore) LookupMutationDocuments(ctx context.Context, batchID int64) ([]ident.Key, error) {
	_, queue := ls.currentQueue()
	res, err := ls.runTransaction(ctx, "lookupMutationDocuments", types.ReadOnly,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			batch, err := queue.LookupMutationBatch(ctx, tx, batchID)
			if err != nil {
				return nil, err
			}
			return batch.Keys(), nil
		})
	if err != nil {
		return nil, err
	}
	return res.([]ident.Key), nil
}

// GetActiveClients reports every client sharing this engine. A
// single-process deployment has exactly one active client, itself.
func (ls *LocalStore) GetActiveClients(context.Context) ([]string, error) {
	user, _ := ls.currentQueue()
	return []string{user}, nil
}

// GetCachedTarget returns the persisted TargetData by id, used to
// inspect a target allocated by another process sharing this engine.
func (ls *LocalStore) GetCachedTarget(ctx context.Context, targetID int32) (types.TargetData, bool, error) {
	type result struct {
		data types.TargetData
		ok   bool
	}
	res, err := ls.runTransaction(ctx, "getCachedTarget", types.ReadOnly,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			data, ok, err := ls.targets.GetCachedTarget(ctx, tx, targetID)
			return result{data: data, ok: ok}, err
		})
	if err != nil {
		return types.TargetData{}, false, err
	}
	r := res.(result)
	return r.data, r.ok, nil
}

// GetNewDocumentChanges surfaces document changes written by another
// process sharing this engine. A single-process deployment has no
// other tab's writes to surface, so it always returns an empty result.
func (ls *LocalStore) GetNewDocumentChanges(context.Context) ([]ident.Key, hlc.Time, error) {
	return nil, hlc.Zero(), nil
}

// SynchronizeLastDocumentChangeReadTime records how far this process
// has read the document-change feed shared with other processes.
// Single-process deployments have nothing to synchronize against.
func (ls *LocalStore) SynchronizeLastDocumentChangeReadTime(context.Context) error { return nil }
