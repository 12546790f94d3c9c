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

	"github.com/cockroachdb/docsync/internal/remotedocumentcache"
	"github.com/cockroachdb/docsync/internal/targetcache"
	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ApplyRemoteEventToLocalCache reconciles the target index and document
// cache against one incoming event, starting from the current in-memory
// target index as a private working copy so the transaction is
// re-derivable from scratch on retry. The working copy is only
// installed as the new root after a successful commit.
func (ls *LocalStore) ApplyRemoteEventToLocalCache(ctx context.Context, event RemoteEvent) (Changes, error) {
	working := ls.snapshotIndex().clone()
	touchedKeys := make(map[string]ident.Key)

	res, err := ls.runTransaction(ctx, "applyRemoteEventToLocalCache", types.ReadWrite,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			buf := ls.docs.NewChangeBuffer(true)

			for targetID, change := range event.TargetChanges {
				data, ok := working.byID[targetID]
				if !ok {
					continue // target no longer active locally
				}
				if err := ls.targets.RemoveMatchingKeys(ctx, tx, targetID, change.RemovedDocuments); err != nil {
					return nil, err
				}
				if err := ls.targets.AddMatchingKeys(ctx, tx, targetID, change.AddedDocuments); err != nil {
					return nil, err
				}

				updated := data
				if token, ok := event.TargetResumeTokens[targetID]; ok && len(token) > 0 {
					updated = data.WithResumeToken(token, event.SnapshotVersion, tx.CurrentSequenceNumber())
					working.put(updated)
				}
				if token, ok := event.TargetResumeTokens[targetID]; ok && len(token) > 0 && targetcache.ShouldPersistTargetData(data, updated, change) {
					if err := ls.targets.UpdateTargetData(ctx, tx, updated); err != nil {
						return nil, err
					}
				}
			}

			for path := range event.ResolvedLimboDocs {
				doc, ok := event.DocumentUpdates[path]
				if !ok {
					continue
				}
				if err := ls.refs.UpdateLimboDocument(ctx, tx, doc.Key); err != nil {
					return nil, err
				}
			}

			versions := make(map[string]hlc.Time, len(event.DocumentUpdates))
			docs := make(map[string]types.MaybeDocument, len(event.DocumentUpdates))
			updateKeys := make([]ident.Key, 0, len(event.DocumentUpdates))
			for path, doc := range event.DocumentUpdates {
				docs[path] = doc
				versions[path] = event.SnapshotVersion
				updateKeys = append(updateKeys, doc.Key)
			}
			// Only updates that populateChangeBuffer writes or removes are
			// reported as changes; stale updates are left out.
			prior, err := buf.GetEntries(ctx, tx, updateKeys)
			if err != nil {
				return nil, err
			}
			for path, doc := range docs {
				old, had := prior[path]
				if doc.IsManufacturedTombstone() || !had || hlc.Less(old.Version, doc.Version) ||
					(old.Version == doc.Version && old.HasPendingWrites) {
					touchedKeys[path] = doc.Key
				}
			}
			if err := populateChangeBuffer(ctx, tx, buf, docs, event.SnapshotVersion, versions); err != nil {
				return nil, err
			}

			if !event.SnapshotVersion.IsZero() {
				last, err := ls.targets.GetLastRemoteSnapshotVersion(ctx, tx)
				if err != nil {
					return nil, err
				}
				if hlc.Less(event.SnapshotVersion, last) {
					return nil, errors.Errorf("localstore: remote snapshot version went backwards: %v < %v", event.SnapshotVersion, last)
				}
				if err := ls.targets.SetTargetsMetadata(ctx, tx, tx.CurrentSequenceNumber(), event.SnapshotVersion); err != nil {
					return nil, err
				}
			}

			if err := buf.Apply(ctx, tx); err != nil {
				return nil, err
			}

			keys := make([]ident.Key, 0, len(touchedKeys))
			for _, k := range touchedKeys {
				keys = append(keys, k)
			}
			return ls.localViewOfKeys(ctx, tx, keys)
		})
	if err != nil {
		return nil, err
	}

	ls.index.Update(func(*targetIndex) *targetIndex { return working })
	return res.(map[string]types.MaybeDocument), nil
}

// populateChangeBuffer implements the remote document change-buffer
// population rule: a manufactured permission-denied tombstone removes
// the entry and is reported as changed; a strictly newer version, or an
// equal version that retires a pending write, overwrites the entry; any
// other incoming value is a stale update and is dropped.
func populateChangeBuffer(
	ctx context.Context, tx types.Txn, buf *remotedocumentcache.ChangeBuffer,
	docs map[string]types.MaybeDocument, globalVersion hlc.Time, documentVersions map[string]hlc.Time,
) error {
	keys := make([]ident.Key, 0, len(docs))
	for _, doc := range docs {
		keys = append(keys, doc.Key)
	}
	existing, err := buf.GetEntries(ctx, tx, keys)
	if err != nil {
		return err
	}

	for path, incoming := range docs {
		if incoming.IsManufacturedTombstone() {
			buf.RemoveEntry(incoming.Key)
			continue
		}

		prior, had := existing[path]
		newer := !had || hlc.Less(prior.Version, incoming.Version)
		retiringPending := had && prior.Version == incoming.Version && prior.HasPendingWrites
		if !newer && !retiringPending {
			log.WithField("key", path).Debug("dropping stale remote document update")
			continue
		}

		readTime := documentVersions[path]
		if readTime.IsZero() {
			readTime = globalVersion
		}
		if readTime.IsZero() {
			return errors.Errorf("localstore: document change for %s has no read time", path)
		}
		stamped := incoming
		stamped.Version = readTime
		stamped.HasPendingWrites = false
		buf.AddEntry(stamped)
	}
	return nil
}
