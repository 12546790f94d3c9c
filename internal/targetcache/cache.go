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

// Package targetcache persists the registry of server-side listen
// targets: their assigned ids, resume tokens, and matching-document
// index. The last remote snapshot version lives in a singleton
// metadata row that is advanced only by a conditional
// upsert-if-newer, so it never regresses.
package targetcache

import (
	"context"
	"time"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
)

// TargetChange mirrors the per-target delta of a RemoteEvent, reduced
// to what ShouldPersistTargetData needs to decide.
type TargetChange struct {
	AddedDocuments    []ident.Key
	ModifiedDocuments []ident.Key
	RemovedDocuments  []ident.Key
}

// HasDocumentChanges reports whether the change touched any document.
func (c TargetChange) HasDocumentChanges() bool {
	return len(c.AddedDocuments) > 0 || len(c.ModifiedDocuments) > 0 || len(c.RemovedDocuments) > 0
}

// persistenceInterval is the minimum time between durable resume-token
// writes for an otherwise quiescent target.
const persistenceInterval = 5 * time.Minute

// ShouldPersistTargetData implements the resume-token persistence
// policy: persist if the old resume token was empty, if at least
// persistenceInterval has elapsed since the last persisted
// snapshotVersion, or if the change touched any document. oldSnapshot
// and newSnapshot are compared via their physical (nanos) component.
func ShouldPersistTargetData(old, new types.TargetData, change TargetChange) bool {
	if len(old.ResumeToken) == 0 {
		return true
	}
	elapsed := time.Duration(new.SnapshotVersion.Nanos() - old.SnapshotVersion.Nanos())
	if elapsed >= persistenceInterval {
		return true
	}
	return change.HasDocumentChanges()
}

// Cache is the durable target registry.
type Cache interface {
	// GetTargetData returns the persisted TargetData for target, or
	// ok=false if no target has ever been allocated for it.
	GetTargetData(ctx context.Context, tx types.Txn, target ident.Query) (types.TargetData, bool, error)

	// GetCachedTarget returns the persisted TargetData by targetId,
	// used by multi-tab coordination to inspect a target another
	// process owns.
	GetCachedTarget(ctx context.Context, tx types.Txn, targetID int32) (types.TargetData, bool, error)

	// AllocateTargetID returns a fresh, never-before-used target id.
	AllocateTargetID(ctx context.Context, tx types.Txn) (int32, error)

	// AddTargetData durably inserts a freshly allocated TargetData.
	AddTargetData(ctx context.Context, tx types.Txn, data types.TargetData) error

	// UpdateTargetData durably overwrites an existing TargetData.
	UpdateTargetData(ctx context.Context, tx types.Txn, data types.TargetData) error

	// RemoveTargetData deletes the persisted TargetData and its
	// matching-key index, used by releaseTarget when
	// keepPersistedTargetData is false.
	RemoveTargetData(ctx context.Context, tx types.Txn, targetID int32) error

	// AddMatchingKeys records that the given keys now match targetID.
	AddMatchingKeys(ctx context.Context, tx types.Txn, targetID int32, keys []ident.Key) error

	// RemoveMatchingKeys forgets that the given keys match targetID.
	RemoveMatchingKeys(ctx context.Context, tx types.Txn, targetID int32, keys []ident.Key) error

	// RemoveMatchingKeysForTargetID forgets every key matching
	// targetID, used when a bundle replaces a named query's result set
	// and by RemoveTargetData.
	RemoveMatchingKeysForTargetID(ctx context.Context, tx types.Txn, targetID int32) error

	// GetMatchingKeysForTargetID returns every key currently matching
	// targetID.
	GetMatchingKeysForTargetID(ctx context.Context, tx types.Txn, targetID int32) ([]ident.Key, error)

	// GetLastRemoteSnapshotVersion returns the last globally persisted
	// remote snapshot version, or hlc.Zero() if none has ever been set.
	GetLastRemoteSnapshotVersion(ctx context.Context, tx types.Txn) (hlc.Time, error)

	// SetTargetsMetadata conditionally advances the global persisted
	// remote snapshot version to snapshotVersion, recording
	// sequenceNumber alongside it. The write is a no-op, not an error,
	// if snapshotVersion does not exceed the currently persisted value,
	// preserving the invariant that the global snapshot version never
	// regresses.
	SetTargetsMetadata(ctx context.Context, tx types.Txn, sequenceNumber int64, snapshotVersion hlc.Time) error
}
