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

package localstore_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/docsync/internal/localstore"
	"github.com/cockroachdb/docsync/internal/localstoretest"
	"github.com/cockroachdb/docsync/internal/targetcache"
	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
)

func setDoc(key ident.Key, fields string) types.Mutation {
	return types.Mutation{Kind: types.MutationSet, Key: key, Fields: json.RawMessage(fields)}
}

// TestLocalWriteThenAcknowledge covers a local write becoming visible
// immediately with HasPendingWrites set, then losing that flag once
// the server acknowledges the batch at a real commit version.
func TestLocalWriteThenAcknowledge(t *testing.T) {
	ctx := context.Background()
	f := localstoretest.New(t, "alice")

	key := ident.NewKey("rooms", "1")
	batchID, changes, err := f.LocalWrite(ctx, []types.Mutation{setDoc(key, `{"name":"lobby"}`)})
	require.NoError(t, err)
	require.Contains(t, changes, key.Path())
	assert.True(t, changes[key.Path()].HasPendingWrites)
	assert.True(t, changes[key.Path()].IsDocument())

	commitVersion := hlc.New(1000, 0)
	ack, err := f.AcknowledgeBatch(ctx, types.MutationBatchResult{
		Batch:         types.MutationBatch{BatchID: batchID, Mutations: []types.Mutation{setDoc(key, `{"name":"lobby"}`)}},
		CommitVersion: commitVersion,
		DocVersions:   map[string]hlc.Time{key.Path(): commitVersion},
	})
	require.NoError(t, err)
	require.Contains(t, ack, key.Path())
	assert.False(t, ack[key.Path()].HasPendingWrites)
	assert.Equal(t, commitVersion, ack[key.Path()].Version)
}

// TestRemoteEventThenLocalOverlayThenReject covers a document arriving
// from a remote event, a local write overlaying it, and the local
// write being rejected so the overlay disappears and the remote value
// resurfaces unchanged.
func TestRemoteEventThenLocalOverlayThenReject(t *testing.T) {
	ctx := context.Background()
	f := localstoretest.New(t, "bob")

	key := ident.NewKey("rooms", "2")
	target, err := f.AllocateTarget(ctx, ident.Query{CollectionPath: "rooms"})
	require.NoError(t, err)

	remoteVersion := hlc.New(500, 0)
	_, err = f.ApplyRemoteEventToLocalCache(ctx, localstore.RemoteEvent{
		SnapshotVersion: remoteVersion,
		TargetChanges: map[int32]targetcache.TargetChange{
			target.TargetID: {AddedDocuments: []ident.Key{key}},
		},
		DocumentUpdates: map[string]types.MaybeDocument{
			key.Path(): types.NewDocument(key, remoteVersion, json.RawMessage(`{"name":"remote"}`), false),
		},
		TargetResumeTokens: map[int32][]byte{target.TargetID: []byte("token-1")},
	})
	require.NoError(t, err)

	batchID, changes, err := f.LocalWrite(ctx, []types.Mutation{setDoc(key, `{"name":"local"}`)})
	require.NoError(t, err)
	assert.True(t, changes[key.Path()].HasPendingWrites)

	rejected, err := f.RejectBatch(ctx, batchID)
	require.NoError(t, err)
	require.Contains(t, rejected, key.Path())
	assert.False(t, rejected[key.Path()].HasPendingWrites)
	assert.Equal(t, remoteVersion, rejected[key.Path()].Version)
}

// TestStaleRemoteUpdateIgnored covers populateChangeBuffer's rule that
// an update strictly older than the cached version is dropped instead
// of regressing the document.
func TestStaleRemoteUpdateIgnored(t *testing.T) {
	ctx := context.Background()
	f := localstoretest.New(t, "carol")

	key := ident.NewKey("rooms", "3")
	target, err := f.AllocateTarget(ctx, ident.Query{CollectionPath: "rooms"})
	require.NoError(t, err)

	newer := hlc.New(2000, 0)
	changes, err := f.ApplyRemoteEventToLocalCache(ctx, localstore.RemoteEvent{
		SnapshotVersion: newer,
		TargetChanges: map[int32]targetcache.TargetChange{
			target.TargetID: {AddedDocuments: []ident.Key{key}},
		},
		DocumentUpdates: map[string]types.MaybeDocument{
			key.Path(): types.NewDocument(key, newer, json.RawMessage(`{"v":2}`), false),
		},
	})
	require.NoError(t, err)
	require.Equal(t, newer, changes[key.Path()].Version)

	older := hlc.New(1000, 0)
	stale, err := f.ApplyRemoteEventToLocalCache(ctx, localstore.RemoteEvent{
		SnapshotVersion: hlc.Zero(),
		DocumentUpdates: map[string]types.MaybeDocument{
			key.Path(): types.NewDocument(key, older, json.RawMessage(`{"v":1}`), false),
		},
	})
	require.NoError(t, err)
	assert.Empty(t, stale, "a stale update must not surface as a change")

	view, _, err := f.ExecuteQuery(ctx, ident.Query{CollectionPath: "rooms"}, true)
	require.NoError(t, err)
	require.Contains(t, view, key.Path())
	assert.Equal(t, newer, view[key.Path()].Version, "stale update must not regress the cached version")
}

// TestManufacturedTombstoneRemovesEntry covers a permission-denied
// limbo resolution, represented as a NoDocument at the zero hlc.Time,
// removing the cache entry entirely rather than being written through
// as a real tombstone.
func TestManufacturedTombstoneRemovesEntry(t *testing.T) {
	ctx := context.Background()
	f := localstoretest.New(t, "dave")

	key := ident.NewKey("rooms", "4")
	target, err := f.AllocateTarget(ctx, ident.Query{CollectionPath: "rooms"})
	require.NoError(t, err)

	version := hlc.New(700, 0)
	_, err = f.ApplyRemoteEventToLocalCache(ctx, localstore.RemoteEvent{
		SnapshotVersion: version,
		TargetChanges: map[int32]targetcache.TargetChange{
			target.TargetID: {AddedDocuments: []ident.Key{key}},
		},
		DocumentUpdates: map[string]types.MaybeDocument{
			key.Path(): types.NewDocument(key, version, json.RawMessage(`{"v":1}`), false),
		},
	})
	require.NoError(t, err)

	changes, err := f.ApplyRemoteEventToLocalCache(ctx, localstore.RemoteEvent{
		SnapshotVersion: hlc.Zero(),
		DocumentUpdates: map[string]types.MaybeDocument{
			key.Path(): types.NewNoDocument(key, hlc.Zero()),
		},
	})
	require.NoError(t, err)
	require.Contains(t, changes, key.Path())
	assert.False(t, changes[key.Path()].IsDocument(), "the manufactured tombstone removes the cached document")
}

// TestSaveNamedQueryThenGetNamedQuery covers a named query surviving a
// round trip through SaveNamedQuery and GetNamedQuery, and a lookup of
// an unknown name reporting ok=false rather than an error.
func TestSaveNamedQueryThenGetNamedQuery(t *testing.T) {
	ctx := context.Background()
	f := localstoretest.New(t, "erin")

	key := ident.NewKey("rooms", "5")
	readTime := hlc.New(900, 1)
	query := localstore.NamedQuery{
		Name:     "q1",
		Target:   ident.Query{CollectionPath: "rooms", Descriptor: "order:name"},
		ReadTime: readTime,
	}
	require.NoError(t, f.SaveNamedQuery(ctx, query, []ident.Key{key}))

	got, ok, err := f.GetNamedQuery(ctx, "q1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, query, got)

	_, ok, err = f.GetNamedQuery(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}
