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

package referencedelegate

import (
	"context"
	"testing"

	"github.com/cockroachdb/docsync/internal/targetcache"
	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/ident"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCache implements only the targetcache.Cache methods RemoveTarget
// depends on; every other method panics via the embedded nil
// interface if accidentally called.
type stubCache struct {
	targetcache.Cache
	matching map[int32][]ident.Key
	removed  []int32
}

func (s *stubCache) GetMatchingKeysForTargetID(_ context.Context, _ types.Txn, targetID int32) ([]ident.Key, error) {
	return s.matching[targetID], nil
}

func (s *stubCache) RemoveTargetData(_ context.Context, _ types.Txn, targetID int32) error {
	s.removed = append(s.removed, targetID)
	return nil
}

type fakeTxn struct{ sequence int64 }

func (f *fakeTxn) Mode() types.TransactionMode  { return types.ReadWritePrimary }
func (f *fakeTxn) CurrentSequenceNumber() int64 { return f.sequence }
func (f *fakeTxn) Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeTxn) Query(context.Context, string, ...interface{}) (types.Rows, error) { return nil, nil }
func (f *fakeTxn) QueryRow(context.Context, string, ...interface{}) types.Row         { return nil }

func TestAddRemoveReferenceTracksCount(t *testing.T) {
	ctx := context.Background()
	tx := &fakeTxn{sequence: 1}
	d := New(&stubCache{}).(*sequenceTracked)

	key := ident.NewKey("rooms", "1")
	require.NoError(t, d.AddReference(ctx, tx, key))
	require.NoError(t, d.AddReference(ctx, tx, key))
	assert.Equal(t, 2, d.RefCount(key))

	require.NoError(t, d.RemoveReference(ctx, tx, key))
	assert.Equal(t, 1, d.RefCount(key))

	require.NoError(t, d.RemoveReference(ctx, tx, key))
	assert.Equal(t, 0, d.RefCount(key))

	unpinned := d.Unpinned()
	require.Len(t, unpinned, 1)
	assert.Equal(t, key, unpinned[0])
}

func TestRemoveTargetReleasesEveryMatchingKey(t *testing.T) {
	ctx := context.Background()
	tx := &fakeTxn{sequence: 1}

	a := ident.NewKey("rooms", "1")
	b := ident.NewKey("rooms", "2")
	cache := &stubCache{matching: map[int32][]ident.Key{7: {a, b}}}
	d := New(cache).(*sequenceTracked)

	require.NoError(t, d.AddReference(ctx, tx, a))
	require.NoError(t, d.AddReference(ctx, tx, b))

	require.NoError(t, d.RemoveTarget(ctx, tx, 7))

	assert.Equal(t, 0, d.RefCount(a))
	assert.Equal(t, 0, d.RefCount(b))
	assert.Equal(t, []int32{7}, cache.removed)
}
