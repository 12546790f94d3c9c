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
	"encoding/json"
	"strings"
	"testing"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTxn is a tiny in-memory stand-in for types.Txn, understanding
// only the upsert-by-path and select-by-path shapes pgx_cache.go uses.
type fakeTxn struct {
	rows map[string]row
}

type row struct {
	kind           int
	nanos, logical int64
	fields         []byte
}

func newFakeTxn() *fakeTxn { return &fakeTxn{rows: map[string]row{}} }

func (f *fakeTxn) Mode() types.TransactionMode  { return types.ReadWritePrimary }
func (f *fakeTxn) CurrentSequenceNumber() int64 { return 0 }

func (f *fakeTxn) Exec(_ context.Context, sqlText string, args ...interface{}) (pgconn.CommandTag, error) {
	switch {
	case strings.HasPrefix(sqlText, "CREATE TABLE"):
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	case strings.HasPrefix(sqlText, "UPSERT INTO"):
		path := args[0].(string)
		var fields []byte
		if args[4] != nil {
			fields = args[4].([]byte)
		}
		f.rows[path] = row{kind: args[1].(int), nanos: args[2].(int64), logical: int64(args[3].(int)), fields: fields}
		return pgconn.NewCommandTag("UPSERT 1"), nil
	case strings.HasPrefix(sqlText, "DELETE FROM"):
		delete(f.rows, args[0].(string))
		return pgconn.NewCommandTag("DELETE 1"), nil
	default:
		return pgconn.CommandTag{}, nil
	}
}

func (f *fakeTxn) QueryRow(_ context.Context, sqlText string, args ...interface{}) types.Row {
	path := args[0].(string)
	switch {
	case strings.HasPrefix(sqlText, "SELECT true"):
		_, ok := f.rows[path]
		return &fakeRow{exists: ok}
	default:
		r, ok := f.rows[path]
		if !ok {
			return &fakeRow{notFound: true}
		}
		return &fakeRow{row: &r}
	}
}

func (f *fakeTxn) Query(_ context.Context, _ string, args ...interface{}) (types.Rows, error) {
	prefix := strings.TrimSuffix(args[0].(string), "%")
	var paths []string
	for p := range f.rows {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	return &fakeRows{txn: f, paths: paths, pos: -1}, nil
}

type fakeRow struct {
	row      *row
	exists   bool
	notFound bool
}

func (r *fakeRow) Scan(dest ...interface{}) error {
	if r.notFound {
		return types.ErrNotFound
	}
	if len(dest) == 1 {
		*dest[0].(*bool) = r.exists
		return nil
	}
	*dest[0].(*int) = r.row.kind
	*dest[1].(*int64) = r.row.nanos
	*dest[2].(*int) = int(r.row.logical)
	*dest[3].(*[]byte) = r.row.fields
	return nil
}

type fakeRows struct {
	txn   *fakeTxn
	paths []string
	pos   int
}

func (r *fakeRows) Next() bool { r.pos++; return r.pos < len(r.paths) }
func (r *fakeRows) Scan(dest ...interface{}) error {
	path := r.paths[r.pos]
	row := r.txn.rows[path]
	*dest[0].(*string) = path
	*dest[1].(*int) = row.kind
	*dest[2].(*int64) = row.nanos
	*dest[3].(*int) = int(row.logical)
	*dest[4].(*[]byte) = row.fields
	return nil
}
func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

func TestChangeBufferStagesBeforeApply(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTxn()
	cache := New("remote_documents").(*sqlCache)

	key := ident.NewKey("rooms", "1")
	buf := cache.NewChangeBuffer(true)

	_, ok, err := buf.GetEntry(ctx, tx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	doc := types.NewDocument(key, hlc.New(10, 0), json.RawMessage(`{"x":1}`), false)
	buf.AddEntry(doc)

	staged, ok, err := buf.GetEntry(ctx, tx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, doc.Fields, staged.Fields)

	// Not yet durable.
	_, ok, err = cache.Get(ctx, tx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, buf.Apply(ctx, tx))

	got, ok, err := cache.Get(ctx, tx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.IsDocument())
	assert.Equal(t, hlc.New(10, 0), got.Version)
}

func TestChangeBufferRemoveEntryDeletesWithoutTombstone(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTxn()
	cache := New("remote_documents").(*sqlCache)

	key := ident.NewKey("rooms", "2")
	require.NoError(t, cache.Apply(ctx, tx, map[string]types.MaybeDocument{
		key.Path(): types.NewDocument(key, hlc.New(5, 0), json.RawMessage(`{}`), false),
	}))

	buf := cache.NewChangeBuffer(true)
	buf.RemoveEntry(key)
	require.NoError(t, buf.Apply(ctx, tx))

	// RemoveEntry durably deletes the row entirely, rather than writing
	// a NoDocument tombstone in its place, and the buffer also reports
	// it was staged for removal.
	_, ok, err := cache.Get(ctx, tx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	removed := buf.Removed()
	require.Len(t, removed, 1)
	assert.Equal(t, key, removed[0])
}

func TestApplyRejectsManufacturedTombstone(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTxn()
	cache := New("remote_documents").(*sqlCache)

	key := ident.NewKey("rooms", "3")
	err := cache.Apply(ctx, tx, map[string]types.MaybeDocument{
		key.Path(): types.NewNoDocument(key, hlc.Zero()),
	})
	require.Error(t, err)
}

func TestGetAllForCollectionFiltersToDirectChildren(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTxn()
	cache := New("remote_documents").(*sqlCache)

	a := ident.NewKey("rooms", "1")
	nested := ident.NewKey("rooms", "1", "messages", "1")
	require.NoError(t, cache.Apply(ctx, tx, map[string]types.MaybeDocument{
		a.Path():      types.NewDocument(a, hlc.New(1, 0), json.RawMessage(`{}`), false),
		nested.Path(): types.NewDocument(nested, hlc.New(2, 0), json.RawMessage(`{}`), false),
	}))

	out, err := cache.GetAllForCollection(ctx, tx, "rooms", hlc.Zero())
	require.NoError(t, err)
	require.Len(t, out, 1)
	_, ok := out[a.Path()]
	assert.True(t, ok)
}
