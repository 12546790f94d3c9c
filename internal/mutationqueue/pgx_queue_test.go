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

package mutationqueue

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/ident"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTxn is a minimal in-memory stand-in for types.Txn that
// understands only the handful of statement shapes sqlQueue issues. It
// exists so the monotonic-batchId and lookup logic in pgx_queue.go can
// be exercised without a live CockroachDB/MySQL connection.
type fakeTxn struct {
	rows map[int64]storedRow
	seq  map[string]int64
}

type storedRow struct {
	user, base, mutations string
	writeTime             time.Time
}

func newFakeTxn() *fakeTxn {
	return &fakeTxn{rows: map[int64]storedRow{}, seq: map[string]int64{}}
}

func (f *fakeTxn) Mode() types.TransactionMode  { return types.ReadWrite }
func (f *fakeTxn) CurrentSequenceNumber() int64 { return 0 }

func (f *fakeTxn) Exec(_ context.Context, sqlText string, args ...interface{}) (pgconn.CommandTag, error) {
	switch {
	case strings.HasPrefix(sqlText, "CREATE TABLE"):
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	case strings.Contains(sqlText, "_seq") && strings.HasPrefix(sqlText, "INSERT INTO"):
		f.seq[args[0].(string)] = args[1].(int64)
		return pgconn.NewCommandTag("INSERT 1"), nil
	case strings.Contains(sqlText, "_seq") && strings.HasPrefix(sqlText, "UPDATE"):
		f.seq[args[0].(string)]++
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.HasPrefix(sqlText, "INSERT INTO"):
		batchID := args[1].(int64)
		f.rows[batchID] = storedRow{
			user:      args[0].(string),
			writeTime: args[2].(time.Time),
			base:      string(args[3].([]byte)),
			mutations: string(args[4].([]byte)),
		}
		return pgconn.NewCommandTag("INSERT 1"), nil
	case strings.HasPrefix(sqlText, "DELETE FROM"):
		delete(f.rows, args[1].(int64))
		return pgconn.NewCommandTag("DELETE 1"), nil
	default:
		return pgconn.CommandTag{}, nil
	}
}

func (f *fakeTxn) QueryRow(_ context.Context, sqlText string, args ...interface{}) types.Row {
	switch {
	case strings.Contains(sqlText, "next_batch_id FROM"):
		next, ok := f.seq[args[0].(string)]
		if !ok {
			return &fakeRow{notFound: true}
		}
		return &fakeRow{seqNext: &next}
	case strings.Contains(sqlText, "max(batch_id)"):
		var highest *int64
		for id := range f.rows {
			id := id
			if highest == nil || id > *highest {
				highest = &id
			}
		}
		return &fakeRow{highest: highest}
	case strings.Contains(sqlText, "batch_id > $2"):
		after := args[1].(int64)
		var best *int64
		for id := range f.rows {
			if id > after && (best == nil || id < *best) {
				id := id
				best = &id
			}
		}
		if best == nil {
			return &fakeRow{notFound: true}
		}
		r := f.rows[*best]
		return &fakeRow{id: best, row: &r}
	default:
		batchID := args[1].(int64)
		r, ok := f.rows[batchID]
		if !ok {
			return &fakeRow{notFound: true}
		}
		return &fakeRow{id: &batchID, row: &r}
	}
}

func (f *fakeTxn) Query(_ context.Context, _ string, args ...interface{}) (types.Rows, error) {
	user := args[0].(string)
	var ids []int64
	for id, r := range f.rows {
		if r.user == user {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &fakeRows{txn: f, ids: ids, pos: -1}, nil
}

type fakeRow struct {
	highest  *int64
	id       *int64
	row      *storedRow
	seqNext  *int64
	notFound bool
}

func (r *fakeRow) Scan(dest ...interface{}) error {
	if r.notFound {
		return types.ErrNotFound
	}
	if r.seqNext != nil {
		*dest[0].(*int64) = *r.seqNext
		return nil
	}
	if r.highest != nil || len(dest) == 1 {
		*dest[0].(**int64) = r.highest
		return nil
	}
	*dest[0].(*int64) = *r.id
	*dest[1].(*time.Time) = r.row.writeTime
	*dest[2].(*[]byte) = []byte(r.row.base)
	*dest[3].(*[]byte) = []byte(r.row.mutations)
	return nil
}

type fakeRows struct {
	txn *fakeTxn
	ids []int64
	pos int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.ids)
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	id := r.ids[r.pos]
	row := r.txn.rows[id]
	*dest[0].(*int64) = id
	*dest[1].(*time.Time) = row.writeTime
	*dest[2].(*[]byte) = []byte(row.base)
	*dest[3].(*[]byte) = []byte(row.mutations)
	return nil
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

func mustKey(t *testing.T, collection, doc string) ident.Key {
	t.Helper()
	return ident.NewKey(collection, doc)
}

func TestAddMutationBatchAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTxn()
	q := &sqlQueue{table: "mutations", user: "alice"}

	m1 := types.Mutation{Kind: types.MutationSet, Key: mustKey(t, "rooms", "1"), Fields: json.RawMessage(`{}`)}
	b1, err := q.AddMutationBatch(ctx, tx, 100, nil, []types.Mutation{m1})
	require.NoError(t, err)
	assert.EqualValues(t, 1, b1.BatchID)

	m2 := types.Mutation{Kind: types.MutationSet, Key: mustKey(t, "rooms", "2"), Fields: json.RawMessage(`{}`)}
	b2, err := q.AddMutationBatch(ctx, tx, 200, nil, []types.Mutation{m2})
	require.NoError(t, err)
	assert.EqualValues(t, 2, b2.BatchID)

	highest, err := q.GetHighestUnacknowledgedBatchID(ctx, tx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, highest)
}

func TestAddMutationBatchDoesNotReuseIDsAfterQueueDrains(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTxn()
	q := &sqlQueue{table: "mutations", user: "erin"}

	m := types.Mutation{Kind: types.MutationSet, Key: mustKey(t, "rooms", "1"), Fields: json.RawMessage(`{}`)}

	b1, err := q.AddMutationBatch(ctx, tx, 1, nil, []types.Mutation{m})
	require.NoError(t, err)
	assert.EqualValues(t, 1, b1.BatchID)

	b2, err := q.AddMutationBatch(ctx, tx, 2, nil, []types.Mutation{m})
	require.NoError(t, err)
	assert.EqualValues(t, 2, b2.BatchID)

	// Drain the queue entirely.
	require.NoError(t, q.RemoveMutationBatch(ctx, tx, b1.BatchID))
	require.NoError(t, q.RemoveMutationBatch(ctx, tx, b2.BatchID))
	require.NoError(t, q.PerformConsistencyCheck(ctx, tx))

	all, err := q.GetAllMutationBatches(ctx, tx)
	require.NoError(t, err)
	assert.Empty(t, all)

	highest, err := q.GetHighestUnacknowledgedBatchID(ctx, tx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, highest)

	// The next batch must not reuse id 1: the counter survives the
	// drain independently of the now-empty queue rows.
	b3, err := q.AddMutationBatch(ctx, tx, 3, nil, []types.Mutation{m})
	require.NoError(t, err)
	assert.EqualValues(t, 3, b3.BatchID)
}

func TestLookupAndRemoveMutationBatch(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTxn()
	q := &sqlQueue{table: "mutations", user: "bob"}

	m := types.Mutation{Kind: types.MutationDelete, Key: mustKey(t, "rooms", "3")}
	added, err := q.AddMutationBatch(ctx, tx, 1, nil, []types.Mutation{m})
	require.NoError(t, err)

	got, err := q.LookupMutationBatch(ctx, tx, added.BatchID)
	require.NoError(t, err)
	require.Len(t, got.Mutations, 1)
	assert.Equal(t, types.MutationDelete, got.Mutations[0].Kind)

	require.NoError(t, q.RemoveMutationBatch(ctx, tx, added.BatchID))

	_, err = q.LookupMutationBatch(ctx, tx, added.BatchID)
	assert.True(t, types.IsNotFound(err))
}

func TestGetNextMutationBatchAfterBatchID(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTxn()
	q := &sqlQueue{table: "mutations", user: "carol"}

	for i := 0; i < 3; i++ {
		_, err := q.AddMutationBatch(ctx, tx, int64(i), nil, []types.Mutation{
			{Kind: types.MutationSet, Key: mustKey(t, "rooms", "x")},
		})
		require.NoError(t, err)
	}

	next, ok, err := q.GetNextMutationBatchAfterBatchID(ctx, tx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 2, next.BatchID)

	_, ok, err = q.GetNextMutationBatchAfterBatchID(ctx, tx, 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetAllMutationBatchesOrdering(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTxn()
	q := &sqlQueue{table: "mutations", user: "dave"}

	for i := 0; i < 5; i++ {
		_, err := q.AddMutationBatch(ctx, tx, int64(i), nil, []types.Mutation{
			{Kind: types.MutationSet, Key: mustKey(t, "rooms", "y")},
		})
		require.NoError(t, err)
	}

	all, err := q.GetAllMutationBatches(ctx, tx)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, b := range all {
		assert.EqualValues(t, i+1, b.BatchID)
	}
}
