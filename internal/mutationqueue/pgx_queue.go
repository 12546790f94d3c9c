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
	"fmt"
	"time"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/msort"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
  user_id          STRING    NOT NULL,
  batch_id         INT       NOT NULL,
  local_write_time TIMESTAMP NOT NULL,
  base_mutations   JSONB     NOT NULL,
  mutations        JSONB     NOT NULL,
  PRIMARY KEY (user_id, batch_id)
)`

// seqSchema backs the per-user batchId counter. It is kept in its own
// table, separate from the queue rows themselves, precisely so that
// RemoveMutationBatch draining every row for a user never resets the
// next id it hands out.
const seqSchema = `
CREATE TABLE IF NOT EXISTS %[1]s_seq (
  user_id       STRING NOT NULL PRIMARY KEY,
  next_batch_id INT8   NOT NULL
)`

// sqlQueue is the pgx-backed (and MySQL-compatible, via the
// types.Txn.Exec-only surface) implementation of Queue.
type sqlQueue struct {
	table string
	user  string
}

var _ Queue = (*sqlQueue)(nil)

// queues is the default Queues factory.
type queues struct {
	table string
}

var _ Queues = (*queues)(nil)

// NewQueues constructs a Queues factory backed by the table named
// table, which must already exist (created via CreateSchema).
func NewQueues(table string) Queues {
	return &queues{table: table}
}

// CreateSchema ensures the backing table exists. It should be run once,
// outside of the per-operation transactions, e.g. during local store
// initialization.
func CreateSchema(ctx context.Context, tx types.Txn, table string) error {
	if _, err := tx.Exec(ctx, fmt.Sprintf(schema, table)); err != nil {
		return errors.WithStack(err)
	}
	_, err := tx.Exec(ctx, fmt.Sprintf(seqSchema, table))
	return errors.WithStack(err)
}

func (q *queues) Get(_ context.Context, user string) (Queue, error) {
	if user == "" {
		return nil, errors.New("mutationqueue: empty user")
	}
	return &sqlQueue{table: q.table, user: user}, nil
}

type row struct {
	BatchID        int64
	LocalWriteTime time.Time
	BaseMutations  []types.Mutation
	Mutations      []types.Mutation
}

func (q *sqlQueue) AddMutationBatch(
	ctx context.Context, tx types.Txn, localWriteTimeUnixNanos int64, base, mutations []types.Mutation,
) (types.MutationBatch, error) {
	batchID, err := q.nextBatchID(ctx, tx)
	if err != nil {
		return types.MutationBatch{}, err
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return types.MutationBatch{}, errors.WithStack(err)
	}
	mutJSON, err := json.Marshal(mutations)
	if err != nil {
		return types.MutationBatch{}, errors.WithStack(err)
	}

	writeTime := time.Unix(0, localWriteTimeUnixNanos).UTC()

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, batch_id, local_write_time, base_mutations, mutations)
VALUES ($1, $2, $3, $4, $5)`, q.table),
		q.user, batchID, writeTime, baseJSON, mutJSON)
	if err != nil {
		return types.MutationBatch{}, errors.Wrap(err, "mutationqueue: could not append batch")
	}

	batchStoreCount.WithLabelValues(q.user).Inc()

	batch := types.MutationBatch{
		BatchID:        batchID,
		LocalWriteTime: writeTime,
		BaseMutations:  base,
		Mutations:      mutations,
	}
	log.WithFields(log.Fields{"user": q.user, "batchId": batchID}).Trace("appended mutation batch")
	return batch, nil
}

// nextBatchID assigns and advances the user's persistent batchId
// counter, which lives apart from the queue rows so that draining the
// queue entirely never resets it. The first call for a user
// initializes the counter at 1.
func (q *sqlQueue) nextBatchID(ctx context.Context, tx types.Txn) (int64, error) {
	var next int64
	r := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT next_batch_id FROM %s_seq WHERE user_id = $1`, q.table), q.user)
	if err := r.Scan(&next); err != nil {
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s_seq (user_id, next_batch_id) VALUES ($1, $2)`, q.table),
			q.user, int64(2))
		if err != nil {
			return 0, errors.Wrap(err, "mutationqueue: could not initialize batch id counter")
		}
		return 1, nil
	}
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s_seq SET next_batch_id = next_batch_id + 1 WHERE user_id = $1`, q.table),
		q.user)
	if err != nil {
		return 0, errors.Wrap(err, "mutationqueue: could not advance batch id counter")
	}
	return next, nil
}

func (q *sqlQueue) RemoveMutationBatch(ctx context.Context, tx types.Txn, batchID int64) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1 AND batch_id = $2`, q.table),
		q.user, batchID)
	if err != nil {
		return errors.Wrap(err, "mutationqueue: could not remove batch")
	}
	batchRetireCount.WithLabelValues(q.user).Inc()
	return nil
}

func (q *sqlQueue) LookupMutationBatch(ctx context.Context, tx types.Txn, batchID int64) (types.MutationBatch, error) {
	r := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT batch_id, local_write_time, base_mutations, mutations FROM %s
WHERE user_id = $1 AND batch_id = $2`, q.table),
		q.user, batchID)
	ret, err := scanRow(r)
	if err != nil {
		return types.MutationBatch{}, errors.Wrapf(types.ErrNotFound, "batch %d: %v", batchID, err)
	}
	return ret, nil
}

func (q *sqlQueue) GetAllMutationBatches(ctx context.Context, tx types.Txn) ([]types.MutationBatch, error) {
	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT batch_id, local_write_time, base_mutations, mutations FROM %s
WHERE user_id = $1 ORDER BY batch_id ASC`, q.table),
		q.user)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []types.MutationBatch
	for rows.Next() {
		b, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, errors.WithStack(rows.Err())
}

func (q *sqlQueue) GetNextMutationBatchAfterBatchID(
	ctx context.Context, tx types.Txn, afterID int64,
) (types.MutationBatch, bool, error) {
	r := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT batch_id, local_write_time, base_mutations, mutations FROM %s
WHERE user_id = $1 AND batch_id > $2 ORDER BY batch_id ASC LIMIT 1`, q.table),
		q.user, afterID)
	ret, err := scanRow(r)
	if err != nil {
		return types.MutationBatch{}, false, nil
	}
	return ret, true, nil
}

func (q *sqlQueue) GetHighestUnacknowledgedBatchID(ctx context.Context, tx types.Txn) (int64, error) {
	var highest *int64
	r := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT max(batch_id) FROM %s WHERE user_id = $1`, q.table), q.user)
	if err := r.Scan(&highest); err != nil {
		return 0, errors.WithStack(err)
	}
	if highest == nil {
		return 0, nil
	}
	return *highest, nil
}

// PerformConsistencyCheck logs (but does not fail on) duplicate mutated
// keys across the still-queued batches; it is invoked after every
// acknowledgeBatch/rejectBatch.
func (q *sqlQueue) PerformConsistencyCheck(ctx context.Context, tx types.Txn) error {
	batches, err := q.GetAllMutationBatches(ctx, tx)
	if err != nil {
		return err
	}
	var all []types.Mutation
	for _, b := range batches {
		all = append(all, b.Mutations...)
	}
	if dupes := msort.DuplicateKeys(all); len(dupes) > 0 {
		log.WithFields(log.Fields{"user": q.user, "keys": dupes}).
			Debug("multiple unacknowledged batches touch the same document key")
	}
	return nil
}

func scanRow(r types.Row) (types.MutationBatch, error) {
	var rr row
	var baseJSON, mutJSON []byte
	if err := r.Scan(&rr.BatchID, &rr.LocalWriteTime, &baseJSON, &mutJSON); err != nil {
		return types.MutationBatch{}, errors.WithStack(err)
	}
	return decodeRow(rr, baseJSON, mutJSON)
}

func scanRows(r types.Rows) (types.MutationBatch, error) {
	var rr row
	var baseJSON, mutJSON []byte
	if err := r.Scan(&rr.BatchID, &rr.LocalWriteTime, &baseJSON, &mutJSON); err != nil {
		return types.MutationBatch{}, errors.WithStack(err)
	}
	return decodeRow(rr, baseJSON, mutJSON)
}

func decodeRow(rr row, baseJSON, mutJSON []byte) (types.MutationBatch, error) {
	if err := json.Unmarshal(baseJSON, &rr.BaseMutations); err != nil {
		return types.MutationBatch{}, errors.WithStack(err)
	}
	if err := json.Unmarshal(mutJSON, &rr.Mutations); err != nil {
		return types.MutationBatch{}, errors.WithStack(err)
	}
	return types.MutationBatch{
		BatchID:        rr.BatchID,
		LocalWriteTime: rr.LocalWriteTime,
		BaseMutations:  rr.BaseMutations,
		Mutations:      rr.Mutations,
	}, nil
}
