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

package targetcache

import (
	"context"
	"fmt"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s_targets (
  target_id           INT    NOT NULL PRIMARY KEY,
  collection_path     STRING NOT NULL,
  descriptor          STRING NOT NULL,
  purpose             INT    NOT NULL,
  sequence_number     INT    NOT NULL,
  snapshot_nanos      INT    NOT NULL,
  snapshot_logical    INT    NOT NULL,
  limbo_free_nanos    INT    NOT NULL,
  limbo_free_logical  INT    NOT NULL,
  resume_token        BYTES,
  UNIQUE (collection_path, descriptor)
);
CREATE TABLE IF NOT EXISTS %[1]s_matches (
  target_id INT    NOT NULL,
  path      STRING NOT NULL,
  PRIMARY KEY (target_id, path)
);
CREATE TABLE IF NOT EXISTS %[1]s_metadata (
  singleton       BOOL NOT NULL PRIMARY KEY,
  sequence_number INT  NOT NULL,
  snapshot_nanos  INT  NOT NULL,
  snapshot_logical INT NOT NULL
)`

// This query conditionally advances the singleton metadata row only if
// the proposed snapshot strictly exceeds the currently recorded one,
// using a not-before/to-insert shape so the recorded snapshot never
// regresses.
const setMetadataTemplate = `
WITH
not_before AS (
  SELECT snapshot_nanos, snapshot_logical FROM %[1]s_metadata
  WHERE singleton = true FOR UPDATE LIMIT 1),
to_insert AS (
  SELECT true, $1::INT, $2::INT, $3::INT
  WHERE (SELECT count(*) FROM not_before) = 0
     OR ($2::INT, $3::INT) > (SELECT (snapshot_nanos, snapshot_logical) FROM not_before))
UPSERT INTO %[1]s_metadata (singleton, sequence_number, snapshot_nanos, snapshot_logical)
SELECT * FROM to_insert`

type sqlCache struct {
	table string
}

var _ Cache = (*sqlCache)(nil)

// New constructs a Cache backed by tables prefixed with table, which
// must already exist (see CreateSchema).
func New(table string) Cache {
	return &sqlCache{table: table}
}

// CreateSchema ensures the backing tables exist.
func CreateSchema(ctx context.Context, tx types.Txn, table string) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(schemaTemplate, table))
	return errors.WithStack(err)
}

func (c *sqlCache) GetTargetData(ctx context.Context, tx types.Txn, target ident.Query) (types.TargetData, bool, error) {
	r := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT target_id, purpose, sequence_number, snapshot_nanos, snapshot_logical,
limbo_free_nanos, limbo_free_logical, resume_token FROM %s_targets
WHERE collection_path = $1 AND descriptor = $2`, c.table),
		target.CollectionPath, target.Descriptor)
	return scanTargetData(target, r)
}

func (c *sqlCache) GetCachedTarget(ctx context.Context, tx types.Txn, targetID int32) (types.TargetData, bool, error) {
	r := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT collection_path, descriptor, purpose, sequence_number, snapshot_nanos, snapshot_logical,
limbo_free_nanos, limbo_free_logical, resume_token FROM %s_targets WHERE target_id = $1`, c.table),
		targetID)
	var collectionPath, descriptor string
	var purpose int
	var sequence, snapNanos, limboNanos int64
	var snapLogical, limboLogical int
	var resumeToken []byte
	if err := r.Scan(&collectionPath, &descriptor, &purpose, &sequence, &snapNanos, &snapLogical,
		&limboNanos, &limboLogical, &resumeToken); err != nil {
		return types.TargetData{}, false, nil
	}
	return types.TargetData{
		Target:                       ident.Query{CollectionPath: collectionPath, Descriptor: descriptor},
		TargetID:                     targetID,
		Purpose:                      types.TargetPurpose(purpose),
		SequenceNumber:               sequence,
		SnapshotVersion:              hlc.New(snapNanos, snapLogical),
		LastLimboFreeSnapshotVersion: hlc.New(limboNanos, limboLogical),
		ResumeToken:                  resumeToken,
	}, true, nil
}

func (c *sqlCache) AllocateTargetID(ctx context.Context, tx types.Txn) (int32, error) {
	var highest *int32
	r := tx.QueryRow(ctx, fmt.Sprintf(`SELECT max(target_id) FROM %s_targets`, c.table))
	if err := r.Scan(&highest); err != nil {
		return 0, errors.WithStack(err)
	}
	if highest == nil {
		return 1, nil
	}
	return *highest + 1, nil
}

func (c *sqlCache) AddTargetData(ctx context.Context, tx types.Txn, data types.TargetData) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s_targets (target_id, collection_path, descriptor, purpose, sequence_number,
snapshot_nanos, snapshot_logical, limbo_free_nanos, limbo_free_logical, resume_token)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, c.table),
		data.TargetID, data.Target.CollectionPath, data.Target.Descriptor, int(data.Purpose), data.SequenceNumber,
		data.SnapshotVersion.Nanos(), data.SnapshotVersion.Logical(),
		data.LastLimboFreeSnapshotVersion.Nanos(), data.LastLimboFreeSnapshotVersion.Logical(), data.ResumeToken)
	if err != nil {
		return errors.Wrap(err, "targetcache: could not add target data")
	}
	targetAllocateCount.Inc()
	return nil
}

func (c *sqlCache) UpdateTargetData(ctx context.Context, tx types.Txn, data types.TargetData) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`UPSERT INTO %s_targets (target_id, collection_path, descriptor, purpose, sequence_number,
snapshot_nanos, snapshot_logical, limbo_free_nanos, limbo_free_logical, resume_token)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, c.table),
		data.TargetID, data.Target.CollectionPath, data.Target.Descriptor, int(data.Purpose), data.SequenceNumber,
		data.SnapshotVersion.Nanos(), data.SnapshotVersion.Logical(),
		data.LastLimboFreeSnapshotVersion.Nanos(), data.LastLimboFreeSnapshotVersion.Logical(), data.ResumeToken)
	if err != nil {
		return errors.Wrap(err, "targetcache: could not update target data")
	}
	targetPersistCount.Inc()
	return nil
}

func (c *sqlCache) RemoveTargetData(ctx context.Context, tx types.Txn, targetID int32) error {
	if err := c.RemoveMatchingKeysForTargetID(ctx, tx, targetID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s_targets WHERE target_id = $1`, c.table), targetID)
	return errors.WithStack(err)
}

func (c *sqlCache) AddMatchingKeys(ctx context.Context, tx types.Txn, targetID int32, keys []ident.Key) error {
	for _, key := range keys {
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`UPSERT INTO %s_matches (target_id, path) VALUES ($1, $2)`, c.table),
			targetID, key.Path())
		if err != nil {
			return errors.Wrap(err, "targetcache: could not add matching key")
		}
	}
	return nil
}

func (c *sqlCache) RemoveMatchingKeys(ctx context.Context, tx types.Txn, targetID int32, keys []ident.Key) error {
	for _, key := range keys {
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s_matches WHERE target_id = $1 AND path = $2`, c.table),
			targetID, key.Path())
		if err != nil {
			return errors.Wrap(err, "targetcache: could not remove matching key")
		}
	}
	return nil
}

func (c *sqlCache) RemoveMatchingKeysForTargetID(ctx context.Context, tx types.Txn, targetID int32) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s_matches WHERE target_id = $1`, c.table), targetID)
	return errors.WithStack(err)
}

func (c *sqlCache) GetMatchingKeysForTargetID(ctx context.Context, tx types.Txn, targetID int32) ([]ident.Key, error) {
	rows, err := tx.Query(ctx, fmt.Sprintf(`SELECT path FROM %s_matches WHERE target_id = $1`, c.table), targetID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []ident.Key
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, ident.Parse(path))
	}
	return out, errors.WithStack(rows.Err())
}

func (c *sqlCache) GetLastRemoteSnapshotVersion(ctx context.Context, tx types.Txn) (hlc.Time, error) {
	var nanos int64
	var logical int
	r := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT snapshot_nanos, snapshot_logical FROM %s_metadata WHERE singleton = true`, c.table))
	if err := r.Scan(&nanos, &logical); err != nil {
		return hlc.Zero(), nil
	}
	return hlc.New(nanos, logical), nil
}

func (c *sqlCache) SetTargetsMetadata(
	ctx context.Context, tx types.Txn, sequenceNumber int64, snapshotVersion hlc.Time,
) error {
	tag, err := tx.Exec(ctx,
		fmt.Sprintf(setMetadataTemplate, c.table),
		sequenceNumber, snapshotVersion.Nanos(), snapshotVersion.Logical())
	if err != nil {
		return errors.Wrap(err, "targetcache: could not advance global snapshot version")
	}
	if tag.RowsAffected() == 0 {
		log.Tracef("ignoring no-op snapshot version advance to %s", snapshotVersion)
	}
	return nil
}

func scanTargetData(target ident.Query, r types.Row) (types.TargetData, bool, error) {
	var targetID int32
	var purpose int
	var sequence, snapNanos, limboNanos int64
	var snapLogical, limboLogical int
	var resumeToken []byte
	if err := r.Scan(&targetID, &purpose, &sequence, &snapNanos, &snapLogical,
		&limboNanos, &limboLogical, &resumeToken); err != nil {
		return types.TargetData{}, false, nil
	}
	return types.TargetData{
		Target:                       target,
		TargetID:                     targetID,
		Purpose:                      types.TargetPurpose(purpose),
		SequenceNumber:               sequence,
		SnapshotVersion:              hlc.New(snapNanos, snapLogical),
		LastLimboFreeSnapshotVersion: hlc.New(limboNanos, limboLogical),
		ResumeToken:                  resumeToken,
	}, true, nil
}
