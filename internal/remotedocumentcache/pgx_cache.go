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
	"fmt"
	"strings"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
  path    STRING NOT NULL PRIMARY KEY,
  kind    INT    NOT NULL,
  nanos   INT    NOT NULL,
  logical INT    NOT NULL,
  fields  JSONB
)`

// sqlCache is the pgx/MySQL-portable backing store for Cache, keyed on
// the document's full path the way a resolved table keys a row on its
// primary-key columns.
type sqlCache struct {
	table string
}

var _ Cache = (*sqlCache)(nil)

// New constructs a Cache backed by the named table, which must already
// exist (see CreateSchema).
func New(table string) Cache {
	return &sqlCache{table: table}
}

// CreateSchema ensures the backing table exists.
func CreateSchema(ctx context.Context, tx types.Txn, table string) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(schema, table))
	return errors.WithStack(err)
}

func (c *sqlCache) Get(ctx context.Context, tx types.Txn, key ident.Key) (types.MaybeDocument, bool, error) {
	r := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT kind, nanos, logical, fields FROM %s WHERE path = $1`, c.table),
		key.Path())
	doc, err := scanDocument(key, r)
	if err != nil {
		if types.IsNotFound(err) {
			return types.MaybeDocument{}, false, nil
		}
		return types.MaybeDocument{}, false, err
	}
	return doc, true, nil
}

func (c *sqlCache) GetAll(ctx context.Context, tx types.Txn, keys []ident.Key) (map[string]types.MaybeDocument, error) {
	out := make(map[string]types.MaybeDocument, len(keys))
	for _, key := range keys {
		doc, ok, err := c.Get(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key.Path()] = doc
		}
	}
	return out, nil
}

func (c *sqlCache) GetAllForCollection(
	ctx context.Context, tx types.Txn, collectionPath string, sinceVersion hlc.Time,
) (map[string]types.MaybeDocument, error) {
	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT path, kind, nanos, logical, fields FROM %s
WHERE path LIKE $1 AND (nanos, logical) > ($2, $3)`, c.table),
		collectionPath+"/%", sinceVersion.Nanos(), sinceVersion.Logical())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	out := make(map[string]types.MaybeDocument)
	for rows.Next() {
		var path string
		var kind int
		var nanos int64
		var logical int
		var fields []byte
		if err := rows.Scan(&path, &kind, &nanos, &logical, &fields); err != nil {
			return nil, errors.WithStack(err)
		}
		// Documents directly under the collection only: reject any
		// extra path segments past the first doc id.
		if strings.Count(strings.TrimPrefix(path, collectionPath+"/"), "/") != 0 {
			continue
		}
		out[path] = documentFromColumns(ident.Parse(path), kind, nanos, logical, fields)
	}
	return out, errors.WithStack(rows.Err())
}

func (c *sqlCache) Apply(ctx context.Context, tx types.Txn, changes map[string]types.MaybeDocument) error {
	for path, doc := range changes {
		if doc.IsManufacturedTombstone() {
			return errors.WithMessagef(types.ErrFatal,
				"remotedocumentcache: refusing to persist manufactured tombstone for %s", path)
		}
		var fields interface{}
		if doc.IsDocument() {
			fields = []byte(doc.Fields)
		}
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`UPSERT INTO %s (path, kind, nanos, logical, fields) VALUES ($1, $2, $3, $4, $5)`, c.table),
			path, int(doc.Kind), doc.Version.Nanos(), doc.Version.Logical(), fields)
		if err != nil {
			applyErrors.Inc()
			return errors.Wrapf(err, "remotedocumentcache: could not apply change for %s", path)
		}
	}
	applyCount.Add(float64(len(changes)))
	log.WithField("count", len(changes)).Trace("applied remote document changes")
	return nil
}

func (c *sqlCache) Remove(ctx context.Context, tx types.Txn, keys []ident.Key) error {
	for _, key := range keys {
		_, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE path = $1`, c.table), key.Path())
		if err != nil {
			return errors.Wrapf(err, "remotedocumentcache: could not remove %s", key.Path())
		}
	}
	return nil
}

func (c *sqlCache) ContainsKey(ctx context.Context, tx types.Txn, key ident.Key) (bool, error) {
	var exists bool
	r := tx.QueryRow(ctx, fmt.Sprintf(`SELECT true FROM %s WHERE path = $1`, c.table), key.Path())
	if err := r.Scan(&exists); err != nil {
		return false, nil
	}
	return exists, nil
}

func scanDocument(key ident.Key, r types.Row) (types.MaybeDocument, error) {
	var kind int
	var nanos int64
	var logical int
	var fields []byte
	if err := r.Scan(&kind, &nanos, &logical, &fields); err != nil {
		return types.MaybeDocument{}, errors.WithMessage(types.ErrNotFound, err.Error())
	}
	return documentFromColumns(key, kind, nanos, logical, fields), nil
}

func documentFromColumns(key ident.Key, kind int, nanos int64, logical int, fields []byte) types.MaybeDocument {
	version := hlc.New(nanos, logical)
	if types.DocumentKind(kind) == types.KindNoDocument {
		return types.NewNoDocument(key, version)
	}
	return types.NewDocument(key, version, fields, false)
}
