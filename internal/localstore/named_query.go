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
	"fmt"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
	"github.com/pkg/errors"
)

const namedQuerySchemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s_named_queries (
  name             STRING NOT NULL PRIMARY KEY,
  collection_path  STRING NOT NULL,
  descriptor       STRING NOT NULL,
  read_time_nanos  INT    NOT NULL,
  read_time_logical INT   NOT NULL
)`

const namedQueryUpsertTemplate = `
UPSERT INTO %[1]s_named_queries (name, collection_path, descriptor, read_time_nanos, read_time_logical)
VALUES ($1, $2, $3, $4, $5)`

const namedQuerySelectTemplate = `
SELECT collection_path, descriptor, read_time_nanos, read_time_logical
FROM %[1]s_named_queries WHERE name = $1`

// createNamedQuerySchema ensures the named-query table exists.
func createNamedQuerySchema(ctx context.Context, tx types.Txn, table string) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(namedQuerySchemaTemplate, table))
	return errors.WithStack(err)
}

func (ls *LocalStore) persistNamedQuery(ctx context.Context, tx types.Txn, name string, query NamedQuery) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(namedQueryUpsertTemplate, ls.namedQueryTable),
		name, query.Target.CollectionPath, query.Target.Descriptor, query.ReadTime.Nanos(), query.ReadTime.Logical())
	return errors.WithStack(err)
}

func (ls *LocalStore) lookupNamedQuery(ctx context.Context, tx types.Txn, name string) (NamedQuery, bool, error) {
	r := tx.QueryRow(ctx, fmt.Sprintf(namedQuerySelectTemplate, ls.namedQueryTable), name)

	var collectionPath, descriptor string
	var nanos int64
	var logical int
	if err := r.Scan(&collectionPath, &descriptor, &nanos, &logical); err != nil {
		return NamedQuery{}, false, nil
	}
	return NamedQuery{
		Name:     name,
		Target:   ident.Query{CollectionPath: collectionPath, Descriptor: descriptor},
		ReadTime: hlc.New(nanos, logical),
	}, true, nil
}

// GetNamedQuery returns the query previously bound to name via
// SaveNamedQuery, or ok=false if no such binding exists.
func (ls *LocalStore) GetNamedQuery(ctx context.Context, name string) (NamedQuery, bool, error) {
	res, err := ls.runTransaction(ctx, "getNamedQuery", types.ReadOnly,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			query, ok, err := ls.lookupNamedQuery(ctx, tx, name)
			if err != nil {
				return nil, err
			}
			return namedQueryLookupResult{query: query, ok: ok}, nil
		})
	if err != nil {
		return NamedQuery{}, false, err
	}
	out := res.(namedQueryLookupResult)
	return out.query, out.ok, nil
}

// namedQueryLookupResult lets GetNamedQuery's transaction body return
// both the query and its presence through the single interface{} result
// runTransaction expects.
type namedQueryLookupResult struct {
	query NamedQuery
	ok    bool
}
