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

	"github.com/cockroachdb/docsync/internal/mutationqueue"
	"github.com/cockroachdb/docsync/internal/persistence"
	"github.com/cockroachdb/docsync/internal/queryengine"
	"github.com/cockroachdb/docsync/internal/referencedelegate"
	"github.com/cockroachdb/docsync/internal/remotedocumentcache"
	"github.com/cockroachdb/docsync/internal/targetcache"
	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
	log "github.com/sirupsen/logrus"
)

// ProvideQueueTable names the mutation-queue table for Config.
func ProvideQueueTable(config *Config) string { return config.TablePrefix + "_mutations" }

// ProvideDocTable names the remote-document-cache table for Config.
func ProvideDocTable(config *Config) string { return config.TablePrefix + "_docs" }

// ProvideTargetTable names the target-cache table family for Config.
func ProvideTargetTable(config *Config) string { return config.TablePrefix + "_targets" }

// ProvideNamedQueryTable names the saved-named-query table for Config.
func ProvideNamedQueryTable(config *Config) string { return config.TablePrefix }

// ProvideQueryEngine wires a queryengine.ScanEngine whose Universe
// scans the remote document cache for every key ever observed under a
// collection path. It exists for deployments that have not plugged in
// a real index manager.
func ProvideQueryEngine(ctx context.Context, engine persistence.Engine, docs remotedocumentcache.Cache) queryengine.Engine {
	universe := func(collectionPath string) []ident.Key {
		var keys []ident.Key
		_, err := engine.RunTransaction(ctx, "scanUniverse", types.ReadOnly,
			func(ctx context.Context, tx types.Txn) (interface{}, error) {
				byPath, err := docs.GetAllForCollection(ctx, tx, collectionPath, hlc.Zero())
				if err != nil {
					return nil, err
				}
				keys = make([]ident.Key, 0, len(byPath))
				for _, doc := range byPath {
					keys = append(keys, doc.Key)
				}
				return nil, nil
			})
		if err != nil {
			log.WithError(err).WithField("collectionPath", collectionPath).
				Warn("scan-engine universe query failed, treating collection as empty")
			return nil
		}
		return keys
	}
	return queryengine.NewScanEngine(universe)
}

// ProvideLeases wires the single-process Leases default. A deployment
// coordinating multiple processes against one durable engine supplies
// its own types.Leases instead.
func ProvideLeases() types.Leases { return NewSingleProcessLeases() }

// ProvideLocalStore creates the collaborators' backing tables if
// absent and constructs the coordinator for config.InitialUser.
func ProvideLocalStore(
	ctx context.Context,
	engine persistence.Engine,
	queueTable, docTable, targetTable, namedQueryTable string,
	queues mutationqueue.Queues,
	docs remotedocumentcache.Cache,
	targets targetcache.Cache,
	refs referencedelegate.Delegate,
	qe queryengine.Engine,
	leases types.Leases,
	config *Config,
) (*LocalStore, func(), error) {
	_, err := engine.RunTransaction(ctx, "createLocalStoreSchema", types.ReadWrite,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			if err := mutationqueue.CreateSchema(ctx, tx, queueTable); err != nil {
				return nil, err
			}
			if err := remotedocumentcache.CreateSchema(ctx, tx, docTable); err != nil {
				return nil, err
			}
			if err := targetcache.CreateSchema(ctx, tx, targetTable); err != nil {
				return nil, err
			}
			if err := createNamedQuerySchema(ctx, tx, namedQueryTable); err != nil {
				return nil, err
			}
			return nil, nil
		})
	if err != nil {
		return nil, nil, err
	}

	ls, err := New(ctx, engine, queues, docs, targets, refs, qe, leases, config.InitialUser, namedQueryTable)
	if err != nil {
		return nil, nil, err
	}
	return ls, func() {}, nil
}
