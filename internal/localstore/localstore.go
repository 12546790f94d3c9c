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

// Package localstore implements the coordinator that orchestrates the
// mutation queue, remote document cache, target cache, reference
// delegate, and query engine behind one consistent read-your-writes
// view over a durable, retriable transactional engine.
package localstore

import (
	"context"
	"sync"

	"github.com/cockroachdb/docsync/internal/mutationqueue"
	"github.com/cockroachdb/docsync/internal/persistence"
	"github.com/cockroachdb/docsync/internal/queryengine"
	"github.com/cockroachdb/docsync/internal/referencedelegate"
	"github.com/cockroachdb/docsync/internal/remotedocumentcache"
	"github.com/cockroachdb/docsync/internal/targetcache"
	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/ident"
	"github.com/cockroachdb/docsync/internal/util/notify"
	log "github.com/sirupsen/logrus"
)

// targetIndex is the in-memory, copy-on-write working set backing the
// coordinator's target lifecycle: every transaction that touches
// target state starts from a read of the current index, builds its
// own private updated copy, and only the post-commit callback installs
// it as the new root.
type targetIndex struct {
	byID    map[int32]types.TargetData
	byQuery map[string]int32 // ident.Query canonical string -> targetID
}

func newTargetIndex() *targetIndex {
	return &targetIndex{byID: make(map[int32]types.TargetData), byQuery: make(map[string]int32)}
}

// clone returns a shallow copy suitable as a private working set: the
// maps themselves are copied, but TargetData values are immutable by
// convention (always replaced wholesale, never mutated in place).
func (idx *targetIndex) clone() *targetIndex {
	out := &targetIndex{
		byID:    make(map[int32]types.TargetData, len(idx.byID)),
		byQuery: make(map[string]int32, len(idx.byQuery)),
	}
	for k, v := range idx.byID {
		out.byID[k] = v
	}
	for k, v := range idx.byQuery {
		out.byQuery[k] = v
	}
	return out
}

func queryKey(q ident.Query) string { return q.CollectionPath + "\x00" + q.Descriptor }

func (idx *targetIndex) put(data types.TargetData) {
	idx.byID[data.TargetID] = data
	idx.byQuery[queryKey(data.Target)] = data.TargetID
}

func (idx *targetIndex) remove(targetID int32) {
	if data, ok := idx.byID[targetID]; ok {
		delete(idx.byQuery, queryKey(data.Target))
	}
	delete(idx.byID, targetID)
}

// LocalStore is the coordinator described in the component design: the
// single entry point for mutation writes, remote-event application,
// target lifecycle, and query execution, all running inside
// persistence.Engine transactions.
type LocalStore struct {
	engine      persistence.Engine
	queues      mutationqueue.Queues
	docs        remotedocumentcache.Cache
	targets     targetcache.Cache
	refs        referencedelegate.Delegate
	queryEngine queryengine.Engine
	leases      types.Leases
	metrics     *metrics

	// namedQueryTable backs persistNamedQuery; its schema is created
	// alongside the other collaborators' tables during construction.
	namedQueryTable string

	index *notify.Var[*targetIndex]

	mu struct {
		sync.Mutex
		user  string
		queue mutationqueue.Queue
	}
}

// New constructs a LocalStore around its collaborators with an empty
// in-memory target index and the mutation queue of initialUser; it
// does not read persisted targets from the target cache. The query
// engine is wired to a LocalDocumentsView over this store before New
// returns.
func New(
	ctx context.Context,
	engine persistence.Engine,
	queues mutationqueue.Queues,
	docs remotedocumentcache.Cache,
	targets targetcache.Cache,
	refs referencedelegate.Delegate,
	qe queryengine.Engine,
	leases types.Leases,
	initialUser string,
	namedQueryTable string,
) (*LocalStore, error) {
	queue, err := queues.Get(ctx, initialUser)
	if err != nil {
		return nil, err
	}

	ls := &LocalStore{
		engine:          engine,
		queues:          queues,
		docs:            docs,
		targets:         targets,
		refs:            refs,
		queryEngine:     qe,
		leases:          leases,
		metrics:         newMetrics(),
		index:           notify.NewVar(newTargetIndex()),
		namedQueryTable: namedQueryTable,
	}
	ls.mu.user = initialUser
	ls.mu.queue = queue
	qe.SetLocalDocumentsView(&localDocumentsView{store: ls})
	return ls, nil
}

// currentQueue returns the mutation queue for the currently active
// user under a short-lived lock; HandleUserChange takes the same lock
// to swap both fields atomically when the active user changes.
func (ls *LocalStore) currentQueue() (string, mutationqueue.Queue) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.mu.user, ls.mu.queue
}

func (ls *LocalStore) snapshotIndex() *targetIndex { idx, _ := ls.index.Get(); return idx }

// logTransientBookkeeping logs a swallowed error from bookkeeping work
// whose loss only very slightly delays eventual garbage collection,
// such as reference-count maintenance after a target is released.
func logTransientBookkeeping(op string, err error) {
	log.WithError(err).WithField("op", op).Warn("transient bookkeeping transaction failed, will self-heal")
}
