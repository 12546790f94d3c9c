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
	"sync"

	"github.com/cockroachdb/docsync/internal/targetcache"
	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/ident"
)

// sequenceTracked is an in-process Delegate that keeps reference
// counts and per-key GC-ordering sequence numbers in memory, guarded
// by a mutex. It is the default Delegate for a single-process local
// store; a deployment sharing a durable engine across multiple tabs
// would instead persist this bookkeeping in the same transaction as
// the rest of a RunTransaction call, the way targetcache persists
// TargetData.
type sequenceTracked struct {
	targets targetcache.Cache

	mu struct {
		sync.Mutex
		refs     map[string]int
		sequence map[string]int64
	}
}

var _ Delegate = (*sequenceTracked)(nil)

// New constructs a Delegate backed by an in-memory reference count.
// targets is used by RemoveTarget to enumerate the keys a released
// target was pinning.
func New(targets targetcache.Cache) Delegate {
	d := &sequenceTracked{targets: targets}
	d.mu.refs = make(map[string]int)
	d.mu.sequence = make(map[string]int64)
	return d
}

func (d *sequenceTracked) AddReference(_ context.Context, tx types.Txn, key ident.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	path := key.Path()
	d.mu.refs[path]++
	d.mu.sequence[path] = tx.CurrentSequenceNumber()
	return nil
}

func (d *sequenceTracked) RemoveReference(_ context.Context, tx types.Txn, key ident.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeReferenceLocked(key, tx.CurrentSequenceNumber())
	return nil
}

func (d *sequenceTracked) removeReferenceLocked(key ident.Key, sequence int64) {
	path := key.Path()
	if n := d.mu.refs[path] - 1; n > 0 {
		d.mu.refs[path] = n
	} else {
		delete(d.mu.refs, path)
	}
	d.mu.sequence[path] = sequence
}

func (d *sequenceTracked) UpdateLimboDocument(_ context.Context, tx types.Txn, key ident.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mu.sequence[key.Path()] = tx.CurrentSequenceNumber()
	return nil
}

func (d *sequenceTracked) RemoveTarget(ctx context.Context, tx types.Txn, targetID int32) error {
	keys, err := d.targets.GetMatchingKeysForTargetID(ctx, tx, targetID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, key := range keys {
		d.removeReferenceLocked(key, tx.CurrentSequenceNumber())
	}
	d.mu.Unlock()
	return d.targets.RemoveTargetData(ctx, tx, targetID)
}

// RefCount reports the current reference count for key, for tests and
// diagnostics; zero means the key is unpinned and eligible for the
// next LRU collection pass.
func (d *sequenceTracked) RefCount(key ident.Key) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mu.refs[key.Path()]
}

// Unpinned returns every key this delegate has ever seen that
// currently has no active reference, the candidate set a real
// collectGarbage(lru) call would sweep.
func (d *sequenceTracked) Unpinned() []ident.Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []ident.Key
	for path := range d.mu.sequence {
		if d.mu.refs[path] == 0 {
			out = append(out, ident.Parse(path))
		}
	}
	return out
}
