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

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/ident"
)

// UserChangeResult is returned by HandleUserChange.
type UserChangeResult struct {
	AffectedDocuments Changes
	RemovedBatchIDs   []int64
	AddedBatchIDs     []int64
}

// HandleUserChange switches the active queue to newUser's. It runs one
// readonly transaction to enumerate both the old and new user's queued
// batches before installing the new queue, so the keys affected by
// either user's pending writes can be reported as changed in the same
// step as the switch.
func (ls *LocalStore) HandleUserChange(ctx context.Context, newUser string) (UserChangeResult, error) {
	oldUser, oldQueue := ls.currentQueue()

	newQueue, err := ls.queues.Get(ctx, newUser)
	if err != nil {
		return UserChangeResult{}, err
	}

	type scan struct {
		removedIDs, addedIDs []int64
		keys                 map[string]ident.Key
	}
	res, err := ls.runTransaction(ctx, "handleUserChange", types.ReadOnly,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			keys := make(map[string]ident.Key)

			if oldUser != newUser {
				oldBatches, err := oldQueue.GetAllMutationBatches(ctx, tx)
				if err != nil {
					return nil, err
				}
				removedIDs := make([]int64, 0, len(oldBatches))
				for _, b := range oldBatches {
					removedIDs = append(removedIDs, b.BatchID)
					for _, k := range b.Keys() {
						keys[k.Path()] = k
					}
				}

				newBatches, err := newQueue.GetAllMutationBatches(ctx, tx)
				if err != nil {
					return nil, err
				}
				addedIDs := make([]int64, 0, len(newBatches))
				for _, b := range newBatches {
					addedIDs = append(addedIDs, b.BatchID)
					for _, k := range b.Keys() {
						keys[k.Path()] = k
					}
				}
				return scan{removedIDs: removedIDs, addedIDs: addedIDs, keys: keys}, nil
			}
			return scan{keys: keys}, nil
		})
	if err != nil {
		return UserChangeResult{}, err
	}
	s := res.(scan)

	ls.mu.Lock()
	ls.mu.user = newUser
	ls.mu.queue = newQueue
	ls.mu.Unlock()

	keyList := make([]ident.Key, 0, len(s.keys))
	for _, k := range s.keys {
		keyList = append(keyList, k)
	}
	res2, err := ls.runTransaction(ctx, "handleUserChange.localView", types.ReadOnly,
		func(ctx context.Context, tx types.Txn) (interface{}, error) {
			return ls.localViewOfKeys(ctx, tx, keyList)
		})
	if err != nil {
		return UserChangeResult{}, err
	}

	return UserChangeResult{
		AffectedDocuments: res2.(map[string]types.MaybeDocument),
		RemovedBatchIDs:   s.removedIDs,
		AddedBatchIDs:     s.addedIDs,
	}, nil
}
