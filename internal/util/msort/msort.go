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

// Package msort contains utility functions for sorting and
// de-duplicating batches of mutations.
package msort

import (
	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
)

// UniqueByKey implements a "last one wins" approach to removing
// mutations with duplicate document keys from the input slice. If two
// mutations share the same Key, then the one with the later local
// write time is returned. If there are mutations with identical keys
// and times, exactly one of the values is chosen arbitrarily.
//
// The modified slice is returned.
//
// This function will panic if any of the mutation Key fields are the
// zero Key, since a mutation must always address a document.
func UniqueByKey(x []types.Mutation) []types.Mutation {
	// For any given Key, we're going to track the index in the slice
	// that holds data for the key.
	seenIdx := make(map[string]int, len(x))

	// We want to iterate backwards over the input slice, moving
	// elements to the rear when their time is greater than the value
	// currently tracked for that key.
	dest := len(x)
	for src := len(x) - 1; src >= 0; src-- {
		// Sanity-check to ensure that we don't silently discard
		// mutations due to some upstream coding error where a
		// mutation does not have its Key field set.
		if x[src].Key.IsZero() {
			panic("msort: empty mutation key")
		}
		key := x[src].Key.Path()

		// Is there already an index in the slice for that key?
		if curIdx, found := seenIdx[key]; found {
			// If so, replace the value if the time is greater.
			if hlc.Compare(x[src].Time, x[curIdx].Time) > 0 {
				x[curIdx] = x[src]
			}
		} else {
			// Otherwise, allocate a new index for that key, and copy
			// the value out.
			dest--
			seenIdx[key] = dest
			x[dest] = x[src]
		}
	}

	// Return the compacted view of the slice.
	return x[dest:]
}

// DuplicateKeys returns the document-key paths addressed by more than
// one mutation in x, used by the mutation queue's consistency check to
// flag batches that would otherwise apply out of order.
func DuplicateKeys(x []types.Mutation) []string {
	seen := make(map[string]int, len(x))
	var dupes []string
	for _, m := range x {
		key := m.Key.Path()
		seen[key]++
		if seen[key] == 2 {
			dupes = append(dupes, key)
		}
	}
	return dupes
}
