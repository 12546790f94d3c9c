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
	"testing"
	"time"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
	"github.com/stretchr/testify/assert"
)

// TestShouldPersistTargetData verifies that a quiescent resume-token
// update below the persistence interval is skipped, but the same
// update past the interval, or accompanied by any document change, is
// persisted.
func TestShouldPersistTargetData(t *testing.T) {
	key := ident.NewKey("rooms", "1")

	old := types.TargetData{ResumeToken: []byte("r0"), SnapshotVersion: hlc.New(0, 0)}

	// t=1s, zero doc changes: below the 5 minute threshold, skip.
	next := old
	next.ResumeToken = []byte("r1")
	next.SnapshotVersion = hlc.New(int64(time.Second), 0)
	assert.False(t, ShouldPersistTargetData(old, next, TargetChange{}))

	// t=6min, zero doc changes: past the threshold, persist.
	sixMin := old
	sixMin.ResumeToken = []byte("r2")
	sixMin.SnapshotVersion = hlc.New(int64(6*time.Minute), 0)
	assert.True(t, ShouldPersistTargetData(old, sixMin, TargetChange{}))

	// t=6min+1s, 1 added doc: persist regardless of elapsed time.
	withDoc := old
	withDoc.ResumeToken = []byte("r3")
	withDoc.SnapshotVersion = hlc.New(int64(6*time.Minute+time.Second), 0)
	assert.True(t, ShouldPersistTargetData(old, withDoc, TargetChange{AddedDocuments: []ident.Key{key}}))
}

func TestShouldPersistTargetDataEmptyResumeTokenAlwaysPersists(t *testing.T) {
	old := types.TargetData{}
	next := types.TargetData{ResumeToken: []byte("r0")}
	assert.True(t, ShouldPersistTargetData(old, next, TargetChange{}))
}
