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
	"github.com/cockroachdb/docsync/internal/targetcache"
	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
)

// RemoteEvent is a batch of server-pushed changes handed to
// ApplyRemoteEventToLocalCache in one call: a new global snapshot
// version, the per-target deltas observed at that version, the raw
// document updates, and the set of previously-limbo keys this event
// resolves.
type RemoteEvent struct {
	SnapshotVersion    hlc.Time
	TargetChanges      map[int32]targetcache.TargetChange
	DocumentUpdates    map[string]types.MaybeDocument // keyed by ident.Key.Path()
	ResolvedLimboDocs  map[string]struct{}            // keyed by ident.Key.Path()
	TargetResumeTokens map[int32][]byte
}

// ViewChangeSource distinguishes a view change computed from a fresh
// server round-trip from one served entirely out of the local cache.
type ViewChangeSource int

const (
	// FromServer means the view change reflects newly-applied remote
	// state, so the owning target's limbo-free snapshot watermark may
	// advance.
	FromServer ViewChangeSource = iota
	// FromCache means the view change was served from already-cached
	// state (e.g. a secondary listener attaching to an existing
	// target) and carries no new watermark information.
	FromCache
)

// ViewChange is the input to NotifyLocalViewChanges: the document keys
// a target started or stopped matching, and whether this notification
// originated from a fresh server round-trip.
type ViewChange struct {
	TargetID int32
	Source   ViewChangeSource
	Added    []ident.Key
	Removed  []ident.Key
}

// Changes is the uniform result shape returned by every coordinator
// operation that mutates document state: the affected keys' new
// local-view value.
type Changes map[string]types.MaybeDocument
