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
	"encoding/json"
	"testing"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
	"github.com/stretchr/testify/assert"
)

func TestPreconditionUpdateTimeLEUsesTotalHLCOrder(t *testing.T) {
	key := ident.NewKey("rooms", "1")

	// base's nanos component trails target's, but its logical component
	// leads: under total HLC order base < target, so the precondition
	// must hold even though a naive per-component AND comparison would
	// reject it.
	base := types.NewDocument(key, hlc.New(5, 100), json.RawMessage(`{}`), false)
	p := types.Precondition{Kind: types.PreconditionUpdateTimeLE, UpdateTime: hlc.New(10, 0)}
	assert.True(t, preconditionHolds(base, p))

	// Symmetric case: base strictly after target under total order.
	base2 := types.NewDocument(key, hlc.New(10, 0), json.RawMessage(`{}`), false)
	p2 := types.Precondition{Kind: types.PreconditionUpdateTimeLE, UpdateTime: hlc.New(5, 100)}
	assert.False(t, preconditionHolds(base2, p2))

	// Exactly equal versions satisfy a <= precondition.
	base3 := types.NewDocument(key, hlc.New(7, 3), json.RawMessage(`{}`), false)
	p3 := types.Precondition{Kind: types.PreconditionUpdateTimeLE, UpdateTime: hlc.New(7, 3)}
	assert.True(t, preconditionHolds(base3, p3))
}

func TestPreconditionUpdateTimeLERejectsAbsentOrZeroVersionDocument(t *testing.T) {
	key := ident.NewKey("rooms", "1")
	p := types.Precondition{Kind: types.PreconditionUpdateTimeLE, UpdateTime: hlc.New(10, 0)}

	assert.False(t, preconditionHolds(types.NewNoDocument(key, hlc.Zero()), p))
	assert.False(t, preconditionHolds(types.NewNoDocument(key, hlc.New(1, 0)), p))
	assert.False(t, preconditionHolds(types.NewDocument(key, hlc.Zero(), json.RawMessage(`{}`), false), p))
}

func TestPreconditionExistsAndNone(t *testing.T) {
	key := ident.NewKey("rooms", "1")
	doc := types.NewDocument(key, hlc.New(1, 0), json.RawMessage(`{}`), false)
	missing := types.NewNoDocument(key, hlc.Zero())

	assert.True(t, preconditionHolds(doc, types.Precondition{Kind: types.PreconditionNone}))
	assert.True(t, preconditionHolds(doc, types.Precondition{Kind: types.PreconditionExists, Exists: true}))
	assert.False(t, preconditionHolds(doc, types.Precondition{Kind: types.PreconditionExists, Exists: false}))
	assert.True(t, preconditionHolds(missing, types.Precondition{Kind: types.PreconditionExists, Exists: false}))
}
