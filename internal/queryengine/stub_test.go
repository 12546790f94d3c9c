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

package queryengine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeView struct {
	docs map[string]types.MaybeDocument
}

func (v *fakeView) GetDocuments(_ context.Context, _ types.Txn, keys []ident.Key) (map[string]types.MaybeDocument, error) {
	out := make(map[string]types.MaybeDocument, len(keys))
	for _, k := range keys {
		if d, ok := v.docs[k.Path()]; ok {
			out[k.Path()] = d
		}
	}
	return out, nil
}

func TestScanEngineAppliesRegisteredPredicate(t *testing.T) {
	a := ident.NewKey("rooms", "1")
	b := ident.NewKey("rooms", "2")
	view := &fakeView{docs: map[string]types.MaybeDocument{
		a.Path(): types.NewDocument(a, hlc.New(1, 0), json.RawMessage(`{"active":true}`), false),
		b.Path(): types.NewDocument(b, hlc.New(1, 0), json.RawMessage(`{"active":false}`), false),
	}}

	engine := NewScanEngine(func(string) []ident.Key { return []ident.Key{a, b} })
	engine.SetLocalDocumentsView(view)
	engine.Register("active=true", func(doc types.MaybeDocument) bool {
		var fields struct{ Active bool }
		require.NoError(t, json.Unmarshal(doc.Fields, &fields))
		return fields.Active
	})

	out, err := engine.GetDocumentsMatchingQuery(context.Background(), nil,
		ident.Query{CollectionPath: "rooms", Descriptor: "active=true"}, hlc.Zero(), nil)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	_, ok := out[a.Path()]
	assert.True(t, ok)
}
