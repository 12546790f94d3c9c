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

package bundle_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/docsync/internal/bundle"
	"github.com/cockroachdb/docsync/internal/localstoretest"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
)

// TestLoaderAddSizedElementOrdering covers the document-metadata/
// document pairing rules in isolation, without touching a LocalStore.
func TestLoaderAddSizedElementOrdering(t *testing.T) {
	loader := bundle.NewLoader("trip-42")

	progress, err := loader.AddSizedElement(bundle.Element{Metadata: &bundle.Metadata{
		ID: "trip-42", CreateTime: hlc.New(1, 0), TotalDocuments: 2, TotalBytes: 100,
	}}, 40)
	require.NoError(t, err)
	assert.Nil(t, progress)

	key := ident.NewKey("cities", "sf")
	progress, err = loader.AddSizedElement(bundle.Element{DocMeta: &bundle.DocumentMetadata{
		Key: key, ReadTime: hlc.New(1, 0), Exists: true, Queries: []string{"nearby"},
	}}, 20)
	require.NoError(t, err)
	assert.Nil(t, progress, "metadata for an existing document must wait for its Document element")

	// A Document whose key does not match the pending metadata is rejected.
	_, err = loader.AddSizedElement(bundle.Element{Doc: &bundle.Document{
		Key: ident.NewKey("cities", "nyc"), Fields: json.RawMessage(`{}`),
	}}, 10)
	assert.Error(t, err)

	progress, err = loader.AddSizedElement(bundle.Element{Doc: &bundle.Document{
		Key: key, Fields: json.RawMessage(`{"name":"San Francisco"}`),
	}}, 30)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.EqualValues(t, 1, progress.DocumentsLoaded)
	assert.EqualValues(t, 2, progress.TotalDocuments)

	// A tombstone DocumentMetadata (Exists == false) completes on its own.
	missingKey := ident.NewKey("cities", "la")
	progress, err = loader.AddSizedElement(bundle.Element{DocMeta: &bundle.DocumentMetadata{
		Key: missingKey, ReadTime: hlc.New(1, 0), Exists: false, Queries: []string{"nearby"},
	}}, 15)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.EqualValues(t, 2, progress.DocumentsLoaded)
}

// TestLoaderCompleteWithoutMetadataFails covers Complete rejecting a
// stream that never carried a Metadata header.
func TestLoaderCompleteWithoutMetadataFails(t *testing.T) {
	loader := bundle.NewLoader("trip-42")
	_, err := loader.Complete(context.Background(), nil)
	assert.Error(t, err)
}

// TestLoaderCompleteAppliesDocumentsAndNamedQueries covers the full
// path: loading a bundle with one named query and one document reports
// the document as changed, saves the named query under its name, and
// records the bundle so HasNewerBundle answers for its createTime.
func TestLoaderCompleteAppliesDocumentsAndNamedQueries(t *testing.T) {
	ctx := context.Background()
	f := localstoretest.New(t, "erin")

	loader := bundle.NewLoader("welcome-bundle")
	createTime := hlc.New(900, 0)

	_, err := loader.AddSizedElement(bundle.Element{Metadata: &bundle.Metadata{
		ID: "welcome-bundle", CreateTime: createTime, TotalDocuments: 1, TotalBytes: 50,
	}}, 20)
	require.NoError(t, err)

	_, err = loader.AddSizedElement(bundle.Element{Query: &bundle.NamedQuery{
		Name:     "welcome-rooms",
		Target:   ident.Query{CollectionPath: "rooms"},
		ReadTime: createTime,
	}}, 25)
	require.NoError(t, err)

	key := ident.NewKey("rooms", "lobby")
	_, err = loader.AddSizedElement(bundle.Element{DocMeta: &bundle.DocumentMetadata{
		Key: key, ReadTime: createTime, Exists: true, Queries: []string{"welcome-rooms"},
	}}, 10)
	require.NoError(t, err)

	progress, err := loader.AddSizedElement(bundle.Element{Doc: &bundle.Document{
		Key: key, Fields: json.RawMessage(`{"name":"lobby"}`),
	}}, 30)
	require.NoError(t, err)
	require.NotNil(t, progress)

	result, err := loader.Complete(ctx, f.LocalStore)
	require.NoError(t, err)
	require.Contains(t, result.ChangedDocs, key.Path())
	assert.True(t, result.ChangedDocs[key.Path()].IsDocument())

	saved, ok, err := f.GetNamedQuery(ctx, "welcome-rooms")
	require.NoError(t, err)
	require.True(t, ok, "a named query carried by the bundle must be retrievable by name afterward")
	assert.Equal(t, ident.Query{CollectionPath: "rooms"}, saved.Target)
	assert.Equal(t, createTime, saved.ReadTime)

	newer, err := f.HasNewerBundle(ctx, "welcome-bundle", createTime)
	require.NoError(t, err)
	assert.True(t, newer, "a bundle loaded at createTime counts as newer for that same createTime")

	older := hlc.New(100, 0)
	newer, err = f.HasNewerBundle(ctx, "welcome-bundle", older)
	require.NoError(t, err)
	assert.True(t, newer, "a bundle loaded at createTime is newer than an older requested createTime")
}
