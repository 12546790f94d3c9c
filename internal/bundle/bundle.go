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

// Package bundle assembles a stream of bundle elements into the
// buffered documents and named queries a LocalStore needs to ingest
// them, without knowing anything about the transport that delivered
// the stream.
package bundle

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/cockroachdb/docsync/internal/localstore"
	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
)

// Metadata is the single header element every bundle begins with.
type Metadata struct {
	ID             string
	CreateTime     hlc.Time
	TotalDocuments int32
	TotalBytes     int64
}

// NamedQuery binds a human-meaningful name to the query a client
// issued and the snapshot it was read at, as recorded by the bundle's
// producer.
type NamedQuery struct {
	Name     string
	Target   ident.Query
	ReadTime hlc.Time
}

// DocumentMetadata precedes a Document element when the document
// exists, or stands alone as a tombstone marker when it does not.
// Queries lists the names of every NamedQuery this document is a
// result of, so Complete can group documents back into named result
// sets without the bundle repeating full document bodies per query.
type DocumentMetadata struct {
	Key      ident.Key
	ReadTime hlc.Time
	Exists   bool
	Queries  []string
}

// Document carries a document's field data. It always follows the
// DocumentMetadata with a matching Key.
type Document struct {
	Key    ident.Key
	Fields json.RawMessage
}

// Element is the discriminated union of everything a bundle stream
// can carry. Exactly one of its fields is set per element.
type Element struct {
	Metadata *Metadata
	Query    *NamedQuery
	DocMeta  *DocumentMetadata
	Doc      *Document
}

// Progress reports a bundle load's advancement. AddSizedElement
// returns one only when it completes a document.
type Progress struct {
	BytesLoaded     int64
	DocumentsLoaded int32
	TotalBytes      int64
	TotalDocuments  int32
}

// LoadResult is Complete's return value: the final progress snapshot
// and the documents that actually changed in the local cache as a
// result of ingesting the bundle.
type LoadResult struct {
	Progress    Progress
	ChangedDocs map[string]types.MaybeDocument
}

// Loader accumulates one bundle's elements as they arrive and, once
// the stream ends, applies them to a LocalStore in a single pass. A
// Loader is used for exactly one bundle load and discarded.
type Loader struct {
	bundleName string

	metadata *Metadata
	queries  []NamedQuery

	bytesLoaded     int64
	documentsLoaded int32

	pending *DocumentMetadata

	docs      map[string]types.MaybeDocument
	versions  map[string]hlc.Time
	queryDocs map[string][]ident.Key
}

// NewLoader returns a Loader ready to accept a bundle's elements in
// wire order, starting with its Metadata header. bundleName identifies
// the bundle to the LocalStore Complete eventually applies it to; it
// must match Metadata.ID once the header element arrives.
func NewLoader(bundleName string) *Loader {
	return &Loader{
		bundleName: bundleName,
		docs:       make(map[string]types.MaybeDocument),
		versions:   make(map[string]hlc.Time),
		queryDocs:  make(map[string][]ident.Key),
	}
}

// AddSizedElement feeds the next element of the bundle to the loader.
// size is the element's encoded length, used only to track
// BytesLoaded. It returns a non-nil Progress exactly when the element
// completed a document (a NamedQuery or the lone Metadata header never
// do), and a non-nil error if element violates the stream's ordering
// rules.
func (l *Loader) AddSizedElement(element Element, size int64) (*Progress, error) {
	l.bytesLoaded += size

	switch {
	case element.Metadata != nil:
		if l.metadata != nil {
			return nil, errors.New("bundle: duplicate metadata element")
		}
		if element.Metadata.ID != l.bundleName {
			return nil, errors.Errorf("bundle: metadata id %q does not match loader for %q",
				element.Metadata.ID, l.bundleName)
		}
		l.metadata = element.Metadata
		return nil, nil

	case element.Query != nil:
		l.queries = append(l.queries, *element.Query)
		return nil, nil

	case element.DocMeta != nil:
		if l.pending != nil {
			return nil, errors.Errorf("bundle: metadata for %s arrived before %s's document",
				element.DocMeta.Key, l.pending.Key)
		}
		if !element.DocMeta.Exists {
			l.completeDocument(*element.DocMeta, types.NewNoDocument(element.DocMeta.Key, element.DocMeta.ReadTime))
			return l.progress(), nil
		}
		meta := *element.DocMeta
		l.pending = &meta
		return nil, nil

	case element.Doc != nil:
		if l.pending == nil {
			return nil, errors.Errorf("bundle: document %s arrived without preceding metadata", element.Doc.Key)
		}
		if l.pending.Key != element.Doc.Key {
			return nil, errors.Errorf("bundle: document %s does not match pending metadata for %s",
				element.Doc.Key, l.pending.Key)
		}
		meta := *l.pending
		l.pending = nil
		l.completeDocument(meta, types.NewDocument(meta.Key, meta.ReadTime, element.Doc.Fields, false))
		return l.progress(), nil

	default:
		return nil, errors.New("bundle: empty element")
	}
}

func (l *Loader) completeDocument(meta DocumentMetadata, doc types.MaybeDocument) {
	path := meta.Key.Path()
	l.docs[path] = doc
	l.versions[path] = meta.ReadTime
	for _, name := range meta.Queries {
		l.queryDocs[name] = append(l.queryDocs[name], meta.Key)
	}
	l.documentsLoaded++
}

func (l *Loader) progress() *Progress {
	p := Progress{BytesLoaded: l.bytesLoaded, DocumentsLoaded: l.documentsLoaded}
	if l.metadata != nil {
		p.TotalBytes = l.metadata.TotalBytes
		p.TotalDocuments = l.metadata.TotalDocuments
	}
	return &p
}

// Complete applies every buffered document and named query to store
// and reports the documents that changed as a result. It must be
// called exactly once, after the bundle's final element, and only
// when a Metadata header was received and no DocumentMetadata is left
// waiting for its Document.
func (l *Loader) Complete(ctx context.Context, store *localstore.LocalStore) (LoadResult, error) {
	if l.metadata == nil {
		return LoadResult{}, errors.New("bundle: stream ended without a metadata element")
	}
	if l.pending != nil {
		return LoadResult{}, errors.Errorf("bundle: stream ended with %s's metadata unmatched by a document", l.pending.Key)
	}

	changed, err := store.ApplyBundleDocuments(ctx, l.bundleName, l.docs, l.versions, l.metadata.CreateTime)
	if err != nil {
		return LoadResult{}, errors.Wrap(err, "applying bundle documents")
	}

	for _, query := range l.queries {
		if err := store.SaveNamedQuery(ctx, localstore.NamedQuery{
			Name: query.Name, Target: query.Target, ReadTime: query.ReadTime,
		}, l.queryDocs[query.Name]); err != nil {
			return LoadResult{}, errors.Wrapf(err, "saving named query %q", query.Name)
		}
	}

	return LoadResult{Progress: *l.progress(), ChangedDocs: changed}, nil
}
