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

// Package ident provides the document-key and collection-path types
// that the local store uses to address documents and targets.
package ident

import "strings"

// A Key is a document path: an alternating sequence of collection and
// document-id segments (collection, doc, collection, doc, ...). Keys are
// totally ordered segment by segment (see Compare), matching the
// server's key ordering.
type Key struct {
	segments []string
}

// NewKey builds a Key from its path segments. The segment count must be
// even: the path must end on a document id, not a collection.
func NewKey(segments ...string) Key {
	cp := make([]string, len(segments))
	copy(cp, segments)
	return Key{segments: cp}
}

// Parse splits a slash-separated path into a Key.
func Parse(path string) Key {
	path = strings.Trim(path, "/")
	if path == "" {
		return Key{}
	}
	return NewKey(strings.Split(path, "/")...)
}

// CollectionPath returns the parent collection's path segments.
func (k Key) CollectionPath() []string {
	if len(k.segments) == 0 {
		return nil
	}
	return k.segments[:len(k.segments)-1]
}

// Collection returns the immediate parent collection id.
func (k Key) Collection() string {
	path := k.CollectionPath()
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}

// DocumentID returns the final path segment.
func (k Key) DocumentID() string {
	if len(k.segments) == 0 {
		return ""
	}
	return k.segments[len(k.segments)-1]
}

// Path renders the key as a slash-separated string, suitable for use as
// a map key or persisted column value.
func (k Key) Path() string {
	return strings.Join(k.segments, "/")
}

// String implements fmt.Stringer.
func (k Key) String() string { return k.Path() }

// IsZero reports whether k has no segments.
func (k Key) IsZero() bool { return len(k.segments) == 0 }

// Compare orders two Keys by their path segments, matching server key
// ordering: collection ids compare before document ids at each level.
func Compare(a, b Key) int {
	for i := 0; i < len(a.segments) && i < len(b.segments); i++ {
		if a.segments[i] != b.segments[i] {
			if a.segments[i] < b.segments[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a.segments) < len(b.segments):
		return -1
	case len(a.segments) > len(b.segments):
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts before b.
func Less(a, b Key) bool { return Compare(a, b) < 0 }

// A Query identifies the server-side listen target that a client-side
// Target resolves to: a collection path plus an opaque, comparable
// filter/order descriptor. Two Querys that compare equal are considered
// the same listen for target-allocation purposes.
type Query struct {
	CollectionPath string
	Descriptor     string // canonicalized filters/order/limit
}

// BundleUmbrellaPath renders a synthetic key path for an umbrella/bundle target, e.g.
// "__bundle__/docs/<bundleName>".
func BundleUmbrellaPath(bundleName string) string {
	return "__bundle__/docs/" + bundleName
}
