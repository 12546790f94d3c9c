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

// Package types contains the data types and collaborator interfaces
// shared across the local store's components. Keeping them in one
// package makes it easy to compose the mutation queue, remote document
// cache, target cache, and bundle loader without import cycles.
package types

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/docsync/internal/util/hlc"
	"github.com/cockroachdb/docsync/internal/util/ident"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// TransactionMode selects the isolation and multi-tab semantics a
// persistence transaction runs under.
type TransactionMode int

const (
	// ReadOnly transactions read persisted state only.
	ReadOnly TransactionMode = iota
	// ReadWrite transactions may write, and are safe to run from any
	// tab/process sharing the durable engine.
	ReadWrite
	// ReadWritePrimary transactions may additionally mutate the remote
	// document cache or target lifecycle. No engine in this module
	// checks that the caller holds the primary-tab Lease.
	ReadWritePrimary
)

// String implements fmt.Stringer.
func (m TransactionMode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case ReadWritePrimary:
		return "readwrite-primary"
	default:
		return "unknown"
	}
}

// Row is a single-row result, satisfied by both pgx.Row and the
// *sql.Row wrapper the MySQL backend uses.
type Row interface {
	Scan(dest ...interface{}) error
}

// Rows is a multi-row result cursor, satisfied by both pgx.Rows and a
// *sql.Rows wrapper.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close()
}

// Txn is the transaction-scoped handle passed to every local-store
// operation. It is backed by *pgx.Tx against CockroachDB/PostgreSQL, by
// database/sql against MySQL, and by per-package in-memory fakes in
// unit tests (internal/localstoretest opens a real pgx engine
// instead). Query/QueryRow are generalized over Row
// and Rows (rather than pgx's concrete types) so that both backends,
// and any future one, can implement the same Txn shape.
type Txn interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) Row

	// Mode reports the transaction mode this Txn was started under, so
	// that collaborators can assert they're not being asked to perform
	// a readwrite-primary operation inside a plain readwrite txn.
	Mode() TransactionMode

	// CurrentSequenceNumber returns the monotonic sequence number
	// assigned to this transaction, used for LRU GC ordering.
	CurrentSequenceNumber() int64
}

// --- Error kinds -------------------------------------------------------------

// ErrRetryable marks an error the pgx-backed persistence engine retries
// automatically; RunTransaction returns one to a caller only once its
// retry limit is exhausted.
var ErrRetryable = errors.New("transaction conflict, retry")

// ErrNotFound marks a hard failure caused by looking up an entity (a
// mutation batch, a target) that does not exist.
var ErrNotFound = errors.New("not found")

// ErrFatal marks an assertion/invariant violation. Fatal errors are
// propagated to the caller without retry.
var ErrFatal = errors.New("invariant violation")

// IsRetryable reports whether err (or its cause) is ErrRetryable.
func IsRetryable(err error) bool { return errors.Is(err, ErrRetryable) }

// IsNotFound reports whether err (or its cause) is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// --- Document model ---------------------------------------------------------

// DocumentKind distinguishes a live Document from a NoDocument
// tombstone without resorting to dynamic typing. Callers writing a
// value of this type into the durable cache must take care that a
// manufactured tombstone (see MaybeDocument.IsManufacturedTombstone)
// is never accepted as a real one.
type DocumentKind int

const (
	// KindDocument is a live document with field data.
	KindDocument DocumentKind = iota
	// KindNoDocument is a tombstone: the document is known not to
	// exist as of Version.
	KindNoDocument
)

// MaybeDocument is the tagged document variant: either a Document with
// field data or a NoDocument tombstone, both carrying a SnapshotVersion.
type MaybeDocument struct {
	Kind             DocumentKind
	Key              ident.Key
	Version          hlc.Time
	Fields           json.RawMessage // only meaningful when Kind == KindDocument
	HasPendingWrites bool
}

// NewDocument constructs a live MaybeDocument.
func NewDocument(key ident.Key, version hlc.Time, fields json.RawMessage, pending bool) MaybeDocument {
	return MaybeDocument{Kind: KindDocument, Key: key, Version: version, Fields: fields, HasPendingWrites: pending}
}

// NewNoDocument constructs a tombstone MaybeDocument.
func NewNoDocument(key ident.Key, version hlc.Time) MaybeDocument {
	return MaybeDocument{Kind: KindNoDocument, Key: key, Version: version}
}

// IsDocument reports whether md represents a live document.
func (md MaybeDocument) IsDocument() bool { return md.Kind == KindDocument }

// IsManufacturedTombstone reports whether md is the sentinel produced
// for permission-denied limbo resolution: a NoDocument at the zero
// version. Such a value must never be written to the remote cache.
func (md MaybeDocument) IsManufacturedTombstone() bool {
	return md.Kind == KindNoDocument && md.Version.IsZero()
}

// --- Mutations ---------------------------------------------------------------

// MutationKind enumerates the variant over Set/Patch/Delete/Transform.
type MutationKind int

const (
	MutationSet MutationKind = iota
	MutationPatch
	MutationDelete
	MutationTransform
)

// PreconditionKind enumerates the precondition variants a Mutation may
// carry.
type PreconditionKind int

const (
	PreconditionNone PreconditionKind = iota
	PreconditionExists
	PreconditionUpdateTimeLE
)

// Precondition guards whether a Mutation is allowed to apply.
type Precondition struct {
	Kind       PreconditionKind
	Exists     bool     // meaningful when Kind == PreconditionExists
	UpdateTime hlc.Time // meaningful when Kind == PreconditionUpdateTimeLE
}

// TransformOp is a single non-idempotent field transform (e.g. server
// increment, array-union). The Apply semantics live in the local
// documents view, not here; this struct only carries the wire shape.
type TransformOp struct {
	FieldPath string
	Op        string // e.g. "increment", "arrayUnion", "arrayRemove", "serverTimestamp"
	Operand   json.RawMessage
}

// Mutation is a single write against one document.
type Mutation struct {
	Kind         MutationKind
	Key          ident.Key
	Precondition Precondition

	// Fields carries the full document for MutationSet, and the
	// patched subset for MutationPatch.
	Fields json.RawMessage
	// FieldMask lists the dotted field paths a MutationPatch touches;
	// it is empty for Set/Delete.
	FieldMask []string
	// Transforms carries the non-idempotent operations for
	// MutationTransform.
	Transforms []TransformOp

	Time hlc.Time // local write time this mutation was created at
}

// TransformTargets returns the field paths touched by m's Transforms,
// used to compute the field mask of a synthesized base mutation.
func (m Mutation) TransformTargets() []string {
	if len(m.Transforms) == 0 {
		return nil
	}
	out := make([]string, len(m.Transforms))
	for i, t := range m.Transforms {
		out[i] = t.FieldPath
	}
	return out
}

// MutationBatch groups the mutations written atomically by one
// localWrite call.
type MutationBatch struct {
	BatchID        int64
	LocalWriteTime time.Time
	// BaseMutations are synthetic Patch mutations capturing the
	// pre-image of fields feeding non-idempotent transforms, so that a
	// replayed server echo of those transforms does not double-apply.
	BaseMutations []Mutation
	Mutations     []Mutation
}

// Keys returns the set of document keys this batch touches, from
// either BaseMutations or Mutations.
func (b MutationBatch) Keys() []ident.Key {
	seen := make(map[string]bool)
	var out []ident.Key
	add := func(k ident.Key) {
		p := k.Path()
		if !seen[p] {
			seen[p] = true
			out = append(out, k)
		}
	}
	for _, m := range b.BaseMutations {
		add(m.Key)
	}
	for _, m := range b.Mutations {
		add(m.Key)
	}
	return out
}

// MutationBatchResult is the server's acknowledgement of a committed
// batch.
type MutationBatchResult struct {
	Batch         MutationBatch
	CommitVersion hlc.Time
	DocVersions   map[string]hlc.Time // keyed by ident.Key.Path()
	StreamToken   []byte
}

// --- Targets -----------------------------------------------------------------

// TargetPurpose enumerates why a TargetData entry exists.
type TargetPurpose int

const (
	PurposeListen TargetPurpose = iota
	PurposeExistenceFilterMismatch
	PurposeLimboResolution
)

// TargetData is the persisted/in-memory record of a server-side listen
// target.
type TargetData struct {
	Target                       ident.Query
	TargetID                     int32
	Purpose                      TargetPurpose
	SequenceNumber               int64
	SnapshotVersion              hlc.Time
	LastLimboFreeSnapshotVersion hlc.Time
	ResumeToken                  []byte
}

// WithResumeToken returns a copy of t with an updated resume token,
// snapshot version, and sequence number, used by the remote-event
// applier.
func (t TargetData) WithResumeToken(token []byte, snapshot hlc.Time, sequence int64) TargetData {
	t.ResumeToken = token
	t.SnapshotVersion = snapshot
	t.SequenceNumber = sequence
	return t
}

// --- Leases (primary-tab coordination) ---------------------------------------

// A Lease represents a time-based, exclusive lock used to coordinate
// readwrite-primary transactions across multiple SDK instances sharing
// one durable engine.
type Lease interface {
	// Context is canceled when the lease expires.
	Context() context.Context
	// Release terminates the Lease.
	Release()
}

// LeaseBusyError is returned by Leases.Acquire if another caller holds
// the lease.
type LeaseBusyError struct {
	Expiration time.Time
}

func (e *LeaseBusyError) Error() string { return "lease is held by another caller" }

// IsLeaseBusy returns the error if it represents a busy lease.
func IsLeaseBusy(err error) (busy *LeaseBusyError, ok bool) {
	return busy, errors.As(err, &busy)
}

// Leases coordinates primary-tab election across multiple instances of
// the local store sharing one durable engine.
type Leases interface {
	Acquire(ctx context.Context, name string) (Lease, error)
}
