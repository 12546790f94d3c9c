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

// Package persistence implements the concrete durable engine the local
// store runs its transactions against. The local store's coordinator
// only depends on the Engine interface; everything else in this
// package is an adapter from that interface onto pgx/pgxpool (and, for
// parity, a MySQL-backed Pool), following the same connection-pool and
// transaction-lifecycle idioms as the stdpool and source/logical
// packages this module builds on.
package persistence

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/docsync/internal/types"
	log "github.com/sirupsen/logrus"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// TxnBody is the function a caller supplies to RunTransaction. It is
// invoked at least once and may be invoked multiple times if the
// engine retries a conflicting transaction; the body must therefore be
// idempotent given the same starting persisted state (the working-copy
// pattern used throughout this module for in-memory indices).
type TxnBody func(ctx context.Context, tx types.Txn) (interface{}, error)

// Engine is the external collaborator: a durable, transactional
// key-value store. The pgx-backed Engine retries retryable conflicts
// automatically and returns one to the caller only after its retry
// limit is exhausted; the MySQL-backed Engine does not retry.
type Engine interface {
	// RunTransaction runs body inside one transaction of the given
	// mode, retrying automatically on a retryable conflict. label is
	// used only for logging/metrics.
	RunTransaction(ctx context.Context, label string, mode types.TransactionMode, body TxnBody) (interface{}, error)

	// Close releases the underlying connection pool.
	Close()
}

// Pool is a thin wrapper that both the pgx-backed and MySQL-backed
// Engine implementations satisfy, so that ProvideEngine can be written
// once regardless of which backend Config.AllowMySQL selects.
type Pool interface {
	Engine
	// HealthCheck implements diag.HealthChecker.
	HealthCheck(ctx context.Context) error
}

// pgxEngine is the production Engine, backed by CockroachDB or
// PostgreSQL through pgx/pgxpool.
type pgxEngine struct {
	pool     pgxPool
	settings poolSettings
	seq      atomic.Int64
}

// pgxPool is the subset of *pgxpool.Pool this package uses, so that
// tests can substitute an in-memory fake without importing pgxpool.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxEngine)(nil)

// RunTransaction implements Engine. It begins one pgx.Tx per attempt,
// invokes body, and commits or rolls back. A retryable SQLSTATE
// (CockroachDB's 40001, "restart transaction") causes the attempt to
// be retried, up to a fixed budget of 10 attempts (Config.RetryBudget
// is not consulted); every other error, and exhaustion of the retry
// budget, is returned to the caller.
func (e *pgxEngine) RunTransaction(
	ctx context.Context, label string, mode types.TransactionMode, body TxnBody,
) (interface{}, error) {
	if e.settings.txnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.settings.txnTimeout)
		defer cancel()
	}

	budget := 10
	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		result, err := e.attempt(ctx, label, mode, body)
		if err == nil {
			return result, nil
		}
		if !isRetryableSQL(err) {
			return nil, err
		}
		lastErr = err
		log.WithFields(log.Fields{
			"label":   label,
			"attempt": attempt,
		}).Debug("retrying transaction after conflict")
	}
	return nil, errors.Wrapf(lastErr, "transaction %q exhausted its retry budget", label)
}

func (e *pgxEngine) attempt(
	ctx context.Context, label string, mode types.TransactionMode, body TxnBody,
) (interface{}, error) {
	pgxTx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	tx := &txn{Tx: pgxTx, mode: mode, sequence: e.seq.Add(1)}

	result, err := body(ctx, tx)
	if err != nil {
		if rbErr := pgxTx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.WithError(rbErr).Warn("rollback failed after transaction body error")
		}
		return nil, err
	}

	if err := pgxTx.Commit(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	return result, nil
}

// Close releases the pool.
func (e *pgxEngine) Close() { e.pool.Close() }

// HealthCheck implements diag.HealthChecker.
func (e *pgxEngine) HealthCheck(ctx context.Context) error {
	return errors.WithStack(e.pool.Ping(ctx))
}

// isRetryableSQL reports whether err carries CockroachDB's retryable
// transaction SQLSTATE (40001), or was explicitly tagged
// types.ErrRetryable by a test double.
func isRetryableSQL(err error) bool {
	if types.IsRetryable(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

// txn adapts a *pgx.Tx (via the pgx.Tx interface) to types.Txn.
type txn struct {
	pgx.Tx
	mode     types.TransactionMode
	sequence int64
}

var _ types.Txn = (*txn)(nil)

func (t *txn) Mode() types.TransactionMode      { return t.mode }
func (t *txn) CurrentSequenceNumber() int64     { return t.sequence }
func (t *txn) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return t.Tx.Exec(ctx, sql, args...)
}
func (t *txn) Query(ctx context.Context, sql string, args ...interface{}) (types.Rows, error) {
	return t.Tx.Query(ctx, sql, args...)
}
func (t *txn) QueryRow(ctx context.Context, sql string, args ...interface{}) types.Row {
	return t.Tx.QueryRow(ctx, sql, args...)
}

// backoffBeforeRetry maps an attempt number to a pause. RunTransaction
// does not call it; attempts are retried immediately.
var backoffBeforeRetry = func(attempt int) time.Duration { return 0 }
