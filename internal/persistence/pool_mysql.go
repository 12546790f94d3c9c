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

package persistence

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"net/url"
	"time"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/stopper"
	_ "github.com/go-sql-driver/mysql" // register driver
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// OpenMySQLAsPersistence opens a database connection to a
// MySQL-compatible server and returns an Engine backed by it.
//
// MySQL has no equivalent of CockroachDB's 40001 "restart transaction"
// SQLSTATE, so RunTransaction on this Engine cannot distinguish a
// retryable serialization conflict from any other failure: every error
// is returned to the caller untouched. ProvideEngine selects this
// backend only when Config.AllowMySQL is set.
func OpenMySQLAsPersistence(
	ctx context.Context, connectString string, u *url.URL, options ...Option,
) (Pool, func(), error) {
	settings := attachOptions(options)

	path := "/"
	if u.Path != "" {
		path = u.Path
	}
	mySQLString := u.User.String() + "@tcp(" + u.Host + ")" + path + "?sql_mode=ansi"

	return returnOrStop(ctx, func(ctx *stopper.Context) (Pool, error) {
		log.Info("opening mysql-backed persistence pool")

		db, err := sql.Open("mysql", mySQLString)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if settings.poolSize > 0 {
			db.SetMaxOpenConns(settings.poolSize)
		}
		if settings.connLifetime > 0 {
			db.SetConnMaxLifetime(settings.connLifetime)
		}

		ctx.Go(func() error {
			<-ctx.Stopping()
			if err := db.Close(); err != nil {
				log.WithError(errors.WithStack(err)).Warn("could not close mysql connection")
			}
			return nil
		})

	ping:
		if err := db.PingContext(ctx); err != nil {
			if settings.waitForStartup && isMySQLStartupError(err) {
				log.WithError(err).Info("waiting for mysql server to become ready")
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(10 * time.Second):
					goto ping
				}
			}
			return nil, errors.Wrap(err, "could not ping mysql server")
		}

		return &mysqlEngine{db: db}, nil
	})
}

func isMySQLStartupError(err error) bool {
	switch err {
	case sqldriver.ErrBadConn:
		return true
	default:
		return false
	}
}

// mysqlEngine implements Engine atop database/sql, without the
// retryable-SQLSTATE fast path pgxEngine has.
type mysqlEngine struct {
	db *sql.DB
}

var _ Pool = (*mysqlEngine)(nil)

func (e *mysqlEngine) RunTransaction(
	ctx context.Context, label string, mode types.TransactionMode, body TxnBody,
) (interface{}, error) {
	sqlTx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	tx := &mysqlTxn{Tx: sqlTx, mode: mode}

	result, err := body(ctx, tx)
	if err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.WithError(rbErr).Warn("rollback failed after transaction body error")
		}
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, errors.WithStack(err)
	}
	return result, nil
}

func (e *mysqlEngine) Close() { _ = e.db.Close() }

func (e *mysqlEngine) HealthCheck(ctx context.Context) error {
	return errors.WithStack(e.db.PingContext(ctx))
}

// mysqlTxn adapts *sql.Tx to types.Txn.
type mysqlTxn struct {
	*sql.Tx
	mode     types.TransactionMode
	sequence int64
}

var _ types.Txn = (*mysqlTxn)(nil)

func (t *mysqlTxn) Mode() types.TransactionMode  { return t.mode }
func (t *mysqlTxn) CurrentSequenceNumber() int64 { return t.sequence }

func (t *mysqlTxn) Exec(ctx context.Context, sqlText string, args ...interface{}) (pgconn.CommandTag, error) {
	res, err := t.Tx.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return pgconn.CommandTag{}, errors.WithStack(err)
	}
	n, _ := res.RowsAffected()
	return pgconn.NewCommandTag(rowsAffectedTag(n)), nil
}

func (t *mysqlTxn) Query(ctx context.Context, sqlText string, args ...interface{}) (types.Rows, error) {
	rows, err := t.Tx.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &mysqlRows{rows}, nil
}

func (t *mysqlTxn) QueryRow(ctx context.Context, sqlText string, args ...interface{}) types.Row {
	return t.Tx.QueryRowContext(ctx, sqlText, args...)
}

// mysqlRows adapts *sql.Rows to types.Rows: sql.Rows.Close returns an
// error, which types.Rows.Close does not, so the error is logged
// rather than dropped silently.
type mysqlRows struct {
	*sql.Rows
}

func (r *mysqlRows) Close() {
	if err := r.Rows.Close(); err != nil {
		log.WithError(err).Warn("error closing mysql result rows")
	}
}

func rowsAffectedTag(n int64) string {
	if n == 1 {
		return "UPDATE 1"
	}
	return "UPDATE"
}
