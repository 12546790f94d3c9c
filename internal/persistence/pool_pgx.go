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
	"time"

	"github.com/cockroachdb/docsync/internal/util/stopper"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// OpenPgx opens a connection pool to a CockroachDB or PostgreSQL
// cluster, returning an Engine backed by it. The pool is closed by the
// returned cleanup function.
func OpenPgx(ctx context.Context, connectString string, options ...Option) (Pool, func(), error) {
	settings := attachOptions(options)

	return returnOrStop(ctx, func(ctx *stopper.Context) (Pool, error) {
		cfg, err := pgxpool.ParseConfig(connectString)
		if err != nil {
			return nil, errors.Wrap(err, "could not parse connection string")
		}
		if settings.poolSize > 0 {
			cfg.MaxConns = int32(settings.poolSize)
		}
		if settings.connLifetime > 0 {
			cfg.MaxConnLifetime = settings.connLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "could not open connection pool")
		}

		ctx.Go(func() error {
			<-ctx.Stopping()
			pool.Close()
			return nil
		})

	ping:
		if err := pool.Ping(ctx); err != nil {
			if settings.waitForStartup {
				log.WithError(err).Info("waiting for durable engine to become ready")
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Second):
					goto ping
				}
			}
			return nil, errors.Wrap(err, "could not ping the durable engine")
		}

		ret := &pgxEngine{pool: pool, settings: settings}

		if settings.diags != nil {
			if err := settings.diags.Register(settings.diagsName, ret); err != nil {
				return nil, err
			}
		}

		return ret, nil
	})
}
