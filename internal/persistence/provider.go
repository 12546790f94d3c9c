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
	"net/url"

	"github.com/cockroachdb/docsync/internal/util/diag"
	"github.com/google/wire"
	"github.com/pkg/errors"
)

// Set is used by Wire.
var Set = wire.NewSet(
	ProvideEngine,
)

// ProvideEngine is called by Wire to open the durable engine a
// LocalStore runs its transactions against, choosing between the
// pgx-backed (default) and MySQL-backed (opt-in) Pool depending on
// Config.
func ProvideEngine(ctx context.Context, config *Config, diags *diag.Diagnostics) (Pool, func(), error) {
	if err := config.Preflight(); err != nil {
		return nil, nil, err
	}

	options := []Option{
		WithConnectionLifetime(config.ConnectionTTL),
		WithDiagnostics(diags, "localstore"),
		WithMetrics("localstore"),
		WithPoolSize(config.PoolSize),
		WithTransactionTimeout(config.TransactionTimeout),
	}

	if !config.AllowMySQL {
		return OpenPgx(ctx, config.ConnectionString, options...)
	}

	u, err := url.Parse(config.ConnectionString)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not parse storeConn as a URL for the mysql backend")
	}
	return OpenMySQLAsPersistence(ctx, config.ConnectionString, u, options...)
}
