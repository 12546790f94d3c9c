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
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config contains the user-visible configuration needed to open the
// durable engine backing a local store. It is pure configuration: a
// host SDK binds it into its own flag set the way cdc-sink's
// source/server/config.go embeds its sub-configs. Building an actual
// CLI command surface around this Config is out of scope for the local
// store.
type Config struct {
	ConnectionString string
	PoolSize         int
	ConnectionTTL    time.Duration
	TransactionTimeout time.Duration
	RetryBudget      int

	// AllowMySQL opts into the weaker-guarantee MySQL-backed Pool. The
	// default pgx/CRDB-or-Postgres backend is required unless this is
	// explicitly set, since MySQL cannot surface a retryable-SQLSTATE
	// signal for RunTransaction to act on.
	AllowMySQL bool
}

// Bind registers flags for Config onto flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.ConnectionString, "storeConn", "",
		"the connection string for the durable engine backing the local store")
	flags.IntVar(&c.PoolSize, "storePoolSize", 32,
		"maximum number of connections held open to the durable engine")
	flags.DurationVar(&c.ConnectionTTL, "storeConnTTL", 5*time.Minute,
		"maximum lifetime of a pooled connection before it is recycled")
	flags.DurationVar(&c.TransactionTimeout, "storeTxnTimeout", 30*time.Second,
		"maximum duration of a single local-store transaction")
	flags.IntVar(&c.RetryBudget, "storeRetryBudget", 10,
		"maximum number of automatic retries for a retryable transaction conflict")
	flags.BoolVar(&c.AllowMySQL, "storeAllowMySQL", false,
		"allow the local store to run against a MySQL-compatible durable engine; not recommended in production")
}

// Preflight validates Config before it is used to open a Pool.
func (c *Config) Preflight() error {
	if c.ConnectionString == "" {
		return errors.New("storeConn unset")
	}
	if c.PoolSize <= 0 {
		return errors.New("storePoolSize must be positive")
	}
	if c.RetryBudget <= 0 {
		return errors.New("storeRetryBudget must be positive")
	}
	return nil
}
