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

package localstore

import (
	"github.com/cockroachdb/docsync/internal/persistence"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config controls table naming and the initial user a LocalStore is
// constructed for; the connection itself is configured through the
// embedded persistence.Config.
type Config struct {
	Persistence persistence.Config

	// TablePrefix names the family of tables this LocalStore's
	// collaborators create and use: "<prefix>_mutations",
	// "<prefix>_docs", "<prefix>_targets", etc.
	TablePrefix string

	// InitialUser is the signed-in principal the mutation queue opens
	// for before the caller issues its first HandleUserChange.
	InitialUser string
}

// Bind registers flags for Config onto flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	c.Persistence.Bind(flags)
	flags.StringVar(&c.TablePrefix, "storeTablePrefix", "local_store",
		"prefix for the tables backing the local store's durable collaborators")
	flags.StringVar(&c.InitialUser, "storeInitialUser", "",
		"the principal the local store's mutation queue is initially opened for")
}

// Preflight validates Config, deferring to persistence.Config for the
// connection-level checks.
func (c *Config) Preflight() error {
	if c.TablePrefix == "" {
		return errors.New("storeTablePrefix must be set")
	}
	return c.Persistence.Preflight()
}
