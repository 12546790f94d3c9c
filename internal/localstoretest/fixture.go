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

// Package localstoretest provides a database-backed Fixture for tests
// that exercise the localstore package against its real collaborators,
// mirroring how cdc-sink's own sinktest packages stand up a Fixture
// around a live connection instead of mocking the durable engine.
package localstoretest

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/docsync/internal/localstore"
	"github.com/cockroachdb/docsync/internal/persistence"
	"github.com/stretchr/testify/require"
)

var fixtureSeq int64

// ConnectionStringEnv names the environment variable Fixture reads the
// durable engine's connection string from. Tests that need one call
// New, which skips via t.Skip when it is unset rather than failing, so
// the suite still runs green in environments with no database
// reachable.
const ConnectionStringEnv = "DOCSYNC_TEST_CONNECTION_STRING"

// Fixture bundles a ready-to-use LocalStore with the knobs tests need
// to drive user changes and table inspection.
type Fixture struct {
	*localstore.LocalStore

	Config *localstore.Config
}

// New opens a LocalStore backed by the connection string in
// ConnectionStringEnv, under a table prefix unique to this test, and
// registers t.Cleanup to release it. It calls t.Skip if the
// environment variable is unset.
func New(t *testing.T, initialUser string) *Fixture {
	t.Helper()

	connStr := os.Getenv(ConnectionStringEnv)
	if connStr == "" {
		t.Skipf("%s not set; skipping test that requires a durable engine", ConnectionStringEnv)
	}

	config := &localstore.Config{
		Persistence: persistence.Config{
			ConnectionString:   connStr,
			PoolSize:           4,
			ConnectionTTL:      5 * time.Minute,
			TransactionTimeout: 30 * time.Second,
			RetryBudget:        10,
		},
		TablePrefix: fmt.Sprintf("docsync_test_%d_%d", time.Now().UnixNano(), atomic.AddInt64(&fixtureSeq, 1)),
		InitialUser: initialUser,
	}

	ctx := context.Background()
	store, cleanup, err := localstore.NewFromConfig(ctx, config)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	return &Fixture{LocalStore: store, Config: config}
}
