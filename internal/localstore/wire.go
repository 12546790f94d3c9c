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

//go:build wireinject
// +build wireinject

package localstore

import (
	"context"

	"github.com/cockroachdb/docsync/internal/mutationqueue"
	"github.com/cockroachdb/docsync/internal/persistence"
	"github.com/cockroachdb/docsync/internal/queryengine"
	"github.com/cockroachdb/docsync/internal/referencedelegate"
	"github.com/cockroachdb/docsync/internal/remotedocumentcache"
	"github.com/cockroachdb/docsync/internal/targetcache"
	"github.com/cockroachdb/docsync/internal/util/diag"
	"github.com/google/wire"
)

// NewFromConfig constructs a self-contained LocalStore: opens the
// durable engine, creates its collaborators' tables if absent, and
// returns the coordinator ready to accept operations for
// Config.InitialUser.
func NewFromConfig(ctx context.Context, config *Config) (*LocalStore, func(), error) {
	panic(wire.Build(
		diag.New,
		persistence.Set,
		wire.Bind(new(persistence.Engine), new(persistence.Pool)),
		ProvideQueueTable,
		ProvideDocTable,
		ProvideTargetTable,
		ProvideNamedQueryTable,
		mutationqueue.NewQueues,
		remotedocumentcache.New,
		targetcache.New,
		referencedelegate.New,
		ProvideQueryEngine,
		ProvideLeases,
		ProvideLocalStore,
	))
}
