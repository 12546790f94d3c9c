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

	"github.com/cockroachdb/docsync/internal/util/diag"
)

// Option configures a Pool returned by OpenPgx or OpenMySQL.
type Option interface {
	apply(*poolSettings)
}

type poolSettings struct {
	connLifetime    time.Duration
	diags           *diag.Diagnostics
	diagsName       string
	metricsName     string
	poolSize        int
	txnTimeout      time.Duration
	waitForStartup  bool
}

type optionFunc func(*poolSettings)

func (f optionFunc) apply(s *poolSettings) { f(s) }

// WithConnectionLifetime bounds how long a pooled connection may be
// reused before it is recycled.
func WithConnectionLifetime(d time.Duration) Option {
	return optionFunc(func(s *poolSettings) { s.connLifetime = d })
}

// WithDiagnostics registers the opened Pool with a Diagnostics registry
// under the given name.
func WithDiagnostics(d *diag.Diagnostics, name string) Option {
	return optionFunc(func(s *poolSettings) { s.diags, s.diagsName = d, name })
}

// WithMetrics records name in the Pool's settings; neither Pool
// implementation reads it or exports Prometheus metrics.
func WithMetrics(name string) Option {
	return optionFunc(func(s *poolSettings) { s.metricsName = name })
}

// WithPoolSize bounds the maximum number of open connections.
func WithPoolSize(n int) Option {
	return optionFunc(func(s *poolSettings) { s.poolSize = n })
}

// WithTransactionTimeout bounds how long any one RunTransaction call
// may run before its context is canceled.
func WithTransactionTimeout(d time.Duration) Option {
	return optionFunc(func(s *poolSettings) { s.txnTimeout = d })
}

// WithWaitForStartup causes Open to retry an initial failed ping,
// rather than failing immediately; useful when the durable engine is
// still starting up (e.g. in local development or CI).
func WithWaitForStartup() Option {
	return optionFunc(func(s *poolSettings) { s.waitForStartup = true })
}

func attachOptions(options []Option) poolSettings {
	var s poolSettings
	for _, opt := range options {
		opt.apply(&s)
	}
	return s
}
