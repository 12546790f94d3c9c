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

// Package diag implements a process-wide registry of health-checkable
// components, so a host SDK can poll aggregate health without each
// component needing its own discovery mechanism. The pgx-backed
// persistence pool is the only component that registers itself.
package diag

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// A HealthChecker reports whether a component is able to serve
// requests.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Diagnostics is a registry of named HealthCheckers.
type Diagnostics struct {
	mu       sync.Mutex
	checkers map[string]HealthChecker
}

// New constructs a Diagnostics registry. The returned cleanup function
// releases all registrations; it is provided for symmetry with other
// Provide-style constructors and does not itself block.
func New(_ context.Context) (*Diagnostics, func()) {
	d := &Diagnostics{checkers: make(map[string]HealthChecker)}
	return d, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.checkers = nil
	}
}

// Register associates a HealthChecker with a name. It is an error to
// register the same name twice.
func (d *Diagnostics) Register(name string, checker HealthChecker) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.checkers == nil {
		return errors.New("diagnostics: registry already closed")
	}
	if _, found := d.checkers[name]; found {
		return errors.Errorf("diagnostics: %q already registered", name)
	}
	d.checkers[name] = checker
	return nil
}

// CheckAll runs every registered HealthChecker and returns a map of
// name to error (nil entries indicate healthy components).
func (d *Diagnostics) CheckAll(ctx context.Context) map[string]error {
	d.mu.Lock()
	snapshot := make(map[string]HealthChecker, len(d.checkers))
	for name, checker := range d.checkers {
		snapshot[name] = checker
	}
	d.mu.Unlock()

	out := make(map[string]error, len(snapshot))
	for name, checker := range snapshot {
		out[name] = checker.HealthCheck(ctx)
	}
	return out
}
