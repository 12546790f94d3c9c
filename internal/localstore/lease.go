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
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/docsync/internal/types"
)

// singleProcessLeases is the default types.Leases implementation: a
// single process holding one of these never contends with another tab
// because there is no other tab, so the only thing worth modeling is
// re-entrant acquisition racing against a held, unreleased lease. A
// deployment sharing one durable engine across multiple processes
// would instead back this with a row-level lock in the durable engine
// and plug it in as its own types.Leases via ProvideLeases.
type singleProcessLeases struct {
	mu    sync.Mutex
	held  map[string]*processLease
	clock func() time.Time
}

// NewSingleProcessLeases constructs a types.Leases suitable for a
// single-process local store.
func NewSingleProcessLeases() types.Leases {
	return &singleProcessLeases{held: make(map[string]*processLease)}
}

func (l *singleProcessLeases) Acquire(ctx context.Context, name string) (types.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.held[name]; ok && !existing.released {
		return nil, &types.LeaseBusyError{Expiration: existing.expiration}
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	pl := &processLease{
		name:       name,
		owner:      l,
		ctx:        leaseCtx,
		cancel:     cancel,
		expiration: l.now().Add(leaseTTL),
	}
	l.held[name] = pl
	return pl, nil
}

func (l *singleProcessLeases) now() time.Time {
	if l.clock != nil {
		return l.clock()
	}
	return time.Now()
}

func (l *singleProcessLeases) release(pl *processLease) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.held[pl.name]; ok && current == pl {
		delete(l.held, pl.name)
	}
}

// leaseTTL bounds how long a caller may hold a lease before another
// caller's Acquire is entitled to consider it stale; this
// implementation never expires one proactively, it only reports the
// watermark in LeaseBusyError.
const leaseTTL = 30 * time.Second

type processLease struct {
	name       string
	owner      *singleProcessLeases
	ctx        context.Context
	cancel     context.CancelFunc
	expiration time.Time
	released   bool
}

var _ types.Lease = (*processLease)(nil)

func (pl *processLease) Context() context.Context { return pl.ctx }

func (pl *processLease) Release() {
	pl.released = true
	pl.cancel()
	pl.owner.release(pl)
}
