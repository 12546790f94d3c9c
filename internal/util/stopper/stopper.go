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

// Package stopper provides a context-like handle for background
// goroutines (such as pool teardown) that need a
// clean-shutdown signal distinct from outright cancellation.
package stopper

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// A Context wraps a context.Context with a cooperative stop signal and
// a WaitGroup of background goroutines launched through Go.
type Context struct {
	context.Context

	mu       sync.Mutex
	stopping chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	firstErr error
}

// New wraps parent in a stopper Context.
func New(parent context.Context) (*Context, func()) {
	ctx := &Context{Context: parent, stopping: make(chan struct{})}
	go func() {
		select {
		case <-parent.Done():
			ctx.once.Do(func() { close(ctx.stopping) })
		case <-ctx.stopping:
		}
	}()
	return ctx, ctx.Stop
}

// Stopping returns a channel that is closed when Stop is called or the
// parent context is done.
func (c *Context) Stopping() <-chan struct{} {
	return c.stopping
}

// Stop signals all goroutines launched via Go to wind down and blocks
// until they have returned.
func (c *Context) Stop() {
	c.once.Do(func() { close(c.stopping) })
	c.wg.Wait()
}

// Go launches fn in a new goroutine, tracked by Stop. The first non-nil
// error returned by any tracked goroutine is retained and can be
// inspected by callers that care (currently only used by tests); errors
// are otherwise logged by the caller of fn.
func (c *Context) Go(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil {
			c.mu.Lock()
			if c.firstErr == nil {
				c.firstErr = err
			}
			c.mu.Unlock()
		}
	}()
}

// Err returns the first error reported by a goroutine launched via Go.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstErr
}

// ErrStopped is returned by operations that observe the stopper
// shutting down while awaiting some other result.
var ErrStopped = errors.New("stopper: context stopped")
