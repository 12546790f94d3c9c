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

package targetcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	targetAllocateCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "targetcache_targets_allocated_total",
		Help: "the number of listen targets allocated",
	})
	targetPersistCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "targetcache_target_data_persisted_total",
		Help: "the number of times a target's TargetData was durably updated",
	})
)
