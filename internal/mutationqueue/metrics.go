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

package mutationqueue

import (
	"github.com/cockroachdb/docsync/internal/util/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchStoreCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mutationqueue_batch_store_total",
		Help: "the number of mutation batches appended to the queue",
	}, metrics.BatchLabels)
	batchStoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mutationqueue_batch_store_errors_total",
		Help: "the number of times an error was encountered while appending a batch",
	}, metrics.BatchLabels)
	batchStoreDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mutationqueue_batch_store_duration_seconds",
		Help:    "the length of time it took to append a mutation batch",
		Buckets: metrics.LatencyBuckets,
	}, metrics.BatchLabels)

	batchRetireCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mutationqueue_batch_retire_total",
		Help: "the number of mutation batches removed from the queue after acknowledgement or rejection",
	}, metrics.BatchLabels)
	batchRetireErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mutationqueue_batch_retire_errors_total",
		Help: "the number of times an error was encountered while removing a batch",
	}, metrics.BatchLabels)
)
