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
	"github.com/cockroachdb/docsync/internal/util/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	txnCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localstore_transactions_total",
		Help: "the number of coordinator transactions started, by operation",
	}, opLabels)
	txnErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localstore_transaction_errors_total",
		Help: "the number of coordinator transactions that returned an error, by operation",
	}, opLabels)
	txnDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "localstore_transaction_duration_seconds",
		Help:    "coordinator transaction duration, by operation",
		Buckets: metrics.LatencyBuckets,
	}, opLabels)
)

// opLabels labels every coordinator metric by the operation name
// passed to RunTransaction.
var opLabels = []string{"op"}

// metrics is a thin per-LocalStore accessor over the package-level
// vectors above, so call sites read ls.metrics.observe(...) without
// depending on package-level state directly.
type metrics struct{}

func newMetrics() *metrics { return &metrics{} }

func (*metrics) observe(op string, seconds float64, err error) {
	txnCount.WithLabelValues(op).Inc()
	txnDurations.WithLabelValues(op).Observe(seconds)
	if err != nil {
		txnErrors.WithLabelValues(op).Inc()
	}
}
