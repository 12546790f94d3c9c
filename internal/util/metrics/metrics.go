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

// Package metrics holds shared Prometheus bucket and label definitions
// reused across the local store's components, so that latency
// histograms are directly comparable to one another.
package metrics

// LatencyBuckets are the histogram buckets (in seconds) used for every
// transactional-operation timing metric in this module.
var LatencyBuckets = []float64{
	.0005, .001, .002, .005, .01, .02, .05, .1, .2, .5, 1, 2, 5, 10,
}

// TargetLabels label metrics that are broken out per listen target.
var TargetLabels = []string{"target"}

// BatchLabels label metrics that are broken out by the user whose
// mutation queue they concern.
var BatchLabels = []string{"user"}
