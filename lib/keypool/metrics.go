/*
Copyright 2024 QKD Lab, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package keypool

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qkdlab/kmed/lib/utils"
)

var (
	storedKeysGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kmed_pool_stored_keys",
			Help: "Number of available keys in the pool at last stats read",
		},
	)
	reservationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kmed_pool_reservations_total",
			Help: "Number of successful master reservations",
		},
	)
	commitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kmed_pool_commits_total",
			Help: "Number of committed reservations",
		},
	)
	abortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kmed_pool_aborts_total",
			Help: "Number of aborted reservations",
		},
	)
	exhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kmed_pool_exhausted_total",
			Help: "Number of reservations rejected because the pool could not satisfy them",
		},
	)
	expiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kmed_pool_expired_keys_total",
			Help: "Number of keys transitioned to expired by the sweeper",
		},
	)
)

func init() {
	// collector registration failures here indicate duplicate metric
	// definitions, a programming error
	if err := utils.RegisterPrometheusCollectors(
		storedKeysGauge, reservationsTotal, commitsTotal,
		abortsTotal, exhaustedTotal, expiredTotal,
	); err != nil {
		panic(err)
	}
}
