/*
Copyright 2022 The Numaproj Authors.

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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelProjection = "projection"
	LabelWorker     = "worker"
	LabelReason     = "reason"
	LabelMode       = "mode"
	LabelVersion    = "version"
	LabelPlatform   = "platform"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "A metric with a constant value '1', labeled by binary version, platform and service mode",
	}, []string{LabelVersion, LabelPlatform, LabelMode})
)

// Projection service metrics
var (
	// RetrieveCount is the number of events handed out to workers
	RetrieveCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "projection",
		Name:      "retrieve_total",
		Help:      "Total number of events retrieved by workers",
	}, []string{LabelProjection, LabelWorker})

	// AckCount is the number of acknowledged events
	AckCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "projection",
		Name:      "ack_total",
		Help:      "Total number of events acknowledged",
	}, []string{LabelProjection})

	// BatchFetchCount is the number of batches fetched from the event source
	BatchFetchCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "projection",
		Name:      "batch_fetch_total",
		Help:      "Total number of event batches fetched",
	}, []string{LabelProjection})

	BatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "projection",
		Name:      "batch_size",
		Help:      "Number of events in a fetched batch",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{LabelProjection})

	// CommitCount is the number of journal commits that advanced the checkpoint
	CommitCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "projection",
		Name:      "commit_total",
		Help:      "Total number of checkpoint commits",
	}, []string{LabelProjection})

	CommitErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "projection",
		Name:      "commit_error_total",
		Help:      "Total number of failed checkpoint commits",
	}, []string{LabelProjection, LabelReason})

	// IdleCount is the number of times a projection had no work and backed off
	IdleCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "projection",
		Name:      "idle_total",
		Help:      "Total number of idle backoffs",
	}, []string{LabelProjection})

	// GapCount is the number of sequence gaps and missing journal events observed
	GapCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "projection",
		Name:      "gaps_total",
		Help:      "Total number of sequence gaps observed",
	}, []string{LabelProjection})

	CacheHitCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "projection",
		Name:      "cache_hit_total",
		Help:      "Total number of event cache hits",
	}, []string{LabelProjection})

	CacheMissCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "projection",
		Name:      "cache_miss_total",
		Help:      "Total number of event cache misses",
	}, []string{LabelProjection})

	// HandlerErrorCount is the number of failed handler invocations
	HandlerErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "projection",
		Name:      "handler_error_total",
		Help:      "Total number of handler errors",
	}, []string{LabelProjection, LabelWorker})

	// Checkpoint is the last committed sequence number of a projection
	Checkpoint = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "projection",
		Name:      "checkpoint",
		Help:      "Last committed sequence number",
	}, []string{LabelProjection})
)
