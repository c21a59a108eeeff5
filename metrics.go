package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricRequest = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ociunpack_registry_request_duration_seconds",
		Help:    "Registry HTTP requests with operation, response code, and duration in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 30, 120},
	},
	[]string{
		"op",   // manifest, blob, token
		"code", // http response code, or "error"
	},
)

var metricRetry = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "ociunpack_registry_retry_total",
		Help: "Number of registry requests retried after a transient failure.",
	},
)

var metricAuthToken = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "ociunpack_registry_token_total",
		Help: "Number of bearer tokens fetched after a 401 challenge.",
	},
)

var metricCache = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ociunpack_blobcache_total",
		Help: "Blob cache operations, by result.",
	},
	[]string{
		"result", // hit, miss, evict
	},
)

var metricLayerEntry = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ociunpack_layer_entry_total",
		Help: "Tar entries applied to the rootfs, by type.",
	},
	[]string{
		"type", // dir, file, symlink, hardlink, whiteout, opaque
	},
)
