package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafy_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leafy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Detection metrics
	detectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafy_detections_total",
			Help: "Total number of detection requests by outcome",
		},
		[]string{"source", "outcome"}, // source: local, remote; outcome: gateway error kind or ok
	)

	detectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leafy_detection_duration_seconds",
			Help:    "Detection processing duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"source"},
	)

	detectionConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leafy_detection_confidence",
			Help:    "Confidence of the top prediction",
			Buckets: []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
		},
		[]string{"source"},
	)

	leafValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafy_leaf_validations_total",
			Help: "Total number of leaf validation requests by result",
		},
		[]string{"result"}, // result: leaf, not_leaf, failed, rejected
	)

	// Rate limiting metrics
	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafy_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"scope"},
	)

	// File upload metrics
	uploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leafy_upload_size_bytes",
			Help:    "Size of uploaded images in bytes",
			Buckets: []float64{1024, 10 * 1024, 100 * 1024, 512 * 1024, 1024 * 1024, 5 * 1024 * 1024, 10 * 1024 * 1024},
		},
	)
)
