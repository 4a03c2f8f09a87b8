package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "video_processing_time_seconds",
		Help:    "Time spent processing a video file",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	conversionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "video_conversion_time_seconds",
		Help:    "Time spent converting video to MP4",
		Buckets: prometheus.DefBuckets,
	})

	inferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "model_inference_time_seconds",
		Help:    "Time spent on model inference for a video",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	processingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "video_processing_errors_total",
		Help: "Total errors during video processing",
	}, []string{"error_type"})

	processedPixels = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "processed_video_pixels_histogram",
		Help:    "Distribution of processed video resolutions in total pixels (width*height)",
		Buckets: prometheus.ExponentialBuckets(320*240, 2, 10),
	})

	detectedObjects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "detected_objects_total",
		Help: "Total detected objects of specific types",
	}, []string{"object_type"})
)
