// Package metrics provides constants used across metric definitions.
package metrics

import "time"

// Operation type constants passed to Recorder methods.
const (
	// OpTrainingRun represents a whole training run from Preparing to Idle or Failed.
	OpTrainingRun = "training_run"
	// OpDatasetStage represents copying registered images into the ephemeral dataset.
	OpDatasetStage = "dataset_stage"
	// OpDatasetPrepare represents decode, crop, augment and feature extraction.
	OpDatasetPrepare = "dataset_prepare"
	// OpEpoch represents one training epoch.
	OpEpoch = "epoch"
	// OpArtifactPublish represents writing and publishing a model version.
	OpArtifactPublish = "artifact_publish"
	// OpHistoryWrite represents appending to the training history file.
	OpHistoryWrite = "history_write"
	// OpRecognition represents a single recognition request.
	OpRecognition = "recognition"
	// OpModelLoad represents loading a model version for inference.
	OpModelLoad = "model_load"
	// OpFaceDetect represents running the face detector on one image.
	OpFaceDetect = "face_detect"
	// OpFeatureExtract represents one backbone forward pass.
	OpFeatureExtract = "feature_extract"
	// OpFeatureCache represents a feature cache lookup.
	OpFeatureCache = "feature_cache"
)

// Status label values.
const (
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusCancelled  = "cancelled"
	StatusIdentified = "identified"
	StatusUnknown    = "unknown"
	StatusHit        = "hit"
	StatusMiss       = "miss"
)

// Histogram bucket configuration constants.
const (
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~1s range).
	BucketStart1ms = 0.001
	// BucketStart100ms is the starting bucket for 100ms histograms (100ms to ~100s range).
	BucketStart100ms = 0.1
	// BucketStart1s is the starting bucket for 1s histograms (1s to ~9 hours range).
	BucketStart1s = 1.0
	// BucketStart64B is the starting bucket for 64 byte histograms.
	BucketStart64B = 64.0

	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2

	BucketCount10 = 10
	BucketCount15 = 15
)

// ShutdownTimeout is the timeout for graceful shutdown of the metrics endpoint.
const ShutdownTimeout = 5 * time.Second
