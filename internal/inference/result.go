package inference

import (
	"context"
	"fmt"
	"image"

	"github.com/tphakala/faceid/internal/artifacts"
	"github.com/tphakala/faceid/internal/errors"
)

var (
	// ErrNoFaceDetected means the detector found no face in the image.
	ErrNoFaceDetected = errors.NewStd("no face detected")
	// ErrMultipleFaces means the detector found more than one face.
	ErrMultipleFaces = errors.NewStd("multiple faces detected")
)

// Status is the outcome of one recognition call.
type Status string

const (
	StatusIdentified Status = "identified"
	StatusUnknown    Status = "unknown"
	StatusError      Status = "error"
)

// Error kinds reported in Result.Kind.
const (
	KindNotTrained    = "not_trained"
	KindCorrupt       = "corrupt_artifact"
	KindNoFace        = "no_face"
	KindMultipleFaces = "multiple_faces"
	KindDecode        = "decode"
	KindCancelled     = "cancelled"
	KindInternal      = "internal"
)

// Result is the answer to a recognition request. It is never nil and its
// Status is always one of identified, unknown or error.
type Result struct {
	Status       Status           `json:"status"`
	Label        string           `json:"label,omitempty"`
	PersonID     string           `json:"person_id,omitempty"`
	Confidence   float64          `json:"confidence"`
	Box          *image.Rectangle `json:"box,omitempty"`
	Faces        int              `json:"faces"`
	ModelVersion string           `json:"model_version,omitempty"`
	Kind         string           `json:"kind,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Err          error            `json:"-"`
}

// OK reports whether the call produced a prediction, known or unknown.
func (r *Result) OK() bool {
	return r.Status == StatusIdentified || r.Status == StatusUnknown
}

func errorResult(err error) Result {
	return Result{
		Status: StatusError,
		Kind:   kindOf(err),
		Reason: reasonOf(err),
		Err:    err,
	}
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, artifacts.ErrModelNotTrained):
		return KindNotTrained
	case errors.Is(err, artifacts.ErrCorruptArtifact):
		return KindCorrupt
	case errors.Is(err, ErrNoFaceDetected):
		return KindNoFace
	case errors.Is(err, ErrMultipleFaces):
		return KindMultipleFaces
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.IsCategory(err, errors.CategoryImageDecode), errors.IsCategory(err, errors.CategoryFileIO):
		return KindDecode
	default:
		return KindInternal
	}
}

// reasonOf returns a message suitable for showing to the person who sent
// the image.
func reasonOf(err error) string {
	switch kindOf(err) {
	case KindNotTrained:
		return "The model has not been trained yet"
	case KindCorrupt:
		return "The trained model is damaged, retrain it"
	case KindNoFace:
		return "No face detected in the image"
	case KindMultipleFaces:
		return "More than one face detected, use an image with a single face"
	case KindDecode:
		return "The image could not be read"
	case KindCancelled:
		return "Recognition was cancelled"
	default:
		return fmt.Sprintf("Recognition failed: %v", err)
	}
}
