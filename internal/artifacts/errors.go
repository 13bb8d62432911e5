package artifacts

import (
	"fmt"

	"github.com/tphakala/faceid/internal/errors"
)

var (
	// ErrModelNotTrained means no model version has been published yet.
	ErrModelNotTrained = errors.NewStd("model not trained")
	// ErrCorruptArtifact means a published model cannot be used as stored.
	ErrCorruptArtifact = errors.NewStd("corrupt model artifact")
	// ErrPersistence means a model or its labels could not be written.
	ErrPersistence = errors.NewStd("model persistence failed")
)

// corrupt wraps err as ErrCorruptArtifact. kv holds alternating context
// keys and values.
func corrupt(err error, kv ...any) error {
	b := errors.New(fmt.Errorf("%w: %w", ErrCorruptArtifact, err)).
		Category(errors.CategoryArtifact)
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			b = b.Context(key, kv[i+1])
		}
	}
	return b.Build()
}

func persistence(err error, op, path string) error {
	return errors.New(fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)).
		Category(errors.CategoryPersistence).
		Context("operation", op).
		Context("path", path).
		Build()
}
