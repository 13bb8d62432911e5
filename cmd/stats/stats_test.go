package stats

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/faceid/internal/faceid"
)

func TestWriteTrained(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, write(&buf, &faceid.Stats{
		Persons:      4,
		Images:       41,
		Trained:      true,
		ModelVersion: "v20260101T000000Z-abcdef01",
		Classes:      4,
		LastTrained:  time.Now(),
		Accuracy:     0.975,
	}))

	out := buf.String()
	assert.Contains(t, out, "41")
	assert.Contains(t, out, "v20260101T000000Z-abcdef01")
	assert.Contains(t, out, "97.5%")
}

func TestWriteUntrained(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, write(&buf, &faceid.Stats{Persons: 1, Images: 3}))

	out := buf.String()
	assert.Contains(t, out, "not trained")
	assert.NotContains(t, out, "Last trained")
}
