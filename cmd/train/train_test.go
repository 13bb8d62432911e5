package train

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/faceid/internal/training"
)

func TestFollowIgnoresOtherRuns(t *testing.T) {
	t.Parallel()

	updates := make(chan training.Status, 4)
	updates <- training.Status{State: training.StateIdle, RunID: "old"}
	updates <- training.Status{State: training.StateTraining, IsTraining: true, RunID: "run", CurrentEpoch: 1, TotalEpochs: 2}
	updates <- training.Status{State: training.StateIdle, RunID: "run", Progress: 100}

	st, err := follow(context.Background(), updates, "run")
	require.NoError(t, err)
	assert.Equal(t, 100, st.Progress)
}

func TestFollowReturnsFailure(t *testing.T) {
	t.Parallel()

	updates := make(chan training.Status, 1)
	updates <- training.Status{State: training.StateFailed, RunID: "run", Error: "boom"}

	st, err := follow(context.Background(), updates, "run")
	require.NoError(t, err)
	assert.Equal(t, training.StateFailed, st.State)
}

func TestFollowStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := follow(ctx, make(chan training.Status), "run")
	require.ErrorIs(t, err, context.Canceled)
}

func TestFollowClosedStream(t *testing.T) {
	t.Parallel()

	updates := make(chan training.Status)
	close(updates)

	_, err := follow(context.Background(), updates, "run")
	require.Error(t, err)
}
