package training

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/faceid/internal/artifacts"
)

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := NewStore()
	snap := s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.True(t, snap.Terminal())

	snap.Progress = 42
	assert.Zero(t, s.Snapshot().Progress)

	s.update(func(st *Status) { st.Progress = 10 })
	assert.Equal(t, 10, s.Snapshot().Progress)
}

func TestStore_UpdateIsAtomic(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 100 {
				s.update(func(st *Status) {
					st.CurrentEpoch++
					st.Progress = st.CurrentEpoch
				})
			}
		})
	}
	for range 4 {
		wg.Go(func() {
			for range 100 {
				st := s.Snapshot()
				assert.Equal(t, st.CurrentEpoch, st.Progress)
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 800, s.Snapshot().CurrentEpoch)
}

func TestStore_History(t *testing.T) {
	s := NewStore()
	_, ok := s.History()
	assert.False(t, ok)

	s.setHistory(artifacts.History{RunID: "r1", Accuracy: 0.9, Timestamp: time.Now()})
	h, ok := s.History()
	require.True(t, ok)
	assert.Equal(t, "r1", h.RunID)
}

func TestStore_SubscribeDeliversUpdates(t *testing.T) {
	s := NewStore()
	updates, cancel := s.Subscribe()

	s.update(func(st *Status) { st.State = StatePreparing; st.IsTraining = true })
	s.update(func(st *Status) { st.State = StateTraining })

	first := <-updates
	second := <-updates
	assert.Equal(t, StatePreparing, first.State)
	assert.Equal(t, StateTraining, second.State)

	cancel()
	cancel()
	_, open := <-updates
	assert.False(t, open)

	// updates after cancel must not panic on the closed channel
	s.update(func(st *Status) { st.State = StateIdle })
}

func TestStore_SlowListenerKeepsNewest(t *testing.T) {
	s := NewStore()
	updates, cancel := s.Subscribe()
	defer cancel()

	total := listenerBuffer * 3
	for i := 1; i <= total; i++ {
		s.update(func(st *Status) { st.Progress = i })
	}

	var got []int
	for range listenerBuffer {
		got = append(got, (<-updates).Progress)
	}
	assert.Equal(t, total, got[len(got)-1])
	assert.Equal(t, total-listenerBuffer+1, got[0])
	select {
	case st := <-updates:
		t.Fatalf("unexpected extra snapshot %d", st.Progress)
	default:
	}
}
