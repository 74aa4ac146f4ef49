package shutdown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_BeginAndComplete(t *testing.T) {
	s := New()
	assert.False(t, s.IsShuttingDown())
	assert.False(t, s.IsComplete())

	s.Begin()
	assert.True(t, s.IsShuttingDown())

	s.AddInflight()
	assert.True(t, s.HasInflight())
	assert.Equal(t, int64(1), s.InflightCount())

	s.RemoveInflight()
	assert.False(t, s.HasInflight())

	s.Complete()
	assert.True(t, s.IsComplete())

	elapsed, ok := s.Duration()
	assert.True(t, ok)
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))
}

func TestState_WaitForDrain_TimesOut(t *testing.T) {
	s := New()
	s.AddInflight()

	err := s.WaitForDrain(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.False(t, s.IsComplete())
}

func TestState_WaitForDrain_Succeeds(t *testing.T) {
	s := New()
	s.AddInflight()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		s.RemoveInflight()
	}()

	err := s.WaitForDrain(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, s.IsComplete())
	wg.Wait()
}

func TestCoordinator_Shutdown(t *testing.T) {
	state := New()
	coord := NewCoordinator(state, time.Second)
	state.AddInflight()

	done := make(chan error, 1)
	go func() { done <- coord.Shutdown(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	state.RemoveInflight()

	require.NoError(t, <-done)
	assert.True(t, state.IsComplete())
}

func TestCoordinator_Shutdown_TimesOut(t *testing.T) {
	state := New()
	coord := NewCoordinator(state, 50*time.Millisecond)
	state.AddInflight()

	err := coord.Shutdown(context.Background())
	require.Error(t, err)
}
