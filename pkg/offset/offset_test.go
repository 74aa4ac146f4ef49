package offset

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommitter struct {
	mu      sync.Mutex
	commits []map[PartitionKey]int64
	err     error
}

func (f *fakeCommitter) Commit(_ context.Context, offsets map[PartitionKey]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := make(map[PartitionKey]int64, len(offsets))
	for k, v := range offsets {
		cp[k] = v
	}
	f.commits = append(f.commits, cp)
	return nil
}

func TestTracker_MarkAdvancesContiguousPrefix(t *testing.T) {
	fc := &fakeCommitter{}
	tr := NewTracker(fc, DefaultPolicy())

	tr.Mark("events", 0, 0)
	tr.Mark("events", 0, 1)
	tr.Mark("events", 0, 3) // gap at 2

	hw := tr.HighWatermarks()
	assert.Equal(t, int64(1), hw[PartitionKey{Topic: "events", Partition: 0}])

	tr.Mark("events", 0, 2)
	hw = tr.HighWatermarks()
	assert.Equal(t, int64(3), hw[PartitionKey{Topic: "events", Partition: 0}])
}

func TestTracker_DlqRoutedOffsetStillMarked(t *testing.T) {
	fc := &fakeCommitter{}
	tr := NewTracker(fc, DefaultPolicy())

	tr.Mark("events", 0, 0)
	tr.Mark("events", 0, 1) // simulates a DLQ-routed message still being marked

	require.NoError(t, tr.Commit(context.Background()))
	require.Len(t, fc.commits, 1)
	assert.Equal(t, int64(1), fc.commits[0][PartitionKey{Topic: "events", Partition: 0}])
}

func TestTracker_ShouldCommit_BatchSize(t *testing.T) {
	fc := &fakeCommitter{}
	tr := NewTracker(fc, Policy{BatchSize: 2, Interval: time.Hour})

	assert.False(t, tr.ShouldCommit())
	tr.Mark("events", 0, 0)
	assert.False(t, tr.ShouldCommit())
	tr.Mark("events", 0, 1)
	assert.True(t, tr.ShouldCommit())
}

func TestTracker_CommitFailureDoesNotDropMarks(t *testing.T) {
	fc := &fakeCommitter{err: assert.AnError}
	tr := NewTracker(fc, DefaultPolicy())

	tr.Mark("events", 0, 0)
	err := tr.Commit(context.Background())
	require.Error(t, err)

	// high watermark survives the failed commit attempt for the next tick.
	hw := tr.HighWatermarks()
	assert.Equal(t, int64(0), hw[PartitionKey{Topic: "events", Partition: 0}])
}

func TestTracker_Run_FinalCommitOnCancel(t *testing.T) {
	fc := &fakeCommitter{}
	tr := NewTracker(fc, Policy{BatchSize: 1000, Interval: time.Hour})
	tr.Mark("events", 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, time.Second)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	require.Len(t, fc.commits, 1)
}
