package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/boogy/sigma-stream/pkg/bus"
	"github.com/boogy/sigma-stream/pkg/offset"
	"github.com/boogy/sigma-stream/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	ch      chan bus.Message
	paused  bool
	resumed int
}

func newFakeSource(buf int) *fakeSource { return &fakeSource{ch: make(chan bus.Message, buf)} }

func (f *fakeSource) Messages() <-chan bus.Message { return f.ch }
func (f *fakeSource) Pause()                       { f.paused = true }
func (f *fakeSource) Resume()                      { f.resumed++; f.paused = false }

type fakeCommitter struct {
	mu      sync.Mutex
	commits []map[offset.PartitionKey]int64
}

func (f *fakeCommitter) Commit(_ context.Context, offsets map[offset.PartitionKey]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[offset.PartitionKey]int64, len(offsets))
	for k, v := range offsets {
		cp[k] = v
	}
	f.commits = append(f.commits, cp)
	return nil
}

func fastRetryConfig() *retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 10 * time.Millisecond
	return cfg
}

func TestConsumer_SuccessMarksOffset(t *testing.T) {
	src := newFakeSource(4)
	tracker := offset.NewTracker(&fakeCommitter{}, offset.Policy{BatchSize: 1, Interval: time.Hour})

	var successes int32
	var mu sync.Mutex
	cfg := Config{NumWorkers: 1, BufferSize: 4, DlqAfterRetries: 3, ShutdownTimeout: time.Second, Retry: fastRetryConfig()}
	c := New(cfg, src, nil, nil, tracker, nil, func(ctx context.Context, msg bus.Message) error {
		mu.Lock()
		successes++
		mu.Unlock()
		return nil
	}, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	src.ch <- bus.Message{Topic: "events", Partition: 0, Offset: 1}
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), successes)

	hw := tracker.HighWatermarks()
	assert.Equal(t, int64(1), hw[offset.PartitionKey{Topic: "events", Partition: 0}])
	assert.Equal(t, int64(1), c.Stats().Succeeded)
}

func TestConsumer_FailureRoutesToDLQAfterRetries(t *testing.T) {
	src := newFakeSource(4)
	tracker := offset.NewTracker(&fakeCommitter{}, offset.Policy{BatchSize: 1, Interval: time.Hour})

	var failureAttempts int
	retryCfg := fastRetryConfig()
	retryCfg.MaxRetries = 3
	cfg := Config{NumWorkers: 1, BufferSize: 4, DlqAfterRetries: 3, ShutdownTimeout: time.Second, Retry: retryCfg}
	c := New(cfg, src, nil, nil, tracker, nil, func(ctx context.Context, msg bus.Message) error {
		return errors.New("boom")
	}, Hooks{
		OnFailure: func(msg bus.Message, attempts int, err error) {
			failureAttempts = attempts
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	src.ch <- bus.Message{Topic: "events", Partition: 0, Offset: 5}
	time.Sleep(100 * time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// attempts counts retries consumed, not total calls: MaxRetries=3 means
	// 4 total calls, all failing, so Attempts is 3 at exhaustion.
	assert.Equal(t, 3, failureAttempts)
	assert.Equal(t, int64(1), c.Stats().Failed)
	// dlqProd is nil in this test so routeToDLQ is a no-op, but offset is
	// still marked since attempts (3) >= DlqAfterRetries (3).
	hw := tracker.HighWatermarks()
	assert.Equal(t, int64(5), hw[offset.PartitionKey{Topic: "events", Partition: 0}])
}

func TestConsumer_MultiWorkerDistributesTasks(t *testing.T) {
	src := newFakeSource(16)
	tracker := offset.NewTracker(&fakeCommitter{}, offset.Policy{BatchSize: 1, Interval: time.Hour})

	var mu sync.Mutex
	seen := map[int64]bool{}
	cfg := Config{NumWorkers: 3, BufferSize: 8, DlqAfterRetries: 3, ShutdownTimeout: time.Second, Retry: fastRetryConfig()}
	c := New(cfg, src, nil, nil, tracker, nil, func(ctx context.Context, msg bus.Message) error {
		mu.Lock()
		seen[msg.Offset] = true
		mu.Unlock()
		return nil
	}, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for i := int64(0); i < 10; i++ {
		src.ch <- bus.Message{Topic: "events", Partition: 0, Offset: i}
	}
	time.Sleep(150 * time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 10)
}

func TestConsumer_BatchingModeGroupsTasks(t *testing.T) {
	src := newFakeSource(16)
	tracker := offset.NewTracker(&fakeCommitter{}, offset.Policy{BatchSize: 1, Interval: time.Hour})

	var mu sync.Mutex
	var batchSizes []int
	cfg := Config{NumWorkers: 1, BufferSize: 16, DlqAfterRetries: 3, ShutdownTimeout: time.Second, Retry: fastRetryConfig()}
	c := New(cfg, src, nil, nil, tracker, nil, nil, Hooks{}).WithBatching(4, 50*time.Millisecond,
		func(ctx context.Context, msgs []bus.Message) error {
			mu.Lock()
			batchSizes = append(batchSizes, len(msgs))
			mu.Unlock()
			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for i := int64(0); i < 9; i++ {
		src.ch <- bus.Message{Topic: "events", Partition: 0, Offset: i}
	}
	time.Sleep(200 * time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, n := range batchSizes {
		total += n
	}
	assert.Equal(t, 9, total)
	assert.GreaterOrEqual(t, len(batchSizes), 2) // two full batches of 4 plus a timeout-flushed remainder
}
