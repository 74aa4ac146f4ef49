// Package bus adapts the Kafka-family message bus to the streaming
// consumer: multi-topic ingress with manual commits, a DLQ egress writer,
// and application-level pause/resume driven by backpressure — per
// spec.md §6's "Bus (Kafka-family) ingress/egress" contract.
//
// Grounded on github.com/segmentio/kafka-go as used in
// Tangerg-lynx/core/broker/kafka.go, generalized from that single-partition
// DialLeader sketch into a GroupID-based multi-topic Reader/Writer pair.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boogy/sigma-stream/pkg/offset"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// allowedProperties is the closed set of client properties spec.md §6
// permits forwarding from user config to the bus driver. Config.Validate
// rejects anything outside this set before the consumer opens a
// connection.
var allowedProperties = map[string]struct{}{
	"compression":            {},
	"fetch.min.bytes":        {},
	"fetch.max.wait.ms":      {},
	"socket.timeout.ms":      {},
	"queue.buffering.max.ms": {},
	"max.poll.records":       {},
	"session.timeout.ms":     {},
	"heartbeat.interval.ms":  {},
}

// Config parameterizes ingress and egress.
type Config struct {
	Brokers []string
	Topics  []string
	GroupID string

	// AutoOffsetReset is "earliest" or "latest", applied only on a group's
	// first connect (no committed offset yet).
	AutoOffsetReset string

	// MinBytes/MaxBytes bound one fetch; zero values take kafka-go's
	// defaults.
	MinBytes int
	MaxBytes int

	// Properties is validated against allowedProperties; present for
	// forward-compatibility with driver tuning knobs not yet modeled as
	// first-class fields above.
	Properties map[string]string
}

// Validate rejects a Config with an unknown property key or an invalid
// AutoOffsetReset value.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("bus: no brokers configured")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("bus: no topics configured")
	}
	if c.AutoOffsetReset != "" && c.AutoOffsetReset != "earliest" && c.AutoOffsetReset != "latest" {
		return fmt.Errorf("bus: auto_offset_reset must be earliest or latest, got %q", c.AutoOffsetReset)
	}
	for key := range c.Properties {
		if _, ok := allowedProperties[key]; !ok {
			return fmt.Errorf("bus: property %q is not in the allow-list", key)
		}
	}
	return nil
}

func (c Config) startOffset() int64 {
	if c.AutoOffsetReset == "latest" {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}

// Message is one bus record, carrying everything the consumer/DLQ/offset
// layers need without depending on kafka-go's own type.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []kafka.Header
	Timestamp time.Time

	raw kafka.Message
}

// Ingress fans in one kafka.Reader per configured topic into a single
// channel, supporting manual commit and application-level pause/resume.
type Ingress struct {
	readers []*kafka.Reader
	out     chan Message

	paused atomic.Bool
	resume chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewIngress opens one reader per topic under a shared consumer group and
// starts fan-in goroutines feeding Messages().
func NewIngress(cfg Config) (*Ingress, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ing := &Ingress{
		out:    make(chan Message, 1000),
		resume: make(chan struct{}),
		cancel: cancel,
	}

	for _, topic := range cfg.Topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          topic,
			GroupID:        cfg.GroupID,
			MinBytes:       cfg.MinBytes,
			MaxBytes:       cfg.MaxBytes,
			StartOffset:    cfg.startOffset(),
			CommitInterval: 0, // manual commits only, per spec.md §6
		})
		ing.readers = append(ing.readers, reader)

		ing.wg.Add(1)
		go ing.pump(ctx, reader)
	}

	return ing, nil
}

func (i *Ingress) pump(ctx context.Context, reader *kafka.Reader) {
	defer i.wg.Done()
	for {
		if i.paused.Load() {
			select {
			case <-ctx.Done():
				return
			case <-i.resume:
			}
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("topic", reader.Config().Topic).Msg("bus: fetch failed, reconnecting")
			continue
		}

		out := Message{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
			Headers:   msg.Headers,
			Timestamp: msg.Time,
			raw:       msg,
		}

		select {
		case i.out <- out:
		case <-ctx.Done():
			return
		}
	}
}

// Messages returns the fanned-in channel of incoming bus records.
func (i *Ingress) Messages() <-chan Message { return i.out }

// Pause stops all readers from fetching new messages; in-flight fetches
// complete but pump goroutines block until Resume. Driven by the
// backpressure controller's ShouldPause.
func (i *Ingress) Pause() {
	if i.paused.CompareAndSwap(false, true) {
		log.Warn().Msg("bus: ingress paused")
	}
}

// Resume un-gates all paused pump goroutines. Driven by ShouldResume.
func (i *Ingress) Resume() {
	if i.paused.CompareAndSwap(true, false) {
		close(i.resume)
		i.resume = make(chan struct{})
		log.Info().Msg("bus: ingress resumed")
	}
}

func (i *Ingress) IsPaused() bool { return i.paused.Load() }

// Commit commits the given message's offset on the reader that owns its
// topic, implementing offset.Committer for a single-message granularity;
// pkg/offset's Tracker batches marks and calls this once per partition.
func (i *Ingress) Commit(ctx context.Context, msg Message) error {
	for _, r := range i.readers {
		if r.Config().Topic == msg.Topic {
			return r.CommitMessages(ctx, msg.raw)
		}
	}
	return fmt.Errorf("bus: no reader for topic %q", msg.Topic)
}

// OffsetCommitter adapts Ingress to offset.Committer: pkg/offset's Tracker
// batches marks into per-partition high-watermarks and calls Commit once
// per tick, rather than once per message.
type OffsetCommitter struct {
	ing *Ingress
}

func NewOffsetCommitter(ing *Ingress) *OffsetCommitter { return &OffsetCommitter{ing: ing} }

func (c *OffsetCommitter) Commit(ctx context.Context, offsets map[offset.PartitionKey]int64) error {
	byTopic := make(map[string][]kafka.Message)
	for key, off := range offsets {
		byTopic[key.Topic] = append(byTopic[key.Topic], kafka.Message{
			Topic:     key.Topic,
			Partition: key.Partition,
			Offset:    off,
		})
	}

	for _, reader := range c.ing.readers {
		msgs, ok := byTopic[reader.Config().Topic]
		if !ok {
			continue
		}
		if err := reader.CommitMessages(ctx, msgs...); err != nil {
			return fmt.Errorf("bus: commit failed for topic %q: %w", reader.Config().Topic, err)
		}
	}
	return nil
}

// Close stops all pumps and closes every reader.
func (i *Ingress) Close() error {
	i.cancel()
	i.wg.Wait()
	var firstErr error
	for _, r := range i.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	close(i.out)
	return firstErr
}

// Egress is a thin Writer wrapper used by pkg/dlq (and available for any
// other produce-side need, e.g. replaying enriched events).
type Egress struct {
	writer *kafka.Writer
}

func NewEgress(brokers []string, topic string) *Egress {
	return &Egress{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}}
}

func (e *Egress) Writer() *kafka.Writer { return e.writer }

func (e *Egress) Close() error { return e.writer.Close() }
