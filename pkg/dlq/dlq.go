// Package dlq routes messages the consumer could not process, after
// exhausting retries, to a dead-letter topic — either forwarding the
// original payload with diagnostic headers, or wrapping it in a JSON error
// envelope, per spec.md §4.9 and original_source/src/consumer/dlq.rs.
package dlq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
	"github.com/segmentio/kafka-go"
)

// Config parameterizes a Producer.
type Config struct {
	Topic string
	// AddMetadata adds dlq.* diagnostic headers to the routed message.
	AddMetadata bool
	Timeout     time.Duration
	// JSONPayload selects SendWithErrorPayload's envelope form as the
	// default Send behavior; callers may still call either method directly.
	JSONPayload bool
}

func DefaultConfig(topic string) Config {
	return Config{Topic: topic, AddMetadata: true, Timeout: 30 * time.Second}
}

// messageWriter is the subset of *kafka.Writer a Producer needs, narrowed so
// tests can substitute a fake transport without dialing a broker.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer forwards failed messages to a dead-letter topic.
type Producer struct {
	writer messageWriter
	cfg    Config
}

// NewProducer builds a Producer over an existing Kafka writer, already
// pointed at the DLQ topic by the caller (pkg/bus wires writer.Topic ==
// cfg.Topic).
func NewProducer(writer *kafka.Writer, cfg Config) *Producer {
	return newProducer(writer, cfg)
}

func newProducer(writer messageWriter, cfg Config) *Producer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig(cfg.Topic).Timeout
	}
	return &Producer{writer: writer, cfg: cfg}
}

// OriginalMessage is the minimal shape of a bus message the DLQ needs in
// order to reroute and annotate it, decoupling this package from pkg/bus's
// concrete reader type.
type OriginalMessage struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Key       []byte
	Value     []byte
	Headers   []kafka.Header
}

// Send forwards the original payload unchanged, with diagnostic headers
// attached if Config.AddMetadata is set.
func (p *Producer) Send(ctx context.Context, orig OriginalMessage, cause string, attempts int) error {
	msg := kafka.Message{Topic: p.cfg.Topic, Key: orig.Key, Value: orig.Value}
	if p.cfg.AddMetadata {
		msg.Headers = p.buildHeaders(orig, cause, attempts)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Error().Err(err).Str("topic", p.cfg.Topic).Msg("dlq: send failed")
		return fmt.Errorf("dlq: send failed: %w", err)
	}
	log.Debug().Str("topic", p.cfg.Topic).Int("attempts", attempts).Msg("dlq: message routed")
	return nil
}

// SendWithErrorPayload wraps the original message in a JSON envelope
// carrying the failure cause, attempt count, and original message metadata,
// rather than forwarding the raw payload.
func (p *Producer) SendWithErrorPayload(ctx context.Context, orig OriginalMessage, cause string, attempts int, metadata map[string]any) error {
	envelope := map[string]any{
		"error":     cause,
		"attempts":  attempts,
		"timestamp": time.Now().Unix(),
		"original": map[string]any{
			"topic":     orig.Topic,
			"partition": orig.Partition,
			"offset":    orig.Offset,
			"timestamp": orig.Timestamp.UnixMilli(),
		},
		"metadata":         metadata,
		"original_payload": string(orig.Value),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("dlq: envelope marshal failed: %w", err)
	}

	msg := kafka.Message{Topic: p.cfg.Topic, Key: orig.Key, Value: payload}
	if p.cfg.AddMetadata {
		msg.Headers = p.buildHeaders(orig, cause, attempts)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Error().Err(err).Str("topic", p.cfg.Topic).Msg("dlq: send with error payload failed")
		return fmt.Errorf("dlq: send failed: %w", err)
	}
	return nil
}

// SendAuto dispatches to Send or SendWithErrorPayload depending on
// Config.JSONPayload, giving callers a single entry point regardless of
// the configured envelope form.
func (p *Producer) SendAuto(ctx context.Context, orig OriginalMessage, cause string, attempts int) error {
	if p.cfg.JSONPayload {
		return p.SendWithErrorPayload(ctx, orig, cause, attempts, nil)
	}
	return p.Send(ctx, orig, cause, attempts)
}

func (p *Producer) buildHeaders(orig OriginalMessage, cause string, attempts int) []kafka.Header {
	headers := []kafka.Header{
		{Key: "dlq.original.topic", Value: []byte(orig.Topic)},
		{Key: "dlq.original.partition", Value: []byte(fmt.Sprintf("%d", orig.Partition))},
		{Key: "dlq.original.offset", Value: []byte(fmt.Sprintf("%d", orig.Offset))},
		{Key: "dlq.error.message", Value: []byte(cause)},
		{Key: "dlq.error.attempts", Value: []byte(fmt.Sprintf("%d", attempts))},
		{Key: "dlq.timestamp", Value: []byte(fmt.Sprintf("%d", time.Now().Unix()))},
	}
	for _, h := range orig.Headers {
		if strings.HasPrefix(h.Key, "dlq.") {
			continue
		}
		headers = append(headers, kafka.Header{Key: "dlq.original.header." + h.Key, Value: h.Value})
	}
	return headers
}
