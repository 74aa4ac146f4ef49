// Package metrics publishes detection-engine counters to CloudWatch using
// the teacher's (pkg/metrics/cloudwatch.go) buffered EMF-style publisher:
// the batching, background flusher, and dimension-building machinery are
// kept verbatim in spirit, but the metric vocabulary is the streaming
// engine's own (events consumed, rule matches, aggregation triggers,
// backpressure utilization, retry/DLQ outcomes, offset commits) rather than
// the teacher's CloudTrail/Lambda-file-processing metrics.
package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/rs/zerolog/log"
)

// CloudWatchMetrics collects and publishes metrics to CloudWatch.
type CloudWatchMetrics struct {
	client    *cloudwatch.Client
	namespace string

	mu      sync.Mutex
	metrics []types.MetricDatum

	batchSize     int
	flushInterval time.Duration
	enabled       bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCloudWatchMetrics creates a new CloudWatch metrics collector.
func NewCloudWatchMetrics(client *cloudwatch.Client, namespace string) *CloudWatchMetrics {
	enabled := os.Getenv("METRICS_ENABLED") != "false" // default to enabled

	cwm := &CloudWatchMetrics{
		client:        client,
		namespace:     namespace,
		metrics:       make([]types.MetricDatum, 0, 20),
		batchSize:     20, // CloudWatch max is 20 metrics per request
		flushInterval: 10 * time.Second,
		enabled:       enabled,
		stopCh:        make(chan struct{}),
	}

	if enabled {
		cwm.startBackgroundFlusher()
	}

	return cwm
}

func (cwm *CloudWatchMetrics) startBackgroundFlusher() {
	cwm.wg.Add(1)
	go func() {
		defer cwm.wg.Done()
		ticker := time.NewTicker(cwm.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := cwm.Flush(context.Background()); err != nil {
					log.Error().Err(err).Msg("metrics: failed to flush")
				}
			case <-cwm.stopCh:
				return
			}
		}
	}()
}

// Stop stops the background flusher and flushes remaining metrics.
func (cwm *CloudWatchMetrics) Stop(ctx context.Context) error {
	if !cwm.enabled {
		return nil
	}
	close(cwm.stopCh)
	cwm.wg.Wait()
	return cwm.Flush(ctx)
}

// RecordEvaluationTime records the wall-clock time spent evaluating one
// event against the rule set (spec §4.5 Evaluate's total_elapsed).
func (cwm *CloudWatchMetrics) RecordEvaluationTime(duration time.Duration, dims map[string]string) {
	if !cwm.enabled {
		return
	}
	cwm.addMetric(types.MetricDatum{
		MetricName: aws.String("RuleEvaluationTime"),
		Value:      aws.Float64(duration.Seconds()),
		Unit:       types.StandardUnitSeconds,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: cwm.buildDimensions(dims),
	})
}

// RecordEventsConsumed records the number of bus messages read by the
// consumer's ingest task (spec §4.10 step 1's "consumed" counter).
func (cwm *CloudWatchMetrics) RecordEventsConsumed(count int, dims map[string]string) {
	if !cwm.enabled {
		return
	}
	cwm.addMetric(types.MetricDatum{
		MetricName: aws.String("EventsConsumed"),
		Value:      aws.Float64(float64(count)),
		Unit:       types.StandardUnitCount,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: cwm.buildDimensions(dims),
	})
}

// RecordRuleMatches records the number of rules that matched one event.
func (cwm *CloudWatchMetrics) RecordRuleMatches(count int, dims map[string]string) {
	if !cwm.enabled {
		return
	}
	cwm.addMetric(types.MetricDatum{
		MetricName: aws.String("RuleMatches"),
		Value:      aws.Float64(float64(count)),
		Unit:       types.StandardUnitCount,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: cwm.buildDimensions(dims),
	})
}

// RecordMatchRate records the fraction of evaluated events that produced at
// least one rule match.
func (cwm *CloudWatchMetrics) RecordMatchRate(rate float64, dims map[string]string) {
	if !cwm.enabled {
		return
	}
	cwm.addMetric(types.MetricDatum{
		MetricName: aws.String("MatchRate"),
		Value:      aws.Float64(rate * 100),
		Unit:       types.StandardUnitPercent,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: cwm.buildDimensions(dims),
	})
}

// RecordError records an error occurrence, tagged by the ErrorKind per
// spec.md §7 (ConfigError, ParseError, ProcessingError, ...).
func (cwm *CloudWatchMetrics) RecordError(errorType string, dims map[string]string) {
	if !cwm.enabled {
		return
	}
	d := cwm.buildDimensions(dims)
	d = append(d, types.Dimension{Name: aws.String("ErrorType"), Value: aws.String(errorType)})
	cwm.addMetric(types.MetricDatum{
		MetricName: aws.String("Errors"),
		Value:      aws.Float64(1),
		Unit:       types.StandardUnitCount,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: d,
	})
}

// RecordEventSize records the size in bytes of a decoded bus message,
// feeding the same distribution the backpressure controller's EMA tracks.
func (cwm *CloudWatchMetrics) RecordEventSize(sizeBytes int64, dims map[string]string) {
	if !cwm.enabled {
		return
	}
	cwm.addMetric(types.MetricDatum{
		MetricName: aws.String("EventSize"),
		Value:      aws.Float64(float64(sizeBytes)),
		Unit:       types.StandardUnitBytes,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: cwm.buildDimensions(dims),
	})
}

// RecordBackpressureUtilization records the controller's current in-flight
// utilization ratio (spec §4.7's pause/resume threshold input).
func (cwm *CloudWatchMetrics) RecordBackpressureUtilization(ratio float64, dims map[string]string) {
	if !cwm.enabled {
		return
	}
	cwm.addMetric(types.MetricDatum{
		MetricName: aws.String("BackpressureUtilization"),
		Value:      aws.Float64(ratio * 100),
		Unit:       types.StandardUnitPercent,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: cwm.buildDimensions(dims),
	})
}

// RecordAggregationTrigger records one windowed-aggregation evaluation that
// crossed its threshold (spec §4.6).
func (cwm *CloudWatchMetrics) RecordAggregationTrigger(groupKey string, dims map[string]string) {
	if !cwm.enabled {
		return
	}
	d := cwm.buildDimensions(dims)
	d = append(d, types.Dimension{Name: aws.String("GroupKey"), Value: aws.String(groupKey)})
	cwm.addMetric(types.MetricDatum{
		MetricName: aws.String("AggregationTriggers"),
		Value:      aws.Float64(1),
		Unit:       types.StandardUnitCount,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: d,
	})
}

// RecordRuleSetLoadTime records how long it took to load and compile a rule
// set from a given source (local/s3/ssm/secretsmanager).
func (cwm *CloudWatchMetrics) RecordRuleSetLoadTime(duration time.Duration, source string, dims map[string]string) {
	if !cwm.enabled {
		return
	}
	d := cwm.buildDimensions(dims)
	d = append(d, types.Dimension{Name: aws.String("RuleSource"), Value: aws.String(source)})
	cwm.addMetric(types.MetricDatum{
		MetricName: aws.String("RuleSetLoadTime"),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       types.StandardUnitMilliseconds,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: d,
	})
}

// RecordRetryAttempt records one retry executor attempt (spec §4.8), tagged
// by whether it was the terminal (exhausted) attempt.
func (cwm *CloudWatchMetrics) RecordRetryAttempt(attempt int, exhausted bool, dims map[string]string) {
	if !cwm.enabled {
		return
	}
	d := cwm.buildDimensions(dims)
	d = append(d, types.Dimension{Name: aws.String("Exhausted"), Value: aws.String(fmt.Sprintf("%t", exhausted))})
	cwm.addMetric(types.MetricDatum{
		MetricName: aws.String("RetryAttempts"),
		Value:      aws.Float64(float64(attempt)),
		Unit:       types.StandardUnitCount,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: d,
	})
}

// RecordDLQOperation records a dead-letter send, its latency, and whether
// it succeeded (spec §4.8's "DLQ send has its own ... metric").
func (cwm *CloudWatchMetrics) RecordDLQOperation(duration time.Duration, success bool, dims map[string]string) {
	if !cwm.enabled {
		return
	}
	d := cwm.buildDimensions(dims)

	cwm.addMetric(types.MetricDatum{
		MetricName: aws.String("DLQSendDuration"),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       types.StandardUnitMilliseconds,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: d,
	})

	if !success {
		cwm.addMetric(types.MetricDatum{
			MetricName: aws.String("DLQSendErrors"),
			Value:      aws.Float64(1),
			Unit:       types.StandardUnitCount,
			Timestamp:  aws.Time(time.Now()),
			Dimensions: d,
		})
	}
}

// RecordOffsetCommit records one offset-tracker commit attempt (spec §4.9).
func (cwm *CloudWatchMetrics) RecordOffsetCommit(duration time.Duration, success bool, dims map[string]string) {
	if !cwm.enabled {
		return
	}
	d := cwm.buildDimensions(dims)

	cwm.addMetric(types.MetricDatum{
		MetricName: aws.String("OffsetCommitDuration"),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       types.StandardUnitMilliseconds,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: d,
	})

	if !success {
		cwm.addMetric(types.MetricDatum{
			MetricName: aws.String("OffsetCommitErrors"),
			Value:      aws.Float64(1),
			Unit:       types.StandardUnitCount,
			Timestamp:  aws.Time(time.Now()),
			Dimensions: d,
		})
	}
}

// buildDimensions builds CloudWatch dimensions from a map, prefixed with
// the process's AWS region when known.
func (cwm *CloudWatchMetrics) buildDimensions(dimensions map[string]string) []types.Dimension {
	dims := make([]types.Dimension, 0, len(dimensions)+1)

	if region := os.Getenv("AWS_REGION"); region != "" {
		dims = append(dims, types.Dimension{Name: aws.String("Region"), Value: aws.String(region)})
	}

	for name, value := range dimensions {
		dims = append(dims, types.Dimension{Name: aws.String(name), Value: aws.String(value)})
	}

	return dims
}

func (cwm *CloudWatchMetrics) addMetric(metric types.MetricDatum) {
	cwm.mu.Lock()
	defer cwm.mu.Unlock()

	cwm.metrics = append(cwm.metrics, metric)

	if len(cwm.metrics) >= cwm.batchSize {
		go func() {
			if err := cwm.Flush(context.Background()); err != nil {
				log.Error().Err(err).Msg("metrics: failed to auto-flush")
			}
		}()
	}
}

// Flush sends all buffered metrics to CloudWatch.
func (cwm *CloudWatchMetrics) Flush(ctx context.Context) error {
	if !cwm.enabled {
		return nil
	}

	cwm.mu.Lock()
	if len(cwm.metrics) == 0 {
		cwm.mu.Unlock()
		return nil
	}

	metricsToSend := make([]types.MetricDatum, len(cwm.metrics))
	copy(metricsToSend, cwm.metrics)
	cwm.metrics = cwm.metrics[:0]
	cwm.mu.Unlock()

	for i := 0; i < len(metricsToSend); i += cwm.batchSize {
		end := i + cwm.batchSize
		if end > len(metricsToSend) {
			end = len(metricsToSend)
		}
		batch := metricsToSend[i:end]

		_, err := cwm.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(cwm.namespace),
			MetricData: batch,
		})
		if err != nil {
			return fmt.Errorf("metrics: put metric data: %w", err)
		}
	}

	log.Debug().Int("count", len(metricsToSend)).Msg("metrics: flushed to CloudWatch")
	return nil
}

// Registry is a lightweight, synchronous in-memory counter set the
// consumer/ruleset/aggregation/backpressure packages update inline, backing
// the HTTP `GET /metrics` snapshot (spec §6) without waiting on CloudWatch's
// batched, asynchronous publish path.
type Registry struct {
	mu sync.Mutex

	EventsConsumed   int64
	EventsSucceeded  int64
	EventsFailed     int64
	RuleMatches      int64
	RulesEvaluated   int64
	DLQRouted        int64
	RetryAttempts    int64
	OffsetCommits    int64
	AggregationHits  int64
	BackpressureWait int64
}

// NewRegistry constructs an empty counter registry.
func NewRegistry() *Registry { return &Registry{} }

// Snapshot is the JSON-serializable point-in-time view of Registry.
type Snapshot struct {
	EventsConsumed   int64 `json:"events_consumed"`
	EventsSucceeded  int64 `json:"events_succeeded"`
	EventsFailed     int64 `json:"events_failed"`
	RuleMatches      int64 `json:"rule_matches"`
	RulesEvaluated   int64 `json:"rules_evaluated"`
	DLQRouted        int64 `json:"dlq_routed"`
	RetryAttempts    int64 `json:"retry_attempts"`
	OffsetCommits    int64 `json:"offset_commits"`
	AggregationHits  int64 `json:"aggregation_hits"`
	BackpressureWait int64 `json:"backpressure_wait_total"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		EventsConsumed:   r.EventsConsumed,
		EventsSucceeded:  r.EventsSucceeded,
		EventsFailed:     r.EventsFailed,
		RuleMatches:      r.RuleMatches,
		RulesEvaluated:   r.RulesEvaluated,
		DLQRouted:        r.DLQRouted,
		RetryAttempts:    r.RetryAttempts,
		OffsetCommits:    r.OffsetCommits,
		AggregationHits:  r.AggregationHits,
		BackpressureWait: r.BackpressureWait,
	}
}

func (r *Registry) AddEventsConsumed(n int64) {
	r.mu.Lock()
	r.EventsConsumed += n
	r.mu.Unlock()
}

func (r *Registry) AddEventsSucceeded(n int64) {
	r.mu.Lock()
	r.EventsSucceeded += n
	r.mu.Unlock()
}

func (r *Registry) AddEventsFailed(n int64) {
	r.mu.Lock()
	r.EventsFailed += n
	r.mu.Unlock()
}

func (r *Registry) AddRuleMatches(n int64) {
	r.mu.Lock()
	r.RuleMatches += n
	r.mu.Unlock()
}

func (r *Registry) AddRulesEvaluated(n int64) {
	r.mu.Lock()
	r.RulesEvaluated += n
	r.mu.Unlock()
}

func (r *Registry) AddDLQRouted(n int64) {
	r.mu.Lock()
	r.DLQRouted += n
	r.mu.Unlock()
}

func (r *Registry) AddRetryAttempts(n int64) {
	r.mu.Lock()
	r.RetryAttempts += n
	r.mu.Unlock()
}

func (r *Registry) AddOffsetCommits(n int64) {
	r.mu.Lock()
	r.OffsetCommits += n
	r.mu.Unlock()
}

func (r *Registry) AddAggregationHits(n int64) {
	r.mu.Lock()
	r.AggregationHits += n
	r.mu.Unlock()
}

func (r *Registry) AddBackpressureWait(n int64) {
	r.mu.Lock()
	r.BackpressureWait += n
	r.mu.Unlock()
}

// Collector is the narrow interface the ruleset/consumer layers record
// through, so they don't need to depend on *Registry or *CloudWatchMetrics
// directly; a no-op implementation is trivial for tests.
type Collector interface {
	RecordConsumed(count int)
	RecordMatched(count int)
	RecordError(err error)
}

// SimpleCollector fans a Collector call out to both the CloudWatch
// publisher (for dashboards) and the Registry (for the HTTP snapshot).
type SimpleCollector struct {
	cwm        *CloudWatchMetrics
	registry   *Registry
	dimensions map[string]string
}

// NewSimpleCollector builds a Collector over an optional CloudWatch
// publisher and/or registry; either may be nil.
func NewSimpleCollector(cwm *CloudWatchMetrics, registry *Registry, dimensions map[string]string) *SimpleCollector {
	return &SimpleCollector{cwm: cwm, registry: registry, dimensions: dimensions}
}

func (s *SimpleCollector) RecordConsumed(count int) {
	if s.registry != nil {
		s.registry.AddEventsConsumed(int64(count))
	}
	if s.cwm != nil {
		s.cwm.RecordEventsConsumed(count, s.dimensions)
	}
}

func (s *SimpleCollector) RecordMatched(count int) {
	if s.registry != nil {
		s.registry.AddRuleMatches(int64(count))
	}
	if s.cwm != nil {
		s.cwm.RecordRuleMatches(count, s.dimensions)
	}
}

func (s *SimpleCollector) RecordError(err error) {
	errorType := "Unknown"
	if err != nil {
		errorType = fmt.Sprintf("%T", err)
	}
	if s.registry != nil {
		s.registry.AddEventsFailed(1)
	}
	if s.cwm != nil {
		s.cwm.RecordError(errorType, s.dimensions)
	}
}
