// Command sigma-stream runs the real-time Sigma detection engine: it loads
// a rule set, consumes events off a Kafka-family bus under bounded
// concurrency, evaluates each one against the rule set, and serves an
// optional HTTP surface for health, metrics, rule listing, and ad-hoc
// evaluation. Grounded in style on the teacher's cmd/main.go (zerolog
// bootstrap, env-driven config, AWS client bundle) adapted from a
// single-invocation Lambda handler into a long-running worker pool, per
// original_source/src/main.rs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	myaws "github.com/boogy/sigma-stream/pkg/aws"
	"github.com/boogy/sigma-stream/pkg/backpressure"
	"github.com/boogy/sigma-stream/pkg/bus"
	"github.com/boogy/sigma-stream/pkg/config"
	"github.com/boogy/sigma-stream/pkg/consumer"
	"github.com/boogy/sigma-stream/pkg/dlq"
	"github.com/boogy/sigma-stream/pkg/event"
	"github.com/boogy/sigma-stream/pkg/flags"
	"github.com/boogy/sigma-stream/pkg/httpapi"
	"github.com/boogy/sigma-stream/pkg/metrics"
	"github.com/boogy/sigma-stream/pkg/offset"
	"github.com/boogy/sigma-stream/pkg/retry"
	"github.com/boogy/sigma-stream/pkg/ruleset"
	"github.com/boogy/sigma-stream/pkg/shutdown"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	initializeLogger()

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Str("go_version", runtime.Version()).
		Msg("sigma-stream starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("sigma-stream: fatal error")
	}
}

func initializeLogger() {
	logLevel, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.TimestampFunc = func() time.Time { return time.Now().In(time.UTC) }
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runtimeFromEnv() flags.Runtime {
	return flags.Runtime{
		RuleSource:   getEnv("RULES_SOURCE", "local"),
		RuleLocation: getEnv("RULES_DIR", "./rules"),
		HTTPAddr:     getEnv("HTTP_ADDR", ""),
		APIKey:       getEnv("SIGMA_API_KEY", ""),
	}
}

func run(ctx context.Context) error {
	rt := runtimeFromEnv()
	ctx = rt.Inject(ctx)

	awscfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(os.Getenv("AWS_REGION")),
		awsconfig.WithRetryMode(aws.RetryModeAdaptive),
		awsconfig.WithRetryMaxAttempts(3),
	)
	if err != nil {
		return fmt.Errorf("sigma-stream: load AWS configuration: %w", err)
	}
	clients := myaws.New(&awscfg)

	failOnRuleError := getEnv("RULES_FAIL_ON_ERROR", "false") == "true"
	loader := config.FromEnv(&awscfg, failOnRuleError)
	log.Info().Str("loader", loader.String()).Msg("sigma-stream: loading rule set")

	rs, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("sigma-stream: load rule set: %w", err)
	}
	live := ruleset.NewConcurrent(rs)
	log.Info().Int("rules", live.Len()).Msg("sigma-stream: rule set ready")

	var cwMetrics *metrics.CloudWatchMetrics
	registry := metrics.NewRegistry()
	if getEnv("METRICS_ENABLED", "true") == "true" {
		cwMetrics = metrics.NewCloudWatchMetrics(clients.CloudWatch, getEnv("METRICS_NAMESPACE", "SigmaStream"))
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cwMetrics.Stop(flushCtx); err != nil {
				log.Warn().Err(err).Msg("sigma-stream: metrics flush on shutdown failed")
			}
		}()
	}
	collector := metrics.NewSimpleCollector(cwMetrics, registry, map[string]string{"Environment": getEnv("ENVIRONMENT", "dev")})

	busCfg := bus.Config{
		Brokers:         splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		Topics:          splitCSV(getEnv("KAFKA_TOPICS", "events")),
		GroupID:         getEnv("KAFKA_GROUP_ID", "sigma-stream"),
		AutoOffsetReset: getEnv("KAFKA_AUTO_OFFSET_RESET", "latest"),
		MinBytes:        atoiOr(getEnv("KAFKA_MIN_BYTES", ""), 1),
		MaxBytes:        atoiOr(getEnv("KAFKA_MAX_BYTES", ""), 10<<20),
	}
	ingress, err := bus.NewIngress(busCfg)
	if err != nil {
		return fmt.Errorf("sigma-stream: open bus ingress: %w", err)
	}
	defer ingress.Close()

	dlqTopic := getEnv("KAFKA_DLQ_TOPIC", "events-dlq")
	dlqEgress := bus.NewEgress(busCfg.Brokers, dlqTopic)
	defer dlqEgress.Close()
	dlqCfg := dlq.DefaultConfig(dlqTopic)
	dlqCfg.JSONPayload = getEnv("DLQ_JSON_ENVELOPE", "false") == "true"
	dlqProd := dlq.NewProducer(dlqEgress.Writer(), dlqCfg)

	offsetPolicy := offset.DefaultPolicy()
	offsetTracker := offset.NewTracker(bus.NewOffsetCommitter(ingress), offsetPolicy)

	bpCfg := backpressure.DefaultConfig()
	bpCfg.MaxInflight = atoiOr(getEnv("MAX_INFLIGHT", ""), bpCfg.MaxInflight)
	bp := backpressure.NewController(bpCfg)
	defer bp.Shutdown()

	shutdownState := shutdown.New()

	consumerCfg := consumer.DefaultConfig()
	consumerCfg.NumWorkers = atoiOr(getEnv("NUM_WORKERS", ""), consumerCfg.NumWorkers)
	retryCfg := retry.DefaultConfig()
	consumerCfg.Retry = retryCfg

	hooks := consumer.Hooks{
		OnSuccess: func(msg bus.Message, attempts int) { collector.RecordConsumed(1) },
		OnFailure: func(msg bus.Message, attempts int, err error) { collector.RecordError(err) },
	}

	proc := buildProcessor(live, collector)

	c := consumer.New(consumerCfg, ingress, bp, dlqProd, offsetTracker, shutdownState, proc, hooks)

	var httpSrv *httpapi.Server
	if rt.HTTPAddr != "" {
		httpSrv = httpapi.New(rt.HTTPAddr, rt.APIKey, httpRuleSource{live}, registry)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- c.Run(ctx) }()
	if httpSrv != nil {
		go func() { errCh <- httpSrv.Run(ctx) }()
	}

	<-ctx.Done()
	log.Info().Msg("sigma-stream: shutdown signal received, draining")

	var firstErr error
	waitFor := 1
	if httpSrv != nil {
		waitFor = 2
	}
	for i := 0; i < waitFor; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// httpRuleSource adapts *ruleset.Concurrent to httpapi.RuleSource.
type httpRuleSource struct {
	live *ruleset.Concurrent
}

func (h httpRuleSource) Evaluate(evt *event.Event) ruleset.Result { return h.live.Evaluate(evt) }
func (h httpRuleSource) List() []ruleset.Summary                  { return h.live.List() }
func (h httpRuleSource) Len() int                                 { return h.live.Len() }

// buildProcessor returns the consumer.Processor that parses a bus message
// into an event, evaluates it against the live rule set, and records
// per-message metrics, per spec.md §4.10's "apply matching logic" step.
func buildProcessor(live *ruleset.Concurrent, collector *metrics.SimpleCollector) consumer.Processor {
	return func(ctx context.Context, msg bus.Message) error {
		evt, err := event.Parse(msg.Value)
		if err != nil {
			return fmt.Errorf("sigma-stream: parse event: %w", err)
		}

		result := live.Evaluate(evt)
		matched := 0
		for _, m := range result.Matches {
			if m.Matched {
				matched++
				log.Info().
					Str("rule_id", m.RuleID).
					Str("rule_title", m.RuleTitle).
					Str("topic", msg.Topic).
					Int("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Msg("sigma-stream: rule matched")
			}
		}
		if matched > 0 {
			collector.RecordMatched(matched)
		}
		return nil
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
