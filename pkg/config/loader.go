// Package config loads a Sigma rule set from one of several backends —
// local directory, S3 prefix, SSM Parameter Store, or Secrets Manager — into
// a *ruleset.RuleSet, mirroring the teacher's pkg/config ConfigLoader family
// but feeding pkg/rule's compiler instead of a CloudTrail filter config.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/boogy/sigma-stream/pkg/rule"
	"github.com/boogy/sigma-stream/pkg/ruleset"
)

// RuleSetLoader defines the interface for loading a compiled rule set from
// some backend. Each backend's failOnError behavior mirrors
// ruleset.LoadDirectory: accumulate-and-skip unless fail-fast is requested.
type RuleSetLoader interface {
	Load(ctx context.Context) (*ruleset.RuleSet, error)
	String() string // for logging
}

// S3API is the subset of s3.Client used to fetch rule documents.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// SSMAPI is the subset of ssm.Client used to fetch a parameter-backed rule bundle.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretsManagerAPI is the subset of secretsmanager.Client used to fetch a
// secret-backed rule bundle.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// loadBundleInto parses a (possibly multi-document, "---"-separated) YAML
// blob of Sigma rules and adds each to rs. Per-document failures are logged
// and skipped unless failOnError is set.
func loadBundleInto(ctx context.Context, rs *ruleset.RuleSet, blob string, failOnError bool, source string) error {
	docs := splitYAMLDocuments(blob)
	if len(docs) == 0 {
		return fmt.Errorf("config: %s contains no rule documents", source)
	}
	for i, doc := range docs {
		if strings.TrimSpace(doc) == "" {
			continue
		}
		r, err := rule.FromYAML([]byte(doc))
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("source", source).Int("document", i).Msg("config: failed to parse rule document")
			if failOnError {
				return fmt.Errorf("config: parse document %d of %s: %w", i, source, err)
			}
			continue
		}
		if err := rs.AddRule(ctx, r, fmt.Sprintf("%s#%d", source, i)); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("source", source).Int("document", i).Msg("config: failed to compile rule document")
			if failOnError {
				return fmt.Errorf("config: compile document %d of %s: %w", i, source, err)
			}
			continue
		}
	}
	return nil
}

// loadBundle is loadBundleInto against a fresh RuleSet, for single-blob
// backends (SSM, Secrets Manager) that never merge multiple sources.
func loadBundle(ctx context.Context, blob string, failOnError bool, source string) (*ruleset.RuleSet, error) {
	rs := ruleset.New()
	if err := loadBundleInto(ctx, rs, blob, failOnError, source); err != nil {
		return nil, err
	}
	if rs.IsEmpty() {
		return nil, fmt.Errorf("config: %s yielded zero usable rules", source)
	}
	return rs, nil
}

// splitYAMLDocuments splits a blob on "---" document separators, tolerating
// a leading separator (no empty first element is ever produced for that
// case) the way gopkg.in/yaml.v2 decoders expect multi-document streams.
func splitYAMLDocuments(blob string) []string {
	parts := strings.Split(blob, "\n---")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimPrefix(p, "---")
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// S3RuleSetLoader loads every *.yml/*.yaml object under a bucket/prefix
// ("rule directory" in object-storage form) and compiles them together.
type S3RuleSetLoader struct {
	bucket      string
	prefix      string
	client      S3API
	failOnError bool
}

func NewS3RuleSetLoader(bucket, prefix string, client S3API, failOnError bool) *S3RuleSetLoader {
	return &S3RuleSetLoader{bucket: bucket, prefix: prefix, client: client, failOnError: failOnError}
}

func (l *S3RuleSetLoader) Load(ctx context.Context) (*ruleset.RuleSet, error) {
	log.Ctx(ctx).Debug().Str("bucket", l.bucket).Str("prefix", l.prefix).Msg("config: loading rule set from S3")

	var keys []string
	var continuationToken *string
	for {
		resp, err := l.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(l.bucket),
			Prefix:            aws.String(l.prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("config: list S3 rule objects: %w", err)
		}
		for _, obj := range resp.Contents {
			if obj.Key == nil {
				continue
			}
			lower := strings.ToLower(*obj.Key)
			if strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml") {
				keys = append(keys, *obj.Key)
			}
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		continuationToken = resp.NextContinuationToken
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("config: no rule objects found under s3://%s/%s", l.bucket, l.prefix)
	}

	rs := ruleset.New()
	for _, key := range keys {
		resp, err := l.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(l.bucket), Key: aws.String(key)})
		if err != nil {
			return nil, fmt.Errorf("config: get S3 object %s: %w", key, err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("config: read S3 object %s: %w", key, err)
		}
		if err := loadBundleInto(ctx, rs, string(data), l.failOnError, key); err != nil {
			if l.failOnError {
				return nil, err
			}
			log.Ctx(ctx).Error().Err(err).Str("key", key).Msg("config: skipping unusable S3 rule object")
			continue
		}
	}
	if rs.IsEmpty() {
		return nil, fmt.Errorf("config: s3://%s/%s yielded zero usable rules", l.bucket, l.prefix)
	}
	return rs, nil
}

func (l *S3RuleSetLoader) String() string {
	return fmt.Sprintf("S3RuleSetLoader(bucket=%s, prefix=%s)", l.bucket, l.prefix)
}

// SSMRuleSetLoader loads a rule bundle stored as a single (possibly
// multi-document) SSM parameter value.
type SSMRuleSetLoader struct {
	parameterName string
	client        SSMAPI
	failOnError   bool
}

func NewSSMRuleSetLoader(parameterName string, client SSMAPI, failOnError bool) *SSMRuleSetLoader {
	return &SSMRuleSetLoader{parameterName: parameterName, client: client, failOnError: failOnError}
}

func (l *SSMRuleSetLoader) Load(ctx context.Context) (*ruleset.RuleSet, error) {
	log.Ctx(ctx).Debug().Str("parameter", l.parameterName).Msg("config: loading rule set from SSM Parameter Store")

	resp, err := l.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.parameterName),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("config: get SSM parameter: %w", err)
	}
	if resp.Parameter == nil || resp.Parameter.Value == nil {
		return nil, fmt.Errorf("config: SSM parameter value is nil")
	}
	return loadBundle(ctx, *resp.Parameter.Value, l.failOnError, l.parameterName)
}

func (l *SSMRuleSetLoader) String() string {
	return fmt.Sprintf("SSMRuleSetLoader(parameter=%s)", l.parameterName)
}

// SecretsManagerRuleSetLoader loads a rule bundle stored as a single secret
// value in AWS Secrets Manager.
type SecretsManagerRuleSetLoader struct {
	secretID    string
	client      SecretsManagerAPI
	failOnError bool
}

func NewSecretsManagerRuleSetLoader(secretID string, client SecretsManagerAPI, failOnError bool) *SecretsManagerRuleSetLoader {
	return &SecretsManagerRuleSetLoader{secretID: secretID, client: client, failOnError: failOnError}
}

func (l *SecretsManagerRuleSetLoader) Load(ctx context.Context) (*ruleset.RuleSet, error) {
	log.Ctx(ctx).Debug().Str("secretId", l.secretID).Msg("config: loading rule set from Secrets Manager")

	resp, err := l.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(l.secretID)})
	if err != nil {
		return nil, fmt.Errorf("config: get secret value: %w", err)
	}
	if resp.SecretString == nil {
		return nil, fmt.Errorf("config: secret string is nil")
	}
	return loadBundle(ctx, *resp.SecretString, l.failOnError, l.secretID)
}

func (l *SecretsManagerRuleSetLoader) String() string {
	return fmt.Sprintf("SecretsManagerRuleSetLoader(secretId=%s)", l.secretID)
}

// LocalRuleSetLoader loads every rule file in a directory on disk, per
// spec.md §4.5's "Load directory" operation.
type LocalRuleSetLoader struct {
	path        string
	failOnError bool
}

func NewLocalRuleSetLoader(path string, failOnError bool) *LocalRuleSetLoader {
	return &LocalRuleSetLoader{path: path, failOnError: failOnError}
}

func (l *LocalRuleSetLoader) Load(ctx context.Context) (*ruleset.RuleSet, error) {
	log.Ctx(ctx).Debug().Str("path", l.path).Msg("config: loading rule set from local directory")
	rs := ruleset.New()
	if err := rs.LoadDirectory(ctx, l.path, l.failOnError); err != nil {
		return nil, err
	}
	return rs, nil
}

func (l *LocalRuleSetLoader) String() string {
	return fmt.Sprintf("LocalRuleSetLoader(path=%s)", l.path)
}

// CachedRuleSetLoader wraps another loader with a TTL cache so hot-reload
// polling does not re-fetch and re-compile every rule on every tick.
type CachedRuleSetLoader struct {
	loader RuleSetLoader
	ttl    time.Duration

	mu         sync.RWMutex
	lastLoaded time.Time
	cached     *ruleset.RuleSet
}

func NewCachedRuleSetLoader(loader RuleSetLoader, ttl time.Duration) *CachedRuleSetLoader {
	return &CachedRuleSetLoader{loader: loader, ttl: ttl}
}

func (l *CachedRuleSetLoader) Load(ctx context.Context) (*ruleset.RuleSet, error) {
	l.mu.RLock()
	if l.cached != nil && time.Since(l.lastLoaded) < l.ttl {
		cached := l.cached
		l.mu.RUnlock()
		log.Ctx(ctx).Debug().Str("loader", l.loader.String()).Dur("age", time.Since(l.lastLoaded)).Msg("config: returning cached rule set")
		return cached, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil && time.Since(l.lastLoaded) < l.ttl {
		return l.cached, nil
	}

	log.Ctx(ctx).Debug().Str("loader", l.loader.String()).Msg("config: loading fresh rule set")
	rs, err := l.loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	l.cached = rs
	l.lastLoaded = time.Now()
	return rs, nil
}

func (l *CachedRuleSetLoader) String() string {
	return fmt.Sprintf("CachedRuleSetLoader(loader=%s, ttl=%s)", l.loader.String(), l.ttl)
}

// FromEnv builds a RuleSetLoader selected by RULES_SOURCE (local/s3/ssm/
// secretsmanager), analogous to the teacher's CreateLoaderFromEnv.
func FromEnv(awscfg *aws.Config, failOnError bool) RuleSetLoader {
	source := strings.ToLower(getEnv("RULES_SOURCE", "local"))

	var base RuleSetLoader
	switch source {
	case "s3":
		bucket := getEnv("RULES_S3_BUCKET", "")
		prefix := getEnv("RULES_S3_PREFIX", "")
		if bucket == "" {
			if path := getEnv("RULES_S3_PATH", ""); path != "" {
				parts := strings.SplitN(path, "/", 2)
				bucket = parts[0]
				if len(parts) == 2 {
					prefix = parts[1]
				}
			}
		}
		if bucket != "" {
			base = NewS3RuleSetLoader(bucket, prefix, s3.NewFromConfig(*awscfg), failOnError)
		}
	case "ssm":
		if name := getEnv("RULES_SSM_PARAMETER", ""); name != "" {
			base = NewSSMRuleSetLoader(name, ssm.NewFromConfig(*awscfg), failOnError)
		}
	case "secretsmanager":
		if id := getEnv("RULES_SECRET_ID", ""); id != "" {
			base = NewSecretsManagerRuleSetLoader(id, secretsmanager.NewFromConfig(*awscfg), failOnError)
		}
	}
	if base == nil {
		base = NewLocalRuleSetLoader(getEnv("RULES_DIR", "./rules"), failOnError)
	}

	if getEnv("RULES_CACHE_ENABLED", "true") == "true" {
		ttl, err := time.ParseDuration(getEnv("RULES_REFRESH_INTERVAL", "5m"))
		if err != nil {
			ttl = 5 * time.Minute
		}
		return NewCachedRuleSetLoader(base, ttl)
	}
	return base
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}
