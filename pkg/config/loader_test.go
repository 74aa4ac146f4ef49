package config

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/boogy/sigma-stream/pkg/ruleset"
)

type mockS3Client struct{ mock.Mock }

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.GetObjectOutput), args.Error(1)
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.ListObjectsV2Output), args.Error(1)
}

type mockSSMClient struct{ mock.Mock }

func (m *mockSSMClient) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ssm.GetParameterOutput), args.Error(1)
}

type mockSecretsManagerClient struct{ mock.Mock }

func (m *mockSecretsManagerClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*secretsmanager.GetSecretValueOutput), args.Error(1)
}

const testRuleYAML = `id: 11111111-1111-1111-1111-111111111111
title: Test Rule
logsource:
  product: test
detection:
  sel:
    EventID: 1
  condition: sel
`

func TestSSMRuleSetLoader(t *testing.T) {
	ctx := context.Background()

	t.Run("successful load", func(t *testing.T) {
		mockClient := new(mockSSMClient)
		loader := NewSSMRuleSetLoader("/test/parameter", mockClient, true)

		value := testRuleYAML
		mockClient.On("GetParameter", ctx, &ssm.GetParameterInput{
			Name:           aws.String("/test/parameter"),
			WithDecryption: aws.Bool(true),
		}).Return(&ssm.GetParameterOutput{
			Parameter: &ssmtypes.Parameter{Value: &value},
		}, nil)

		rs, err := loader.Load(ctx)
		assert.NoError(t, err)
		assert.NotNil(t, rs)
		assert.Equal(t, 1, rs.Len())

		mockClient.AssertExpectations(t)
	})

	t.Run("SSM error", func(t *testing.T) {
		mockClient := new(mockSSMClient)
		loader := NewSSMRuleSetLoader("/test/parameter", mockClient, true)

		mockClient.On("GetParameter", ctx, &ssm.GetParameterInput{
			Name:           aws.String("/test/parameter"),
			WithDecryption: aws.Bool(true),
		}).Return(nil, errors.New("SSM error"))

		rs, err := loader.Load(ctx)
		assert.Error(t, err)
		assert.Nil(t, rs)
		assert.Contains(t, err.Error(), "SSM error")

		mockClient.AssertExpectations(t)
	})

	t.Run("invalid rule document", func(t *testing.T) {
		mockClient := new(mockSSMClient)
		loader := NewSSMRuleSetLoader("/test/parameter", mockClient, true)

		value := "not: [valid, sigma"
		mockClient.On("GetParameter", ctx, &ssm.GetParameterInput{
			Name:           aws.String("/test/parameter"),
			WithDecryption: aws.Bool(true),
		}).Return(&ssm.GetParameterOutput{
			Parameter: &ssmtypes.Parameter{Value: &value},
		}, nil)

		rs, err := loader.Load(ctx)
		assert.Error(t, err)
		assert.Nil(t, rs)
	})
}

func TestSecretsManagerRuleSetLoader(t *testing.T) {
	ctx := context.Background()

	t.Run("successful load", func(t *testing.T) {
		mockClient := new(mockSecretsManagerClient)
		loader := NewSecretsManagerRuleSetLoader("test-secret", mockClient, true)

		value := testRuleYAML
		mockClient.On("GetSecretValue", ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String("test-secret"),
		}).Return(&secretsmanager.GetSecretValueOutput{SecretString: &value}, nil)

		rs, err := loader.Load(ctx)
		assert.NoError(t, err)
		assert.NotNil(t, rs)
		assert.Equal(t, 1, rs.Len())

		mockClient.AssertExpectations(t)
	})
}

func TestS3RuleSetLoader(t *testing.T) {
	ctx := context.Background()

	t.Run("successful load", func(t *testing.T) {
		mockClient := new(mockS3Client)
		loader := NewS3RuleSetLoader("test-bucket", "rules/", mockClient, true)

		key := "rules/test.yml"
		mockClient.On("ListObjectsV2", ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String("test-bucket"),
			Prefix:            aws.String("rules/"),
			ContinuationToken: (*string)(nil),
		}).Return(&s3.ListObjectsV2Output{
			Contents:    []types.Object{{Key: &key}},
			IsTruncated: aws.Bool(false),
		}, nil)
		mockClient.On("GetObject", ctx, &s3.GetObjectInput{
			Bucket: aws.String("test-bucket"),
			Key:    aws.String(key),
		}).Return(&s3.GetObjectOutput{
			Body: io.NopCloser(strings.NewReader(testRuleYAML)),
		}, nil)

		rs, err := loader.Load(ctx)
		assert.NoError(t, err)
		assert.NotNil(t, rs)
		assert.Equal(t, 1, rs.Len())

		mockClient.AssertExpectations(t)
	})

	t.Run("no matching objects", func(t *testing.T) {
		mockClient := new(mockS3Client)
		loader := NewS3RuleSetLoader("test-bucket", "empty/", mockClient, true)

		mockClient.On("ListObjectsV2", ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String("test-bucket"),
			Prefix:            aws.String("empty/"),
			ContinuationToken: (*string)(nil),
		}).Return(&s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}, nil)

		rs, err := loader.Load(ctx)
		assert.Error(t, err)
		assert.Nil(t, rs)
	})
}

func TestLocalRuleSetLoader(t *testing.T) {
	t.Run("directory exists", func(t *testing.T) {
		dir := t.TempDir()
		err := os.WriteFile(dir+"/rule.yml", []byte(testRuleYAML), 0o644)
		assert.NoError(t, err)

		loader := NewLocalRuleSetLoader(dir, true)
		rs, err := loader.Load(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, rs.Len())
	})

	t.Run("directory not found", func(t *testing.T) {
		loader := NewLocalRuleSetLoader("/non/existent/dir", true)
		rs, err := loader.Load(context.Background())
		assert.Error(t, err)
		assert.Nil(t, rs)
	})
}

func TestCachedRuleSetLoader(t *testing.T) {
	ctx := context.Background()

	t.Run("cache hit", func(t *testing.T) {
		mockLoader := &mockRuleSetLoader{result: mustRuleSet(t)}
		cachedLoader := NewCachedRuleSetLoader(mockLoader, 5*time.Minute)

		rs1, err := cachedLoader.Load(ctx)
		assert.NoError(t, err)
		assert.NotNil(t, rs1)
		assert.Equal(t, 1, mockLoader.loadCount)

		rs2, err := cachedLoader.Load(ctx)
		assert.NoError(t, err)
		assert.Same(t, rs1, rs2)
		assert.Equal(t, 1, mockLoader.loadCount)
	})

	t.Run("cache expiry", func(t *testing.T) {
		mockLoader := &mockRuleSetLoader{result: mustRuleSet(t)}
		cachedLoader := NewCachedRuleSetLoader(mockLoader, 50*time.Millisecond)

		_, err := cachedLoader.Load(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 1, mockLoader.loadCount)

		time.Sleep(100 * time.Millisecond)

		_, err = cachedLoader.Load(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 2, mockLoader.loadCount)
	})

	t.Run("concurrent access loads once", func(t *testing.T) {
		mockLoader := &mockRuleSetLoader{result: mustRuleSet(t), delay: 50 * time.Millisecond}
		cachedLoader := NewCachedRuleSetLoader(mockLoader, 5*time.Minute)

		done := make(chan struct{}, 10)
		for i := 0; i < 10; i++ {
			go func() {
				_, err := cachedLoader.Load(ctx)
				assert.NoError(t, err)
				done <- struct{}{}
			}()
		}
		for i := 0; i < 10; i++ {
			<-done
		}
		assert.Equal(t, 1, mockLoader.loadCount)
	})
}

type mockRuleSetLoader struct {
	result    *ruleset.RuleSet
	err       error
	loadCount int
	delay     time.Duration
}

func (m *mockRuleSetLoader) Load(ctx context.Context) (*ruleset.RuleSet, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.loadCount++
	return m.result, m.err
}

func (m *mockRuleSetLoader) String() string { return "mockRuleSetLoader" }

func mustRuleSet(t *testing.T) *ruleset.RuleSet {
	t.Helper()
	rs := ruleset.New()
	if err := loadBundleInto(context.Background(), rs, testRuleYAML, true, "test"); err != nil {
		t.Fatalf("loadBundleInto: %v", err)
	}
	return rs
}
