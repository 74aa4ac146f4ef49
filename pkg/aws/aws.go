package aws

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Clients bundles the AWS service clients used to load rule sets and publish
// metrics. It is constructed once at process start and shared read-only
// across config loaders and the metrics sink.
type Clients struct {
	S3             *s3.Client
	SSM            *ssm.Client
	SecretsManager *secretsmanager.Client
	CloudWatch     *cloudwatch.Client
}

// New builds a Clients bundle from a resolved aws.Config.
func New(awscfg *aws.Config) *Clients {
	return &Clients{
		S3:             s3.NewFromConfig(*awscfg),
		SSM:            ssm.NewFromConfig(*awscfg),
		SecretsManager: secretsmanager.NewFromConfig(*awscfg),
		CloudWatch:     cloudwatch.NewFromConfig(*awscfg),
	}
}
