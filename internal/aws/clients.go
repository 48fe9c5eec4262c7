package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/config"
)

// AWSClients bundles the service clients shared by the API and the worker.
type AWSClients struct {
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
}

// NewAWSClients builds concrete clients from the service configuration.
func NewAWSClients(ctx context.Context, cfg *config.Config) (*AWSClients, error) {
	sdkCfg, err := LoadAWSConfig(ctx, cfg.AWSRegion, cfg.AWSEndpointOverride)
	if err != nil {
		return nil, err
	}

	return &AWSClients{
		DynamoDB:   dynamodb.NewFromConfig(sdkCfg),
		SQS:        sqs.NewFromConfig(sdkCfg),
		CloudWatch: cloudwatch.NewFromConfig(sdkCfg),
	}, nil
}
