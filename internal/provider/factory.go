package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/bittucreator/unosend-sub001/internal/config"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
)

// New selects the transport from configuration (SES first, SMTP as the
// fallback) and returns a ready Gateway.
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	var transport Transport
	var resolver AttachmentResolver

	switch {
	case cfg.SES.Configured():
		awsCfg, err := loadAWS(ctx, cfg.SES.Region, cfg.SES.AccessKey, cfg.SES.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		transport = NewSESTransport(sesv2.NewFromConfig(awsCfg), cfg.SES.ConfigurationSet)

		s3Cfg := awsCfg.Copy()
		s3Cfg.Region = cfg.Provider.AttachmentRegion
		resolver = NewS3Attachments(s3.NewFromConfig(s3Cfg))
	case cfg.SMTP.Configured():
		transport = NewSMTPTransport(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.HeloDomain)
	default:
		return nil, ErrNoTransport
	}

	logger.Info("provider: transport selected", "transport", transport.Name())
	return NewGateway(transport, resolver, cfg.Provider.SendTimeout(), cfg.SMTP.HeloDomain), nil
}

// loadAWS builds an aws.Config using static keys when given and the default
// credential chain otherwise.
func loadAWS(ctx context.Context, region, accessKey, secretKey string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// LoadAWS exposes the shared AWS config loader to the notifier and the
// callback consumer.
func LoadAWS(ctx context.Context, cfg *config.Config, region string) (aws.Config, error) {
	return loadAWS(ctx, region, cfg.SES.AccessKey, cfg.SES.SecretKey)
}
