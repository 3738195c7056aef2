package s3

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gobeaver/vfs"
)

func init() {
	vfs.RegisterAdapterFactory("s3", func(cfg *vfs.Config) (vfs.Adapter, error) {
		return FromConfig(context.Background(), cfg)
	})
}

// FromConfig builds an adapter from the VFS_S3_* settings. Static
// credentials are used when both keys are set, the default AWS chain
// otherwise.
func FromConfig(ctx context.Context, cfg *vfs.Config) (*Adapter, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("bucket is required for s3 adapter")
	}

	interval, err := cfg.PollInterval()
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3ForcePathStyle
	})

	return New(client, cfg.S3Bucket,
		WithPrefix(cfg.S3Prefix),
		WithPollInterval(interval),
	), nil
}
