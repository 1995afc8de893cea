package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
)

const s3Scheme = "s3://"

// IsS3 reports whether dest is an s3://bucket/key URI.
func IsS3(dest string) bool { return strings.HasPrefix(dest, s3Scheme) }

// ParseS3URI splits s3://bucket/key into bucket and key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !IsS3(uri) {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, _ = strings.Cut(strings.TrimPrefix(uri, s3Scheme), "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("s3 uri %q needs a bucket and an object key", uri)
	}
	return bucket, key, nil
}

// PutObjectAPI is the part of the S3 client the publisher uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config selects the bucket endpoint and credentials. Empty fields fall
// back to the default AWS credential chain.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Publisher uploads finished exports to S3.
type S3Publisher struct {
	client PutObjectAPI
	log    logging.Logger
}

// NewS3Publisher wraps an existing client.
func NewS3Publisher(client PutObjectAPI, log logging.Logger) *S3Publisher {
	if log == nil {
		log = logging.Noop()
	}
	return &S3Publisher{client: client, log: log}
}

// NewS3PublisherFromConfig builds an S3 client from cfg and the ambient AWS
// configuration.
func NewS3PublisherFromConfig(ctx context.Context, cfg S3Config, log logging.Logger) (*S3Publisher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3Publisher(client, log), nil
}

// Publish uploads localPath to dest.
func (p *S3Publisher) Publish(ctx context.Context, localPath, dest string) error {
	if p == nil || p.client == nil {
		return errors.New("s3 publisher has no client")
	}
	bucket, key, err := ParseS3URI(dest)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(localPath)),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	p.log.Info(ctx, "export published",
		logging.String("bucket", bucket),
		logging.String("key", key),
		logging.Int("bytes", int(info.Size())),
	)
	return nil
}

func contentType(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "application/json"
	case ".yaml":
		return "application/yaml"
	case ".npz":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
