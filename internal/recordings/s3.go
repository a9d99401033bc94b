package recordings

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/snarg/voice-memo/internal/config"
	"github.com/snarg/voice-memo/internal/ledger"
)

// S3API is the subset of the S3 client used by S3Mirror.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Mirror copies recordings to an S3-compatible bucket.
type S3Mirror struct {
	client S3API
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewS3Mirror creates an S3 mirror from config. Static credentials are used
// when both keys are set, otherwise the default AWS chain (task role).
func NewS3Mirror(ctx context.Context, cfg config.S3Config, region string, log zerolog.Logger) (*S3Mirror, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return NewS3MirrorWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix, log), nil
}

// NewS3MirrorWithClient creates a mirror on an existing client.
func NewS3MirrorWithClient(client S3API, bucket, prefix string, log zerolog.Logger) *S3Mirror {
	return &S3Mirror{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    log.With().Str("component", "s3-mirror").Logger(),
	}
}

// HeadBucket checks that the bucket exists and credentials are valid.
func (m *S3Mirror) HeadBucket(ctx context.Context) error {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &m.bucket,
	})
	return err
}

// Put uploads the local file at path under id's key.
func (m *S3Mirror) Put(ctx context.Context, id ledger.RecordingID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	key := m.objectKey(id)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &m.bucket,
		Key:         &key,
		Body:        f,
		ContentType: aws.String(ContentType(string(id))),
	})
	return err
}

// Delete removes id's object.
func (m *S3Mirror) Delete(ctx context.Context, id ledger.RecordingID) error {
	key := m.objectKey(id)
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &m.bucket,
		Key:    &key,
	})
	return err
}

func (m *S3Mirror) objectKey(id ledger.RecordingID) string {
	if m.prefix != "" {
		return m.prefix + "/recordings/" + string(id)
	}
	return "recordings/" + string(id)
}
