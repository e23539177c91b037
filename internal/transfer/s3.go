package transfer

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// S3Options configures the S3 backend.
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for S3-compatible stores; enables path-style addressing
	Prefix   string

	AccessKeyID     string
	SecretAccessKey string
}

// s3Backend implements Backend by putting objects into a bucket.
// It is private and only exposed via the Backend interface.
type s3Backend struct {
	opts   S3Options
	client *s3.S3
	fs     afero.Fs
	logger zerolog.Logger
}

func (b *s3Backend) setLogger(logger zerolog.Logger) {
	b.logger = logger
}

func (b *s3Backend) setFs(fs afero.Fs) {
	b.fs = fs
}

// NewS3 creates a new S3 backend and returns it as Backend.
func NewS3(opts S3Options, options ...Option) (Backend, error) {
	awsCfg := &aws.Config{Region: aws.String(opts.Region)}
	if opts.Endpoint != "" {
		awsCfg.Endpoint = aws.String(opts.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if opts.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsFromCreds(credentials.Value{
			AccessKeyID:     opts.AccessKeyID,
			SecretAccessKey: opts.SecretAccessKey,
		})
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session for bucket %s: %w", opts.Bucket, err)
	}

	b := &s3Backend{
		opts:   opts,
		client: s3.New(sess),
		fs:     afero.NewOsFs(),
		logger: zerolog.Nop(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b, nil
}

// Name returns the name of the backend.
func (b *s3Backend) Name() string {
	return string(KindS3)
}

// key maps a remote path to an object key below the configured prefix.
func (b *s3Backend) key(remotePath string) string {
	return strings.TrimPrefix(path.Join(b.opts.Prefix, remotePath), "/")
}

// Upload puts the local file at the object key derived from req.RemotePath.
func (b *s3Backend) Upload(ctx context.Context, req Request, onProgress ProgressFunc) (string, error) {
	file, err := b.fs.Open(req.LocalPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", req.LocalPath, err)
	}

	defer func() {
		if err := file.Close(); err != nil {
			b.logger.Warn().Err(err).Str("file", req.LocalPath).Msg("closing uploaded file")
		}
	}()

	key := b.key(req.RemotePath)
	if _, err = b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Body:   file,
		Bucket: aws.String(b.opts.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return "", fmt.Errorf("uploading to s3://%s/%s: %w", b.opts.Bucket, key, err)
	}

	if onProgress != nil {
		onProgress(Progress{Transferred: req.Size})
	}

	b.logger.Debug().Str("bucket", b.opts.Bucket).Str("key", key).Msg("s3 upload complete")

	return "", nil
}

// TaskStatus always reports success: puts are synchronous.
func (b *s3Backend) TaskStatus(context.Context, string) (TaskState, error) {
	return TaskSucceeded, nil
}

// Refresh is a no-op for S3.
func (b *s3Backend) Refresh(context.Context, string) error {
	return nil
}

// Close releases any resources held by the backend.
func (b *s3Backend) Close() error {
	return nil
}
