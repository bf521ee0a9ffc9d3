package fetch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/logging"
)

// S3Options configure an object-store staging cache.
type S3Options struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint overrides the AWS endpoint for S3-compatible gateways.
	// PathStyle usually has to be set alongside it.
	Endpoint  string
	PathStyle bool

	// AccessKey and SecretKey select static credentials. Left empty, the
	// ambient AWS credential chain applies.
	AccessKey string
	SecretKey string

	// SpoolDir is where Open materializes payloads. Defaults to a
	// directory under os.TempDir().
	SpoolDir string
}

// S3Cache stages payloads in a bucket and spools them to local files on
// Open, because the decoders need something they can seek.
type S3Cache struct {
	client *s3.Client
	bucket string
	prefix string
	spool  string
	log    *slog.Logger
}

var _ Cache = (*S3Cache)(nil)

// NewS3Cache connects to the bucket and prepares the local spool.
func NewS3Cache(ctx context.Context, opts S3Options) (*S3Cache, error) {
	if opts.Bucket == "" {
		return nil, errors.NewValidation("s3 staging", "bucket must not be empty")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		if opts.PathStyle {
			o.UsePathStyle = true
		}
	})

	spool := opts.SpoolDir
	if spool == "" {
		spool = filepath.Join(os.TempDir(), "nwpd-staging")
	}
	if err := os.MkdirAll(spool, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create spool dir %s", spool)
	}
	return &S3Cache{
		client: client,
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		spool:  spool,
		log:    logging.Component("staging.s3"),
	}, nil
}

func (c *S3Cache) objectKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return path.Join(c.prefix, key)
}

func (c *S3Cache) localPath(key string) string {
	return filepath.Join(c.spool, filepath.FromSlash(key))
}

// Put spools r locally, then uploads the complete file. The spooled copy
// stays behind so the Open that follows a fresh download costs nothing.
func (c *S3Cache) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	local := c.localPath(key)
	n, err := writeAtomic(local, r)
	if err != nil {
		return 0, errors.Wrapf(err, "stage %s", key)
	}
	file, err := os.Open(local)
	if err != nil {
		return 0, errors.Wrapf(err, "stage %s", key)
	}
	defer file.Close()

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(c.objectKey(key)),
		Body:          file,
		ContentLength: aws.Int64(n),
	})
	if err != nil {
		os.Remove(local)
		return 0, errors.Wrapf(errors.ErrTransient, "upload staged %s: %v", key, err)
	}
	return n, nil
}

// Open materializes the payload in the spool directory. A spooled copy
// whose size still matches the object is reused.
func (c *S3Cache) Open(ctx context.Context, key string) (string, error) {
	size, err := c.Stat(ctx, key)
	if err != nil {
		return "", err
	}
	local := c.localPath(key)
	if info, err := os.Stat(local); err == nil && info.Size() == size {
		return local, nil
	}

	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		if isNoSuchObject(err) {
			return "", errors.Wrapf(errors.ErrNotFound, "staged %s", key)
		}
		return "", errors.Wrapf(errors.ErrTransient, "download staged %s: %v", key, err)
	}
	defer out.Body.Close()

	if _, err := writeAtomic(local, out.Body); err != nil {
		return "", errors.Wrapf(err, "spool staged %s", key)
	}
	c.log.Debug("spooled staged object", "key", key, "size", size)
	return local, nil
}

// Stat returns the object size.
func (c *S3Cache) Stat(ctx context.Context, key string) (int64, error) {
	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		if isNoSuchObject(err) {
			return 0, errors.Wrapf(errors.ErrNotFound, "staged %s", key)
		}
		return 0, errors.Wrapf(errors.ErrTransient, "head staged %s: %v", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Delete removes the object and any spooled copy.
func (c *S3Cache) Delete(ctx context.Context, key string) error {
	if _, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	}); err != nil {
		return errors.Wrapf(errors.ErrTransient, "delete staged %s: %v", key, err)
	}
	if err := os.Remove(c.localPath(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete spooled %s", key)
	}
	return nil
}

// Health verifies the bucket answers. The check command runs this before
// attempting a run against object staging.
func (c *S3Cache) Health(ctx context.Context) error {
	if _, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	}); err != nil {
		return errors.Wrapf(errors.ErrConnectionFailed, "bucket %s: %v", c.bucket, err)
	}
	return nil
}

func isNoSuchObject(err error) bool {
	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noKey)
}
