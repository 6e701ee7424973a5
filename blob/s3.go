package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tunnelbroker/config"
	"tunnelbroker/errs"
)

//S3Store keeps payload fragments in an S3 (or minio) bucket, keyed
//by content address
type S3Store struct {
	client *s3.Client
	bucket string
}

//NewS3Store builds the S3 client from broker blob options. A
//non-empty Endpoint overrides the AWS default resolution so a local
//minio works in development.
func NewS3Store(ctx context.Context, opts config.BlobOptions) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading blob store config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: opts.Bucket}, nil
}

//Put stores the fragment under its content address. Re-putting
//identical content overwrites the same key with the same bytes.
func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	key := Address(data)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("%w: put blob %s: %v", errs.ErrStorageUnavailable, key, err)
	}

	return key, nil
}

//Get returns the fragment for a content address
func (s *S3Store) Get(ctx context.Context, hash string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(hash),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get blob %s: %v", errs.ErrStorageUnavailable, hash, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read blob %s: %v", errs.ErrStorageUnavailable, hash, err)
	}
	return data, nil
}
