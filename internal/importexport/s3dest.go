package importexport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keboola/storage-backend/internal/errs"
)

// S3Destination describes an external S3-compatible target for an export
// run ("Output goes to a destination URL (S3-compatible) or a
// local path"). This is the outbound client side only — the inbound
// S3-compatible surface our own server exposes lives in internal/s3api.
type S3Destination struct {
	Endpoint        string // base URL of the S3-compatible service; empty for AWS proper
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Key             string
}

// ParseS3URL splits an s3://bucket/key destination URL.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", errs.New(errs.InvalidArgument, fmt.Sprintf("destination %q is not an s3://bucket/key URL", raw))
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", errs.New(errs.InvalidArgument, "destination URL is missing an object key")
	}
	return u.Host, key, nil
}

func (d S3Destination) client() *s3.Client {
	opts := s3.Options{
		Region: d.Region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: d.AccessKeyID, SecretAccessKey: d.SecretAccessKey}, nil
		}),
		UsePathStyle: true,
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if d.Endpoint != "" {
		opts.BaseEndpoint = aws.String(d.Endpoint)
	}
	return s3.New(opts)
}

// ExportCSVToS3 streams the export through a pipe into a multipart upload
// against the destination, so the whole result set never has to sit in
// memory or a temp file.
func (p *Pipeline) ExportCSVToS3(ctx context.Context, table string, opts ExportOptions, dest S3Destination) error {
	uploader := manager.NewUploader(dest.client())

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(p.ExportCSV(ctx, table, opts, pw))
	}()

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(dest.Bucket),
		Key:    aws.String(dest.Key),
		Body:   pr,
	})
	if err != nil {
		// Drain the pipe so the export goroutine does not leak on upload failure.
		_, _ = io.Copy(io.Discard, pr)
		return errs.Wrap(errs.IOFailure, "uploading export to s3 destination", err)
	}
	return nil
}
