package provider

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxAttachmentBytes matches the SES raw message ceiling.
const maxAttachmentBytes = 40 << 20

type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Attachments resolves s3://bucket/key attachment paths.
type S3Attachments struct {
	client s3API
}

// NewS3Attachments wraps an S3 client.
func NewS3Attachments(client s3API) *S3Attachments {
	return &S3Attachments{client: client}
}

// Fetch downloads the object referenced by path.
func (a *S3Attachments) Fetch(ctx context.Context, path string) ([]byte, string, error) {
	bucket, key, err := parseS3Path(path)
	if err != nil {
		return nil, "", err
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("get s3 object %s: %w", path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read s3 object %s: %w", path, err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, "", fmt.Errorf("s3 object %s exceeds %d bytes", path, maxAttachmentBytes)
	}
	return data, aws.ToString(out.ContentType), nil
}

func parseS3Path(path string) (string, string, error) {
	u, err := url.Parse(path)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("unsupported attachment path %q: want s3://bucket/key", path)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("attachment path %q has no key", path)
	}
	return u.Host, key, nil
}
