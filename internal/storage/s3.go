package storage

import (
	"context"
	"io"
	"net/url"
	"strings"

	apperrors "github.com/filevault/filevault/internal/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 stores objects in an S3-compatible bucket under a flat keyspace.
// Multipart upload is handled by the client and an object only becomes
// visible once the upload completes, which gives us the publish-on-success
// guarantee for free.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3 builds a backend from an s3://bucket/prefix URI. The endpoint
// defaults to AWS and can be overridden with ?endpoint=host:port
// (&insecure=true for plain HTTP against local gateways). Credentials come
// from the environment or the shared AWS config, as the client resolves
// them.
func NewS3(u *url.URL) (*S3, error) {
	bucket := u.Host
	if bucket == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "s3 URI is missing a bucket", "")
	}

	q := u.Query()
	endpoint := q.Get("endpoint")
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	secure := q.Get("insecure") != "true"

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
		}),
		Secure: secure,
		Region: q.Get("region"),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "failed to init s3 client", "")
	}

	return &S3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(u.Path, "/"),
	}, nil
}

func (s *S3) key(ref string) string {
	if s.prefix == "" {
		return ref
	}
	return s.prefix + "/" + ref
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(key), r, size, minio.PutObjectOptions{})
	if err != nil {
		return "", wrapS3(err, "failed to upload object")
	}
	return key, nil
}

func (s *S3) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(ref), minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapS3(err, "failed to open object")
	}
	// GetObject is lazy; surface missing objects now rather than at first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, wrapS3(err, "failed to stat object")
	}
	return obj, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var refs []string
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.key(prefix),
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, wrapS3(info.Err, "failed to list objects")
		}
		ref := info.Key
		if s.prefix != "" {
			ref = strings.TrimPrefix(ref, s.prefix+"/")
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (s *S3) Delete(ctx context.Context, ref string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.key(ref), minio.RemoveObjectOptions{}); err != nil {
		return wrapS3(err, "failed to delete object")
	}
	return nil
}

func (s *S3) Location() string {
	if s.prefix == "" {
		return "s3://" + s.bucket
	}
	return "s3://" + s.bucket + "/" + s.prefix
}

// wrapS3 classifies client errors: access failures are terminal, anything
// else (network resets, 5xx, throttling) is transient and retried upstream.
func wrapS3(err error, msg string) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return apperrors.Wrap(err, apperrors.TypeAuth, msg, "Check the destination credentials.")
	case "NoSuchKey", "NoSuchBucket":
		return apperrors.Wrap(err, apperrors.TypeResource, msg, "")
	}
	return apperrors.Wrap(err, apperrors.TypeTransfer, msg, "")
}
