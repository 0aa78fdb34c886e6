package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"

	"github.com/jklint/chatterd/internal/model"
)

// S3 stores blobs as objects in one bucket; the location is the object key.
// Credentials come from the default AWS chain (env, shared config, IAM role).
type S3 struct {
	client s3iface.S3API
	bucket string
}

func NewS3(bucket, region string) (*S3, error) {
	if bucket == "" {
		return nil, model.E(model.KindConfig, "s3_bucket is required for s3 storage")
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, model.Wrap(model.KindStorage, "open s3 session", err)
	}
	return &S3{client: s3.New(sess), bucket: bucket}, nil
}

func (s *S3) Save(ctx context.Context, data []byte, name, contentType string) (string, error) {
	if contentType == "" {
		contentType = ContentTypeFor(name)
	}
	key := uuid.NewString() + strings.ToLower(filepath.Ext(name))
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", model.Wrap(model.KindStorage, "put object", err)
	}
	return key, nil
}

func (s *S3) Fetch(ctx context.Context, location string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location),
	})
	if isNoSuchKey(err) {
		return nil, model.Ef(model.KindNotFound, "file %s not found", location)
	}
	if err != nil {
		return nil, model.Wrap(model.KindStorage, "get object", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, model.Wrap(model.KindStorage, "read object body", err)
	}
	return data, nil
}

func (s *S3) Delete(ctx context.Context, location string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location),
	})
	if isNoSuchKey(err) {
		return false, nil
	}
	if err != nil {
		return false, model.Wrap(model.KindStorage, "head object", err)
	}
	_, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location),
	})
	if err != nil {
		return false, model.Wrap(model.KindStorage, "delete object", err)
	}
	return true, nil
}

func isNoSuchKey(err error) bool {
	var ae awserr.Error
	if errors.As(err, &ae) {
		code := ae.Code()
		return code == s3.ErrCodeNoSuchKey || code == "NotFound"
	}
	return false
}
