package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/avast/retry-go/v4"
)

// S3Store stores objects in one S3 bucket under an optional key prefix,
// the same bucket/client/prefix shape as Tessera's s3Storage, generalized
// here with the generic Get/Head/List/Copy surface an object store
// backend needs.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds an S3Store using the ambient AWS SDK config (env vars,
// shared config file, instance role), the same config.LoadDefaultConfig
// fallback used elsewhere in this codebase.
func NewS3Store(ctx context.Context, bucket, prefix string, opts func(*s3.Options)) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("objstore: load aws config: %w", err)
	}
	if opts == nil {
		opts = func(*s3.Options) {}
	}
	return &S3Store{client: s3.NewFromConfig(cfg, opts), bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, Attrs, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.fullKey(key))})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, Attrs{}, ErrNotFound
		}
		return nil, Attrs{}, fmt.Errorf("objstore: s3 get %q: %w", key, err)
	}
	a := Attrs{Size: aws.ToInt64(out.ContentLength)}
	if out.ETag != nil {
		a.ETag = *out.ETag
	}
	if out.LastModified != nil {
		a.ModTime = *out.LastModified
	}
	return out.Body, a, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data io.Reader, size int64) error {
	return retry.Do(func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.fullKey(key)),
			Body:          data,
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			return fmt.Errorf("objstore: s3 put %q: %w", key, err)
		}
		return nil
	}, retry.Context(ctx), retry.Attempts(3))
}

// PutIfAbsent mirrors Tessera's setObjectIfNoneMatch: write with
// IfNoneMatch="*", and on PreconditionFailed treat identical existing
// content as a successful idempotent write.
func (s *S3Store) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.fullKey(key)),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return nil
	}
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		rc, _, getErr := s.Get(ctx, key)
		if getErr != nil {
			return fmt.Errorf("objstore: s3 putIfAbsent %q: precondition check: %w", key, getErr)
		}
		defer rc.Close()
		existing, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		if !bytes.Equal(existing, data) {
			return &ErrConflict{Key: key}
		}
		return nil
	}
	return fmt.Errorf("objstore: s3 putIfAbsent %q: %w", key, err)
}

func (s *S3Store) Head(ctx context.Context, key string) (Attrs, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.fullKey(key))})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return Attrs{}, ErrNotFound
		}
		return Attrs{}, fmt.Errorf("objstore: s3 head %q: %w", key, err)
	}
	a := Attrs{Size: aws.ToInt64(out.ContentLength)}
	if out.ETag != nil {
		a.ETag = *out.ETag
	}
	if out.LastModified != nil {
		a.ModTime = *out.LastModified
	}
	return a, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.fullKey(key))})
	if err != nil {
		return fmt.Errorf("objstore: s3 delete %q: %w", key, err)
	}
	return nil
}

// DeleteAll uses S3's bulk DeleteObjects, batched at 1000 keys per request.
func (s *S3Store) DeleteAll(ctx context.Context, keys []string) error {
	const maxPerBatch = 1000
	for i := 0; i < len(keys); i += maxPerBatch {
		end := i + maxPerBatch
		if end > len(keys) {
			end = len(keys)
		}
		objs := make([]types.ObjectIdentifier, end-i)
		for j, k := range keys[i:end] {
			objs[j] = types.ObjectIdentifier{Key: aws.String(s.fullKey(k))}
		}
		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objs},
		}); err != nil {
			return fmt.Errorf("objstore: s3 deleteAll batch: %w", err)
		}
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ListEntry, error) {
	var out []ListEntry
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.fullKey(prefix)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("objstore: s3 list %q: %w", prefix, err)
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			if s.prefix != "" {
				key = key[len(s.prefix)+1:]
			}
			e := ListEntry{Key: key, Attrs: Attrs{Size: aws.ToInt64(o.Size)}}
			if o.LastModified != nil {
				e.Attrs.ModTime = *o.LastModified
			}
			if o.ETag != nil {
				e.Attrs.ETag = *o.ETag
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *S3Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + s.fullKey(srcKey)),
		Key:        aws.String(s.fullKey(dstKey)),
	})
	if err != nil {
		return fmt.Errorf("objstore: s3 copy %q -> %q: %w", srcKey, dstKey, err)
	}
	return nil
}
