package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const storeMarkerObject = ".store"

// S3 keeps each store under <prefix>/<store>/ in a bucket. Objects are
// gob-encoded entries named by the SHA-256 of the request key.
type S3 struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader

	// mu guards open. Puts hold it shared for the whole upload so that
	// DeleteStore never races an in-flight write into the store it removes.
	mu   sync.RWMutex
	open map[Name]struct{}
}

func NewS3(bucket, prefix string, client *s3.Client) *S3 {
	return &S3{
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		client:   client,
		uploader: manager.NewUploader(client),
		open:     map[Name]struct{}{},
	}
}

func (s *S3) storePrefix(name Name) string {
	if s.prefix == "" {
		return name.String() + "/"
	}
	return s.prefix + "/" + name.String() + "/"
}

func (s *S3) rootPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *S3) objectKey(name Name, key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.storePrefix(name) + hex.EncodeToString(sum[:])
}

// Open writes the store marker the first time a name is opened by this
// process; later opens are free.
func (s *S3) Open(ctx context.Context, name Name) (Store, error) {
	s.mu.RLock()
	_, ok := s.open[name]
	s.mu.RUnlock()
	if ok {
		return &s3Store{s: s, name: name}, nil
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.storePrefix(name) + storeMarkerObject),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.open[name] = struct{}{}
	s.mu.Unlock()
	return &s3Store{s: s, name: name}, nil
}

func (s *S3) DeleteStore(ctx context.Context, name Name) (bool, error) {
	s.mu.Lock()
	delete(s.open, name)
	s.mu.Unlock()

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.storePrefix(name)),
	})
	existed := false
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return existed, err
		}
		if len(page.Contents) == 0 {
			continue
		}
		existed = true
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return existed, err
		}
	}
	return existed, nil
}

func (s *S3) ListStoreNames(ctx context.Context) ([]Name, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.rootPrefix()),
		Delimiter: aws.String("/"),
	})
	var out []Name
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, cp := range page.CommonPrefixes {
			if n, ok := s.parsePrefix(aws.ToString(cp.Prefix)); ok {
				out = append(out, n)
			}
		}
	}
	sortNames(out)
	return out, nil
}

func (s *S3) parsePrefix(p string) (Name, bool) {
	p = strings.TrimPrefix(p, s.rootPrefix())
	return ParseName(strings.TrimSuffix(p, "/"))
}

func (s *S3) Close() error { return nil }

type s3Store struct {
	s    *S3
	name Name
}

func (st *s3Store) Name() Name { return st.name }

func (st *s3Store) Match(ctx context.Context, key string) (Entry, bool, error) {
	out, err := st.s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(st.s.bucket),
		Key:    aws.String(st.s.objectKey(st.name, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(body, &ent); err != nil {
		return Entry{}, false, err
	}
	return ent, true, nil
}

func (st *s3Store) Put(ctx context.Context, key string, e Entry) error {
	if err := checkEntry(e); err != nil {
		return err
	}
	e.Key = key
	b, err := encodeGob(e)
	if err != nil {
		return err
	}

	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	// A handle may outlive DeleteStore; writes through it are dropped.
	if _, ok := st.s.open[st.name]; !ok {
		return nil
	}
	_, err = st.s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(st.s.bucket),
		Key:         aws.String(st.s.objectKey(st.name, key)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/x-gob"),
	})
	return err
}

func (st *s3Store) Delete(ctx context.Context, key string) error {
	_, err := st.s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(st.s.bucket),
		Key:    aws.String(st.s.objectKey(st.name, key)),
	})
	return err
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
