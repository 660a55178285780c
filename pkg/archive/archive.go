// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package archive keeps device backups in an S3 compatible object store.
//
// Objects are keyed <prefix><device>/<UTC timestamp><ext>, so listing a
// device prefix returns its backups in chronological order.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/pixelstat/pkg/pbb"
)

// timestampLayout sorts lexically in time order
const timestampLayout = "20060102T150405Z"

var (
	ErrNoBackups      = errors.New("no backups in archive")
	ErrNoCredentials  = errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are not set")
	ErrUnknownArchive = errors.New("object is not a backup")
)

// ObjectAPI is the subset of the S3 client the store uses
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config selects the bucket and endpoint
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // for S3 compatible stores such as MinIO
}

// NewS3Client builds a client from cfg with credentials from the standard
// AWS environment variables. A custom endpoint implies path-style
// addressing.
func NewS3Client(cfg Config) *s3.Client {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region:      region,
		Credentials: aws.NewCredentialsCache(EnvCredentials()),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

// EnvCredentials reads AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and the
// optional AWS_SESSION_TOKEN
func EnvCredentials() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		id := os.Getenv("AWS_ACCESS_KEY_ID")
		secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, ErrNoCredentials
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}, nil
	})
}

// Object describes one stored backup
type Object struct {
	Key      string
	Size     int64
	Modified time.Time
}

// Store saves and loads backups
type Store struct {
	client ObjectAPI
	bucket string
	prefix string
	clock  func() time.Time
	logger zerolog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time used to name new objects
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithLogger sets the store logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store over client. A non-empty prefix gets a trailing slash.
func New(client ObjectAPI, bucket, prefix string, opts ...Option) *Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	s := &Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		clock:  time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// devicePrefix is the key prefix of every backup of a device
func (s *Store) devicePrefix(device string) string {
	return s.prefix + pbb.SafeFilename(device) + "/"
}

// Key returns the object key for a backup taken at t
func (s *Store) Key(device string, t time.Time, compact bool) string {
	ext := pbb.Ext
	if compact {
		ext = pbb.CompactExt
	}
	return s.devicePrefix(device) + t.UTC().Format(timestampLayout) + ext
}

// Save uploads a backup and returns its key
func (s *Store) Save(ctx context.Context, b *pbb.Backup, compact bool) (string, error) {
	var data []byte
	var err error
	if compact {
		data, err = b.MarshalCBOR()
	} else {
		data, err = b.Marshal()
	}
	if err != nil {
		return "", err
	}

	key := s.Key(b.DeviceName(), s.clock(), compact)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(compact)),
		Metadata: map[string]string{
			"device": b.DeviceName(),
			"files":  fmt.Sprint(b.Len()),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.Info().Str("bucket", s.bucket).Str("key", key).Int("bytes", len(data)).Msg("backup archived")
	return key, nil
}

func contentType(compact bool) string {
	if compact {
		return "application/cbor"
	}
	return "application/json"
}

// Load downloads the backup stored under key
func (s *Store) Load(ctx context.Context, key string) (*pbb.Backup, error) {
	ext := path.Ext(key)
	if ext != pbb.Ext && ext != pbb.CompactExt {
		return nil, fmt.Errorf("%w: %s", ErrUnknownArchive, key)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	if ext == pbb.CompactExt {
		return pbb.ParseCompact(data)
	}

	device := out.Metadata["device"]
	if device == "" {
		device = path.Base(path.Dir(key))
	}
	return pbb.Parse(device, data)
}

// List returns the backups of a device, oldest first. An empty device
// lists every backup under the prefix.
func (s *Store) List(ctx context.Context, device string) ([]Object, error) {
	prefix := s.prefix
	if device != "" {
		prefix = s.devicePrefix(device)
	}

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if ext := path.Ext(key); ext != pbb.Ext && ext != pbb.CompactExt {
				continue
			}
			objects = append(objects, Object{
				Key:      key,
				Size:     aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})
	return objects, nil
}

// Latest loads the most recent backup of a device
func (s *Store) Latest(ctx context.Context, device string) (*pbb.Backup, error) {
	objects, err := s.List(ctx, device)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNoBackups, device)
	}
	return s.Load(ctx, objects[len(objects)-1].Key)
}
