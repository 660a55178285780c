// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Thermoquad/pixelstat/pkg/pbb"
)

// ============================================================
// Fake Object Store
// ============================================================

type fakeObject struct {
	data     []byte
	metadata map[string]string
	modified time.Time
}

// fakeS3 keeps objects in memory and pages listings two keys at a time
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]fakeObject
	lists   int
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string]fakeObject)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if aws.ToString(in.Bucket) != f.bucket {
		return nil, errors.New("NoSuchBucket")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data, metadata: in.Metadata, modified: time.Now()}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.data)),
		Metadata: obj.metadata,
	}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := min(start+2, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, key := range keys[start:end] {
		obj := f.objects[key]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modified),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func sampleBackup(name string) *pbb.Backup {
	b := pbb.New(name)
	b.Put("/config.json", []byte(`{"name":"`+name+`"}`))
	b.Put("/p/abc", []byte{1, 2, 3})
	return b
}

// steppingClock advances one minute per call
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(time.Minute)
		return t
	}
}

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// ============================================================
// Store Tests
// ============================================================

func TestKey(t *testing.T) {
	s := New(newFakeS3("b"), "b", "backups")
	at := time.Date(2025, 3, 1, 7, 30, 5, 0, time.FixedZone("PST", -8*3600))

	if got := s.Key("Porch", at, false); got != "backups/Porch/20250301T153005Z.pbb" {
		t.Errorf("Key = %q", got)
	}
	if got := s.Key("a/b", at, true); got != "backups/a∕b/20250301T153005Z.pbbc" {
		t.Errorf("Key = %q", got)
	}
}

func TestSaveAndLoad(t *testing.T) {
	tests := []struct {
		name    string
		compact bool
	}{
		{"json", false},
		{"cbor", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeS3("pixels")
			s := New(fake, "pixels", "", WithClock(steppingClock(epoch)))
			ctx := context.Background()

			key, err := s.Save(ctx, sampleBackup("Porch"), tt.compact)
			if err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if !strings.HasPrefix(key, "Porch/") {
				t.Errorf("key = %q", key)
			}

			loaded, err := s.Load(ctx, key)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.DeviceName() != "Porch" || loaded.Len() != 2 {
				t.Errorf("loaded %q with %d files", loaded.DeviceName(), loaded.Len())
			}
			data, err := loaded.Get("/p/abc")
			if err != nil || !bytes.Equal(data, []byte{1, 2, 3}) {
				t.Errorf("/p/abc = % X, %v", data, err)
			}
		})
	}
}

func TestSave_WrongBucket(t *testing.T) {
	s := New(newFakeS3("pixels"), "other", "")
	if _, err := s.Save(context.Background(), sampleBackup("Porch"), false); err == nil {
		t.Error("expected upload error")
	}
}

func TestLoad_RejectsOtherObjects(t *testing.T) {
	s := New(newFakeS3("pixels"), "pixels", "")
	if _, err := s.Load(context.Background(), "Porch/notes.txt"); !errors.Is(err, ErrUnknownArchive) {
		t.Errorf("expected ErrUnknownArchive, got %v", err)
	}
}

func TestListAndLatest(t *testing.T) {
	fake := newFakeS3("pixels")
	s := New(fake, "pixels", "site1/", WithClock(steppingClock(epoch)))
	ctx := context.Background()

	for i := range 3 {
		b := sampleBackup("Porch")
		b.Put("/marker", []byte{byte(i)})
		if _, err := s.Save(ctx, b, i == 2); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}
	if _, err := s.Save(ctx, sampleBackup("Garage"), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	fake.objects["site1/Porch/readme.txt"] = fakeObject{data: []byte("ignored")}

	objects, err := s.List(ctx, "Porch")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objects) != 3 {
		t.Fatalf("expected 3 backups, got %d", len(objects))
	}
	if !strings.HasSuffix(objects[2].Key, "20250301T120200Z.pbbc") {
		t.Errorf("newest key = %q", objects[2].Key)
	}
	if fake.lists < 2 {
		t.Errorf("expected a paged listing, got %d requests", fake.lists)
	}

	all, err := s.List(ctx, "")
	if err != nil || len(all) != 4 {
		t.Errorf("List all = %d objects, %v", len(all), err)
	}

	latest, err := s.Latest(ctx, "Porch")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	marker, _ := latest.Get("/marker")
	if !bytes.Equal(marker, []byte{2}) {
		t.Errorf("latest marker = % X, expected 02", marker)
	}

	if _, err := s.Latest(ctx, "Attic"); !errors.Is(err, ErrNoBackups) {
		t.Errorf("expected ErrNoBackups, got %v", err)
	}
}

func TestEnvCredentials(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
	if _, err := EnvCredentials().Retrieve(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}

	t.Setenv("AWS_ACCESS_KEY_ID", "AKID")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "SECRET")
	creds, err := EnvCredentials().Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if creds.AccessKeyID != "AKID" || creds.SecretAccessKey != "SECRET" {
		t.Errorf("credentials = %+v", creds)
	}
}

func TestNewS3Client(t *testing.T) {
	client := NewS3Client(Config{Bucket: "pixels", Endpoint: "http://127.0.0.1:9000"})
	opts := client.Options()
	if opts.Region != "us-east-1" || !opts.UsePathStyle || aws.ToString(opts.BaseEndpoint) != "http://127.0.0.1:9000" {
		t.Errorf("options = region %q path-style %v endpoint %q", opts.Region, opts.UsePathStyle, aws.ToString(opts.BaseEndpoint))
	}
}
