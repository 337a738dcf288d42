// Package s3src exposes an S3 bucket prefix as an ingest entry source.
//
// Common prefixes act as directories and are listed with ListObjectsV2 one
// page per read. Zero-length "dir/" marker objects are skipped so a prefix
// holding only its marker reads as an empty directory.
package s3src

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fruitsalade/dropzone/internal/ingest"
	"github.com/fruitsalade/dropzone/internal/metrics"
)

// DefaultPageSize is the MaxKeys used per listing.
const DefaultPageSize = 100

// API is the subset of the S3 client the source needs.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source implements ingest.Source over a bucket.
type Source struct {
	client   API
	bucket   string
	pageSize int32
}

// New creates a Source. pageSize <= 0 selects DefaultPageSize.
func New(client API, bucket string, pageSize int) *Source {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Source{client: client, bucket: bucket, pageSize: int32(pageSize)}
}

type entry struct {
	src  *Source
	key  string // object key, or prefix ending in "/" for directories
	name string
	dir  bool
}

func (e *entry) Name() string { return e.name }
func (e *entry) IsDir() bool  { return e.dir }

// Dir returns a directory entry for prefix.
func (s *Source) Dir(prefix string) ingest.Entry {
	prefix = strings.Trim(prefix, "/")
	name := path.Base(prefix)
	if prefix == "" {
		name = s.bucket
	} else {
		prefix += "/"
	}
	return &entry{src: s, key: prefix, name: name, dir: true}
}

// Object returns a file entry for key.
func (s *Source) Object(key string) ingest.Entry {
	return &entry{src: s, key: key, name: path.Base(key)}
}

// Entry classifies key as a directory when anything is listed below it,
// otherwise as an object.
func (s *Source) Entry(ctx context.Context, key string) (ingest.Entry, error) {
	if strings.HasSuffix(key, "/") || key == "" {
		return s.Dir(key), nil
	}
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, &ingest.EntryError{Op: "stat", Path: key, Err: err}
	}
	if len(out.Contents) > 0 || len(out.CommonPrefixes) > 0 {
		return s.Dir(key), nil
	}
	return s.Object(key), nil
}

func (s *Source) own(e ingest.Entry) (*entry, error) {
	se, ok := e.(*entry)
	if !ok || se.src != s {
		return nil, ingest.ErrForeignEntry
	}
	return se, nil
}

// ResolveFile implements ingest.Source.
func (s *Source) ResolveFile(ctx context.Context, e ingest.Entry) (*ingest.File, error) {
	start := time.Now()
	defer func() { metrics.RecordSourceCall("s3", "resolve_file", time.Since(start)) }()

	se, err := s.own(e)
	if err != nil {
		return nil, err
	}
	if se.dir {
		return nil, &ingest.EntryError{Op: "resolve", Path: se.key, Err: ingest.ErrNotFile}
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(se.key),
	})
	if err != nil {
		return nil, &ingest.EntryError{Op: "resolve", Path: se.key, Err: err}
	}

	client, bucket, key := s.client, s.bucket, se.key
	return &ingest.File{
		Name:    se.name,
		Size:    aws.ToInt64(head.ContentLength),
		ModTime: aws.ToTime(head.LastModified),
		Content: ingest.ContentFunc(func(ctx context.Context) (io.ReadCloser, error) {
			out, err := client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return nil, err
			}
			return out.Body, nil
		}),
	}, nil
}

// OpenDir implements ingest.Source.
func (s *Source) OpenDir(_ context.Context, e ingest.Entry) (ingest.DirReader, error) {
	se, err := s.own(e)
	if err != nil {
		return nil, err
	}
	if !se.dir {
		return nil, &ingest.EntryError{Op: "open", Path: se.key, Err: ingest.ErrNotDirectory}
	}
	return &dirReader{src: s, prefix: se.key}, nil
}

type dirReader struct {
	src    *Source
	prefix string
	token  *string
	done   bool
}

// ReadNextPage implements ingest.DirReader. Listing pages that hold only the
// directory marker are skipped so an empty page always means exhaustion.
func (r *dirReader) ReadNextPage(ctx context.Context) ([]ingest.Entry, error) {
	for !r.done {
		page, err := r.list(ctx)
		if err != nil {
			return nil, err
		}
		if len(page) > 0 {
			return page, nil
		}
	}
	return []ingest.Entry{}, nil
}

func (r *dirReader) list(ctx context.Context) ([]ingest.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordSourceCall("s3", "list_objects", time.Since(start)) }()

	out, err := r.src.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:            aws.String(r.src.bucket),
		Prefix:            aws.String(r.prefix),
		Delimiter:         aws.String("/"),
		MaxKeys:           aws.Int32(r.src.pageSize),
		ContinuationToken: r.token,
	})
	if err != nil {
		return nil, &ingest.EntryError{Op: "read", Path: r.prefix, Err: err}
	}

	page := make([]ingest.Entry, 0, len(out.CommonPrefixes)+len(out.Contents))
	for _, cp := range out.CommonPrefixes {
		p := aws.ToString(cp.Prefix)
		page = append(page, &entry{
			src:  r.src,
			key:  p,
			name: path.Base(strings.TrimSuffix(p, "/")),
			dir:  true,
		})
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == r.prefix || strings.HasSuffix(key, "/") {
			continue
		}
		page = append(page, r.src.Object(key))
	}

	if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
		r.token = out.NextContinuationToken
	} else {
		r.done = true
	}
	return page, nil
}
