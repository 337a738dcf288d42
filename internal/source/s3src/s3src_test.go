package s3src

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

	"github.com/fruitsalade/dropzone/internal/ingest"
)

type fakeS3 struct {
	objects  map[string][]byte
	failList string

	mu    sync.Mutex
	lists int
}

func newFake(keys map[string]string) *fakeS3 {
	f := &fakeS3{objects: make(map[string][]byte)}
	for k, v := range keys {
		f.objects[k] = []byte(v)
	}
	return f
}

type listed struct {
	prefix string
	key    string
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	f.lists++
	f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	if f.failList != "" && prefix == f.failList {
		return nil, errors.New("access denied")
	}
	delim := aws.ToString(in.Delimiter)

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var items []listed
	seen := map[string]bool{}
	for _, k := range keys {
		rest := k[len(prefix):]
		if i := strings.Index(rest, delim); delim != "" && i >= 0 {
			cp := prefix + rest[:i+1]
			if !seen[cp] {
				seen[cp] = true
				items = append(items, listed{prefix: cp})
			}
			continue
		}
		items = append(items, listed{key: k})
	}

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	max := int(aws.ToInt32(in.MaxKeys))
	if max <= 0 {
		max = 1000
	}
	end := start + max
	if end > len(items) {
		end = len(items)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(items))}
	if end < len(items) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	for _, it := range items[start:end] {
		if it.prefix != "" {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(it.prefix)})
		} else {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(it.key)})
		}
	}
	return out, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("not found")
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		LastModified:  aws.Time(time.Unix(1700000000, 0)),
	}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("not found")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func run(t *testing.T, src *Source, roots ...ingest.Entry) *ingest.Batch {
	t.Helper()
	rs := make([]ingest.Root, len(roots))
	for i, e := range roots {
		rs[i] = ingest.Root{Entry: e}
	}
	var calls int
	var mu sync.Mutex
	g, err := ingest.Start(context.Background(), src, rs, ingest.SinkFunc(func(*ingest.Batch) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := g.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if calls != 1 {
		t.Fatalf("sink called %d times", calls)
	}
	return b
}

func TestBucketDrop(t *testing.T) {
	fake := newFake(map[string]string{
		"FileA":      "a",
		"DirB/FileC": "ccc",
		"DirB/DirD/": "",
	})
	src := New(fake, "bucket", 0)

	b := run(t, src, src.Object("FileA"), src.Dir("DirB"))

	if len(b.Files) != 2 || b.Files[0].Key() != "FileA" || b.Files[1].Key() != "DirB/FileC" {
		t.Fatalf("files = %+v", b.Files)
	}
	if b.Files[1].File.Size != 3 {
		t.Errorf("size = %d, want 3", b.Files[1].File.Size)
	}
	if len(b.EmptyDirectories) != 1 || b.EmptyDirectories[0] != "DirB/DirD/" {
		t.Errorf("empty dirs = %v", b.EmptyDirectories)
	}

	rc, err := b.Files[1].File.Content.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "ccc" {
		t.Errorf("content = %q", data)
	}
}

func TestPagedListing(t *testing.T) {
	keys := map[string]string{}
	for i := 0; i < 5; i++ {
		keys["big/f"+strconv.Itoa(i)] = "x"
	}
	fake := newFake(keys)
	src := New(fake, "bucket", 2)

	b := run(t, src, src.Dir("big/"))
	if len(b.Files) != 5 {
		t.Errorf("files = %d, want 5", len(b.Files))
	}
	if fake.lists < 3 {
		t.Errorf("expected paged listing, got %d list calls", fake.lists)
	}
}

func TestMarkerOnlyPageSkipped(t *testing.T) {
	fake := newFake(map[string]string{"p/": "", "p/a": "1"})
	src := New(fake, "bucket", 1)

	r, err := src.OpenDir(context.Background(), src.Dir("p"))
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	page, err := r.ReadNextPage(context.Background())
	if err != nil || len(page) != 1 || page[0].Name() != "a" {
		t.Fatalf("first page = %v, %v; want [a]", page, err)
	}
	page, err = r.ReadNextPage(context.Background())
	if err != nil || len(page) != 0 {
		t.Fatalf("second page = %v, %v; want empty", page, err)
	}
}

func TestListFailureReportsEmpty(t *testing.T) {
	fake := newFake(map[string]string{"locked/a": "1"})
	fake.failList = "locked/"
	src := New(fake, "bucket", 0)

	b := run(t, src, src.Dir("locked"))
	if len(b.Files) != 0 {
		t.Errorf("files = %d, want 0", len(b.Files))
	}
	if len(b.EmptyDirectories) != 1 || b.EmptyDirectories[0] != "locked/" {
		t.Errorf("empty dirs = %v", b.EmptyDirectories)
	}
	if b.Stats.PageFailures != 1 {
		t.Errorf("page failures = %d", b.Stats.PageFailures)
	}
}

func TestEntryClassification(t *testing.T) {
	fake := newFake(map[string]string{"docs/readme": "r", "top": "t"})
	src := New(fake, "bucket", 0)
	ctx := context.Background()

	e, err := src.Entry(ctx, "docs")
	if err != nil || !e.IsDir() || e.Name() != "docs" {
		t.Errorf("docs = %v, %v; want dir", e, err)
	}
	e, err = src.Entry(ctx, "top")
	if err != nil || e.IsDir() || e.Name() != "top" {
		t.Errorf("top = %v, %v; want file", e, err)
	}
	if root := src.Dir(""); root.Name() != "bucket" {
		t.Errorf("bucket root name = %q", root.Name())
	}
}

func TestMissingObjectDropped(t *testing.T) {
	src := New(newFake(nil), "bucket", 0)
	b := run(t, src, src.Object("ghost"))
	if len(b.Files) != 0 || b.Stats.Dropped != 1 {
		t.Errorf("files = %d dropped = %d", len(b.Files), b.Stats.Dropped)
	}
}
