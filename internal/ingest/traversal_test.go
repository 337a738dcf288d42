package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// node is a scripted tree entry for the fake source.
type node struct {
	name     string
	dir      bool
	data     string
	children []*node

	failResolve bool
	failOpen    bool
	failAtPage  int // page index that fails; 0 disables
}

func (n *node) Name() string { return n.name }
func (n *node) IsDir() bool  { return n.dir }

func file(name, data string) *node { return &node{name: name, data: data} }
func dir(name string, children ...*node) *node {
	return &node{name: name, dir: true, children: children}
}

type fakeSource struct {
	pageSize int
	gate     chan struct{} // when set, every call waits for it to close

	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (s *fakeSource) enter() func() {
	n := s.inFlight.Add(1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	return func() { s.inFlight.Add(-1) }
}

func (s *fakeSource) ResolveFile(_ context.Context, e Entry) (*File, error) {
	defer s.enter()()
	n := e.(*node)
	if n.failResolve {
		return nil, errors.New("not readable")
	}
	return NewBytesFile(n.name, []byte(n.data)), nil
}

func (s *fakeSource) OpenDir(_ context.Context, e Entry) (DirReader, error) {
	defer s.enter()()
	n := e.(*node)
	if n.failOpen {
		return nil, errors.New("permission denied")
	}
	return &fakeReader{src: s, n: n}, nil
}

type fakeReader struct {
	src   *fakeSource
	n     *node
	pos   int
	pages int
}

func (r *fakeReader) ReadNextPage(context.Context) ([]Entry, error) {
	defer r.src.enter()()
	r.pages++
	if r.n.failAtPage > 0 && r.pages == r.n.failAtPage {
		return nil, errors.New("io error")
	}
	size := r.src.pageSize
	if size <= 0 {
		size = 100
	}
	end := r.pos + size
	if end > len(r.n.children) {
		end = len(r.n.children)
	}
	page := make([]Entry, 0, end-r.pos)
	for _, c := range r.n.children[r.pos:end] {
		if c == nil {
			page = append(page, nil)
			continue
		}
		page = append(page, c)
	}
	r.pos = end
	return page, nil
}

type recordingSink struct {
	mu      sync.Mutex
	batches []*Batch
}

func (s *recordingSink) Submit(b *Batch) {
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func roots(entries ...*node) []Root {
	out := make([]Root, len(entries))
	for i, e := range entries {
		out[i] = Root{Entry: e}
	}
	return out
}

func run(t *testing.T, src Source, rs []Root, opts ...Option) (*Batch, *recordingSink, *Gesture) {
	t.Helper()
	sink := &recordingSink{}
	g, err := Start(context.Background(), src, rs, sink, opts...)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := g.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return b, sink, g
}

type itemView struct {
	Path, Name, Data string
}

func view(t *testing.T, items []Item) []itemView {
	t.Helper()
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		data := string(it.File.Content.(Bytes))
		out = append(out, itemView{it.Path, it.Name, data})
	}
	return out
}

func TestDropScenarioMixedRoots(t *testing.T) {
	src := &fakeSource{}
	b, sink, _ := run(t, src, roots(
		file("FileA", "A"),
		dir("DirB", file("FileC", "C"), dir("DirD")),
	))

	want := []itemView{{"", "FileA", "A"}, {"DirB/", "FileC", "C"}}
	if got := view(t, b.Files); !reflect.DeepEqual(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(b.EmptyDirectories, []string{"DirB/DirD/"}) {
		t.Errorf("empty dirs = %v, want [DirB/DirD/]", b.EmptyDirectories)
	}
	if sink.count() != 1 {
		t.Errorf("sink called %d times, want 1", sink.count())
	}
}

func TestDropScenarioSingleEmptyDirectory(t *testing.T) {
	b, sink, _ := run(t, &fakeSource{}, roots(dir("DirE")))

	if len(b.Files) != 0 {
		t.Errorf("expected no files, got %d", len(b.Files))
	}
	if !reflect.DeepEqual(b.EmptyDirectories, []string{"DirE/"}) {
		t.Errorf("empty dirs = %v, want [DirE/]", b.EmptyDirectories)
	}
	if sink.count() != 1 {
		t.Errorf("sink called %d times, want 1", sink.count())
	}
}

func TestOnlyFilesAtRootHasNoEmptyDirectories(t *testing.T) {
	b, _, _ := run(t, &fakeSource{}, roots(file("a", "1"), file("b", "2"), file("c", "3")))
	if len(b.EmptyDirectories) != 0 {
		t.Errorf("expected no empty dirs, got %v", b.EmptyDirectories)
	}
	if len(b.Files) != 3 {
		t.Errorf("expected 3 files, got %d", len(b.Files))
	}
}

func TestDirectoryWithOnlyEmptySubdirectoryIsNotEmpty(t *testing.T) {
	b, _, _ := run(t, &fakeSource{}, roots(dir("outer", dir("inner"))))
	if !reflect.DeepEqual(b.EmptyDirectories, []string{"outer/inner/"}) {
		t.Errorf("empty dirs = %v, want [outer/inner/]", b.EmptyDirectories)
	}
}

func TestPageFailureKeepsPartialTally(t *testing.T) {
	d := dir("big", file("1", ""), file("2", ""), file("3", ""), file("4", ""), file("5", ""))
	d.failAtPage = 2
	b, _, g := run(t, &fakeSource{pageSize: 2}, roots(d))

	if len(b.Files) != 2 {
		t.Errorf("expected 2 files before the failure, got %d", len(b.Files))
	}
	if len(b.EmptyDirectories) != 0 {
		t.Errorf("directory with 2 enumerated children must not be empty: %v", b.EmptyDirectories)
	}
	if b.Stats.PageFailures != 1 {
		t.Errorf("page failures = %d, want 1", b.Stats.PageFailures)
	}
	if g.Pending() != 0 {
		t.Errorf("pending = %d after finalize", g.Pending())
	}
}

func TestOpenFailureReportsDirectoryEmpty(t *testing.T) {
	d := dir("locked", file("x", "x"))
	d.failOpen = true
	b, _, _ := run(t, &fakeSource{}, roots(d))
	if !reflect.DeepEqual(b.EmptyDirectories, []string{"locked/"}) {
		t.Errorf("empty dirs = %v, want [locked/]", b.EmptyDirectories)
	}
}

func TestResolveFailureUsesFallback(t *testing.T) {
	broken := file("link.txt", "")
	broken.failResolve = true
	fallback := NewBytesFile("link.txt", []byte("captured"))

	b, _, _ := run(t, &fakeSource{}, []Root{{Entry: broken, Fallback: fallback}})

	want := []itemView{{"", "link.txt", "captured"}}
	if got := view(t, b.Files); !reflect.DeepEqual(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}
	if b.Stats.Fallbacks != 1 {
		t.Errorf("fallbacks = %d, want 1", b.Stats.Fallbacks)
	}
}

func TestResolveFailureWithoutFallbackYieldsEmptyBatch(t *testing.T) {
	broken := file("gone", "")
	broken.failResolve = true

	b, sink, _ := run(t, &fakeSource{}, roots(broken))
	if !b.Empty() {
		t.Errorf("expected empty batch, got %+v", b)
	}
	if b.Stats.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", b.Stats.Dropped)
	}
	if sink.count() != 1 {
		t.Errorf("sink called %d times, want 1", sink.count())
	}
}

func TestFailedChildStillCountsTowardTally(t *testing.T) {
	broken := file("bad", "")
	broken.failResolve = true
	b, _, _ := run(t, &fakeSource{}, roots(dir("d", broken)))
	if len(b.EmptyDirectories) != 0 {
		t.Errorf("directory whose only child failed is not empty by tally: %v", b.EmptyDirectories)
	}
	if len(b.Files) != 0 {
		t.Errorf("expected no files, got %d", len(b.Files))
	}
}

func TestRelativePathsRoundTrip(t *testing.T) {
	tree := dir("a", dir("b", dir("c", file("deep.txt", "d"))), file("top.txt", "t"))
	b, _, _ := run(t, &fakeSource{pageSize: 1}, roots(tree))

	for _, it := range b.Files {
		if got := JoinPath(SplitPath(it.Path)...); got != it.Path {
			t.Errorf("re-derived path %q != %q", got, it.Path)
		}
	}
	want := []itemView{{"a/", "top.txt", "t"}, {"a/b/c/", "deep.txt", "d"}}
	if got := view(t, b.Files); !reflect.DeepEqual(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}
}

func TestFinalizerFiresExactlyOnceOnWideTree(t *testing.T) {
	var top []*node
	for i := 0; i < 20; i++ {
		var kids []*node
		for j := 0; j < 15; j++ {
			kids = append(kids, file(fmt.Sprintf("f%02d", j), "x"))
		}
		kids = append(kids, dir("empty"))
		top = append(top, dir(fmt.Sprintf("d%02d", i), kids...))
	}

	b, sink, g := run(t, &fakeSource{pageSize: 4}, roots(top...))

	time.Sleep(20 * time.Millisecond)
	if sink.count() != 1 {
		t.Fatalf("sink called %d times, want 1", sink.count())
	}
	if g.Pending() != 0 {
		t.Errorf("pending = %d, want 0", g.Pending())
	}
	if len(b.Files) != 300 {
		t.Errorf("files = %d, want 300", len(b.Files))
	}
	if len(b.EmptyDirectories) != 20 {
		t.Errorf("empty dirs = %d, want 20", len(b.EmptyDirectories))
	}
}

func TestStartReturnsBeforeTraversalCompletes(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	sink := &recordingSink{}

	g, err := Start(context.Background(), src, roots(dir("d", file("f", "x"))), sink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if g.Pending() == 0 {
		t.Fatal("expected outstanding operations while the source is blocked")
	}
	if sink.count() != 0 {
		t.Fatal("sink called before traversal completed")
	}

	close(src.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := g.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sink.count() != 1 {
		t.Errorf("sink called %d times, want 1", sink.count())
	}
}

func TestMaxInFlightBoundsSourceCalls(t *testing.T) {
	var kids []*node
	for i := 0; i < 50; i++ {
		kids = append(kids, file(fmt.Sprintf("f%d", i), "x"))
	}
	src := &fakeSource{pageSize: 50}
	b, _, _ := run(t, src, roots(dir("d", kids...)), WithMaxInFlight(3))

	if len(b.Files) != 50 {
		t.Errorf("files = %d, want 50", len(b.Files))
	}
	if m := src.maxSeen.Load(); m > 3 {
		t.Errorf("max concurrent source calls = %d, want <= 3", m)
	}
}

func TestCancelledGestureStillFinalizes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &recordingSink{}
	g, err := Start(ctx, &fakeSource{}, roots(file("a", "1"), dir("d", file("b", "2"))), sink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	b, err := g.Wait(wctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(b.Files) != 0 {
		t.Errorf("expected no files from a cancelled gesture, got %d", len(b.Files))
	}
	if len(b.EmptyDirectories) != 0 {
		t.Errorf("unread directories reported empty: %v", b.EmptyDirectories)
	}
	if b.Stats.PageFailures != 0 || b.Stats.Cancelled != 1 {
		t.Errorf("stats = %+v, want 0 page failures and 1 cancelled directory", b.Stats)
	}
	if sink.count() != 1 {
		t.Errorf("sink called %d times, want 1", sink.count())
	}
}

func TestCancelDuringOpenLeavesDirectoryUnreported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{gate: make(chan struct{})}

	g, err := Start(ctx, src, roots(dir("photos", file("a", "1"), file("b", "2"))), &recordingSink{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// OpenDir is blocked on the gate; cancel before it returns a reader.
	cancel()
	close(src.gate)

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	b, err := g.Wait(wctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(b.EmptyDirectories) != 0 {
		t.Errorf("EmptyDirectories = %v, want none", b.EmptyDirectories)
	}
	if b.Stats.PageFailures != 0 || b.Stats.Cancelled != 1 {
		t.Errorf("stats = %+v", b.Stats)
	}
}

func TestNilChildrenDoNotCountTowardTally(t *testing.T) {
	b, _, _ := run(t, &fakeSource{}, roots(dir("d", nil, nil)))

	if want := []string{"d/"}; !reflect.DeepEqual(b.EmptyDirectories, want) {
		t.Errorf("EmptyDirectories = %v, want %v", b.EmptyDirectories, want)
	}
}

func TestStartWithoutRoots(t *testing.T) {
	_, err := Start(context.Background(), &fakeSource{}, nil, &recordingSink{})
	if !errors.Is(err, ErrNothingToUpload) {
		t.Errorf("err = %v, want ErrNothingToUpload", err)
	}
	_, err = Start(context.Background(), &fakeSource{}, []Root{{}}, &recordingSink{})
	if !errors.Is(err, ErrNothingToUpload) {
		t.Errorf("nil entry: err = %v, want ErrNothingToUpload", err)
	}
}

func TestConcurrentGesturesDoNotShareState(t *testing.T) {
	var wg sync.WaitGroup
	results := make([]*Batch, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("g%d", i)
			sink := &recordingSink{}
			g, err := Start(context.Background(), &fakeSource{pageSize: 1},
				roots(dir(name, file("only", name))), sink, WithID(name))
			if err != nil {
				t.Errorf("Start: %v", err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			results[i], _ = g.Wait(ctx)
		}(i)
	}
	wg.Wait()

	for i, b := range results {
		if b == nil {
			t.Fatalf("gesture %d did not finalize", i)
		}
		name := fmt.Sprintf("g%d", i)
		if b.ID != name {
			t.Errorf("batch id = %q, want %q", b.ID, name)
		}
		if len(b.Files) != 1 || b.Files[0].Path != name+"/" {
			t.Errorf("gesture %d: files = %+v", i, b.Files)
		}
	}
}
