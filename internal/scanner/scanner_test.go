package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-finder/internal/record"
)

var (
	testExtensions = []string{".jpg", ".png"}
	testExcluded   = []string{"$RECYCLE.BIN", ".git"}
)

// fakeEmbedder returns a vector per file name. Names listed in fail produce an
// error. After cancelAfter calls (when > 0) it cancels the scan context.
type fakeEmbedder struct {
	mu          sync.Mutex
	vectors     map[string][]float32
	fail        map[string]error
	calls       []string
	cancelAfter int
	cancel      context.CancelFunc
}

func (f *fakeEmbedder) Embed(_ context.Context, path string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := filepath.Base(path)
	f.calls = append(f.calls, name)
	if f.cancelAfter > 0 && len(f.calls) == f.cancelAfter && f.cancel != nil {
		f.cancel()
	}
	if err, ok := f.fail[name]; ok {
		return nil, err
	}
	if v, ok := f.vectors[name]; ok {
		return v, nil
	}
	return []float32{1, float32(len(name))}, nil
}

func makeTree(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(f), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func identities(records []record.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Identity
	}
	return out
}

func TestScan_FiltersAndOrder(t *testing.T) {
	root := makeTree(t,
		"b.JPG", "a.jpg", "notes.txt", "sub/c.png",
		"$RECYCLE.BIN/deleted.jpg", "sub/.git/objects/x.jpg",
	)
	emb := &fakeEmbedder{}
	store := record.Open(root, "ArcFace")

	res, err := New(emb, logr.Discard()).Scan(context.Background(), store, Options{
		Root: root, Excluded: testExcluded, Extensions: testExtensions,
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	want := []string{"a.jpg", "b.JPG", "c.png"}
	if !slices.Equal(emb.calls, want) {
		t.Errorf("embedded %v, want %v", emb.calls, want)
	}
	if res.Processed != 3 || res.OK != 3 || res.Cancelled {
		t.Errorf("Result = %+v", res)
	}
	if store.Dirty() {
		t.Error("store should be checkpointed at the end of the scan")
	}
	if _, err := os.Stat(store.Path()); err != nil {
		t.Errorf("store file missing after scan: %v", err)
	}
}

func TestScan_Idempotent(t *testing.T) {
	root := makeTree(t, "a.jpg", "b.jpg", "broken.jpg")
	emb := &fakeEmbedder{fail: map[string]error{"broken.jpg": errors.New("no face detected")}}
	opts := Options{Root: root, Extensions: testExtensions}

	first := record.Open(root, "ArcFace")
	if _, err := New(emb, logr.Discard()).Scan(context.Background(), first, opts); err != nil {
		t.Fatal(err)
	}

	second := record.Open(root, "ArcFace")
	res, err := New(emb, logr.Discard()).Scan(context.Background(), second, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 || res.Skipped != 3 {
		t.Errorf("second scan Result = %+v, want everything skipped", res)
	}
	if len(emb.calls) != 3 {
		t.Errorf("embedder called %d times, want 3", len(emb.calls))
	}

	a, b := first.Records(), second.Records()
	if !slices.Equal(identities(a), identities(b)) {
		t.Errorf("record sets differ: %v vs %v", identities(a), identities(b))
	}
	for i := range a {
		if a[i].Status != b[i].Status {
			t.Errorf("status of %s changed: %s -> %s", a[i].Identity, a[i].Status, b[i].Status)
		}
	}
	broken, _ := second.Get(filepath.Join(root, "broken.jpg"))
	if broken.Status != record.StatusFailed || broken.Error != "no face detected" {
		t.Errorf("broken record = %+v", broken)
	}
}

func TestScan_ResumesAfterCancel(t *testing.T) {
	files := []string{"1.jpg", "2.jpg", "3.jpg", "4.jpg", "5.jpg"}

	// Reference: one uninterrupted scan.
	fullRoot := makeTree(t, files...)
	full := record.Open(fullRoot, "ArcFace")
	if _, err := New(&fakeEmbedder{}, logr.Discard()).Scan(context.Background(), full, Options{Root: fullRoot, Extensions: testExtensions}); err != nil {
		t.Fatal(err)
	}

	root := makeTree(t, files...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	emb := &fakeEmbedder{cancelAfter: 2, cancel: cancel}

	store := record.Open(root, "ArcFace")
	res, err := New(emb, logr.Discard()).Scan(ctx, store, Options{Root: root, Extensions: testExtensions})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cancelled || res.Processed != 2 {
		t.Errorf("cancelled Result = %+v, want 2 processed and cancelled", res)
	}
	if store.Dirty() {
		t.Error("cancelled scan left unsaved records")
	}

	emb2 := &fakeEmbedder{}
	resumed := record.Open(root, "ArcFace")
	if resumed.Len() != 2 {
		t.Fatalf("resumed store has %d records, want 2", resumed.Len())
	}
	res, err = New(emb2, logr.Discard()).Scan(context.Background(), resumed, Options{Root: root, Extensions: testExtensions})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(emb2.calls, files[2:]) {
		t.Errorf("resumed scan embedded %v, want %v", emb2.calls, files[2:])
	}
	if res.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", res.Skipped)
	}

	got := resumed.Records()
	want := full.Records()
	if len(got) != len(want) {
		t.Fatalf("record count %d, want %d", len(got), len(want))
	}
	for i := range got {
		if filepath.Base(got[i].Identity) != filepath.Base(want[i].Identity) || !slices.Equal(got[i].Embedding, want[i].Embedding) {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestScan_CancelledBeforeStart(t *testing.T) {
	root := makeTree(t, "a.jpg")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	emb := &fakeEmbedder{}
	res, err := New(emb, logr.Discard()).Scan(ctx, record.Open(root, "ArcFace"), Options{Root: root, Extensions: testExtensions})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cancelled || len(emb.calls) != 0 {
		t.Errorf("Result = %+v, calls = %v", res, emb.calls)
	}
}

func TestScan_RetryFailed(t *testing.T) {
	root := makeTree(t, "a.jpg", "locked.jpg")
	emb := &fakeEmbedder{fail: map[string]error{"locked.jpg": errors.New("file is locked")}}
	opts := Options{Root: root, Extensions: testExtensions}

	if _, err := New(emb, logr.Discard()).Scan(context.Background(), record.Open(root, "ArcFace"), opts); err != nil {
		t.Fatal(err)
	}

	// Failed records are sticky by default.
	emb2 := &fakeEmbedder{}
	if _, err := New(emb2, logr.Discard()).Scan(context.Background(), record.Open(root, "ArcFace"), opts); err != nil {
		t.Fatal(err)
	}
	if len(emb2.calls) != 0 {
		t.Errorf("sticky failure re-embedded: %v", emb2.calls)
	}

	opts.RetryFailed = true
	store := record.Open(root, "ArcFace")
	res, err := New(emb2, logr.Discard()).Scan(context.Background(), store, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Retried != 1 || !slices.Equal(emb2.calls, []string{"locked.jpg"}) {
		t.Errorf("Result = %+v, calls = %v", res, emb2.calls)
	}
	r, _ := store.Get(filepath.Join(root, "locked.jpg"))
	if !r.IsOK() {
		t.Errorf("retried record = %+v, want ok", r)
	}
	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
}

func TestScan_LiveHookAndProgress(t *testing.T) {
	root := makeTree(t, "a.jpg", "b.jpg", "bad.jpg")
	emb := &fakeEmbedder{fail: map[string]error{"bad.jpg": errors.New("decode failure")}}

	var live []string
	var states []State
	_, err := New(emb, logr.Discard()).Scan(context.Background(), record.Open(root, "ArcFace"), Options{
		Root:       root,
		Extensions: testExtensions,
		Live: func(archiveDir, identity string, embedding []float32) {
			if archiveDir != root {
				t.Errorf("archiveDir = %q, want %q", archiveDir, root)
			}
			live = append(live, filepath.Base(identity))
		},
		OnProgress: func(p Progress) { states = append(states, p.State) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(live, []string{"a.jpg", "b.jpg"}) {
		t.Errorf("live hook saw %v", live)
	}
	if len(states) == 0 || states[0] != StateWalking || !slices.Contains(states, StateDone) {
		t.Errorf("progress states = %v", states)
	}
}

func TestScan_MissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing")
	_, err := New(&fakeEmbedder{}, logr.Discard()).Scan(context.Background(), record.Open(t.TempDir(), "ArcFace"), Options{Root: root, Extensions: testExtensions})
	if err == nil {
		t.Error("Scan() of missing root should fail")
	}
}
