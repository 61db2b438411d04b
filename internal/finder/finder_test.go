package finder

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/ledger"
	"github.com/kozaktomas/face-finder/internal/record"
)

// fakeEmbedder maps file base names to vectors. Unknown names fail like a
// photo without a face. A name listed in panicOn makes Embed panic.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	panicOn string
	block   chan struct{}
	started chan struct{}
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, path string) ([]float32, error) {
	name := filepath.Base(path)
	if f.block != nil {
		f.started <- struct{}{}
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if name == f.panicOn {
		panic("embedding backend crashed")
	}
	if v, ok := f.vectors[name]; ok {
		return v, nil
	}
	return nil, errors.New("no face detected")
}

type fixture struct {
	archive string
	refs    string
	output  string
	cfg     config.FinderConfig
}

func newFixture(t *testing.T, archiveFiles ...string) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		archive: filepath.Join(root, "archive"),
		refs:    filepath.Join(root, "refs"),
		output:  filepath.Join(root, "out"),
	}
	for _, dir := range []string{f.archive, f.refs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range archiveFiles {
		if err := os.WriteFile(filepath.Join(f.archive, name), []byte(name), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(f.refs, "ref.jpg"), []byte("ref"), 0o600); err != nil {
		t.Fatal(err)
	}

	f.cfg = config.Defaults().Finder
	f.cfg.Archives = []string{f.archive}
	f.cfg.OutputDir = f.output
	f.cfg.People = []config.Person{{Name: "Alice", References: []string{filepath.Join(f.refs, "ref.jpg")}}}
	return f
}

func scenarioEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{
		"A.jpg":   {1, 0},
		"B.jpg":   {0, 1},
		"ref.jpg": {1, 0},
	}}
}

func TestRun_ScenarioSelfMatchOnly(t *testing.T) {
	f := newFixture(t, "A.jpg", "B.jpg", "C.jpg")
	f.cfg.MaxDistance = 0.1
	runner := New(scenarioEmbedder(), logr.Discard())

	rep, err := runner.Run(context.Background(), Request{Mode: config.ModeFind, Config: f.cfg})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Hits() != 0 {
		t.Errorf("Hits() = %d, want 0 (self-match must not be copied)", rep.Hits())
	}
	if len(rep.References) != 1 || !rep.References[0].SelfMatchOnly || rep.References[0].SelfMatches != 1 {
		t.Errorf("reference report = %+v, want self-match only", rep.References)
	}
	if _, err := os.Stat(filepath.Join(f.output, "Alice", "A.jpg")); !os.IsNotExist(err) {
		t.Error("self-match was copied to the output directory")
	}
	if len(rep.Archives) != 1 || rep.Archives[0].OK != 2 || rep.Archives[0].Failed != 1 {
		t.Errorf("archive result = %+v", rep.Archives)
	}

	rep, err = runner.Run(context.Background(), Request{Mode: config.ModeNearest, Config: f.cfg})
	if err != nil {
		t.Fatalf("nearest Run() error = %v", err)
	}
	nearest := rep.References[0].Nearest
	if nearest == nil || filepath.Base(nearest.Identity) != "B.jpg" || math.Abs(nearest.Distance-1) > 1e-9 {
		t.Errorf("Nearest = %+v, want B.jpg at 1.0", nearest)
	}
}

func TestRun_NearestApprox(t *testing.T) {
	f := newFixture(t, "A.jpg", "B.jpg", "C.jpg")
	runner := New(scenarioEmbedder(), logr.Discard())
	if _, err := runner.Run(context.Background(), Request{Mode: config.ModeIndex, Config: f.cfg}); err != nil {
		t.Fatal(err)
	}

	rep, err := runner.Run(context.Background(), Request{Mode: config.ModeNearest, Config: f.cfg, Approx: true})
	if err != nil {
		t.Fatal(err)
	}
	if n := rep.References[0].Nearest; n == nil || filepath.Base(n.Identity) != "B.jpg" {
		t.Errorf("approximate Nearest = %+v, want B.jpg", n)
	}
}

func TestRun_FindCopiesLiveOnce(t *testing.T) {
	f := newFixture(t, "near.jpg", "far.jpg")
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"near.jpg": {1, 0.05},
		"far.jpg":  {0, 1},
		"ref.jpg":  {1, 0},
	}}
	runner := New(emb, logr.Discard())

	var hits []ledger.Hit
	var done bool
	rep, err := runner.Run(context.Background(), Request{
		Mode:   config.ModeFind,
		Config: f.cfg,
		OnEvent: func(e Event) {
			switch e.Type {
			case EventHit:
				hits = append(hits, *e.Hit)
			case EventDone:
				done = true
			}
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.LiveHits != 1 || rep.SweepHits != 0 {
		t.Errorf("LiveHits = %d, SweepHits = %d; want 1, 0", rep.LiveHits, rep.SweepHits)
	}
	if len(hits) != 1 || filepath.Base(hits[0].Identity) != "near.jpg" || !done {
		t.Errorf("events: hits = %+v, done = %v", hits, done)
	}
	if _, err := os.Stat(filepath.Join(f.output, "Alice", "near.jpg")); err != nil {
		t.Errorf("hit not copied: %v", err)
	}

	// Second run: nothing new to index and the ledger already holds the hit.
	rep, err = runner.Run(context.Background(), Request{Mode: config.ModeFind, Config: f.cfg})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Hits() != 0 || rep.Archives[0].Processed != 0 {
		t.Errorf("second run report = %+v", rep)
	}
	rows, err := ledger.Read(filepath.Join(f.output, f.cfg.HitsLogName))
	if err != nil || len(rows) != 1 {
		t.Errorf("ledger rows = %d, %v; want 1", len(rows), err)
	}
}

func TestRun_SweepAfterIndex(t *testing.T) {
	f := newFixture(t, "near.jpg", "far.jpg")
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"near.jpg": {1, 0.05},
		"far.jpg":  {0, 1},
		"ref.jpg":  {1, 0},
	}}
	runner := New(emb, logr.Discard())

	indexCfg := f.cfg
	indexCfg.People = nil
	rep, err := runner.Run(context.Background(), Request{Mode: config.ModeIndex, Config: indexCfg})
	if err != nil {
		t.Fatalf("index Run() error = %v", err)
	}
	if rep.Hits() != 0 || rep.Archives[0].Processed != 2 {
		t.Errorf("index report = %+v", rep)
	}

	callsBefore := emb.calls
	rep, err = runner.Run(context.Background(), Request{Mode: config.ModeSweep, Config: f.cfg})
	if err != nil {
		t.Fatalf("sweep Run() error = %v", err)
	}
	if rep.SweepHits != 1 || rep.Records != 2 {
		t.Errorf("sweep report = %+v", rep)
	}
	if emb.calls != callsBefore+1 {
		t.Errorf("sweep embedded %d files, want only the reference", emb.calls-callsBefore)
	}
	if _, err := os.Stat(filepath.Join(f.output, "Alice", "near.jpg")); err != nil {
		t.Errorf("hit not copied: %v", err)
	}
}

func TestRun_ConfigurationError(t *testing.T) {
	f := newFixture(t)
	f.cfg.Archives = nil
	emb := scenarioEmbedder()

	_, err := New(emb, logr.Discard()).Run(context.Background(), Request{Mode: config.ModeFind, Config: f.cfg})
	if !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
	if emb.calls != 0 {
		t.Errorf("work started before validation: %d embed calls", emb.calls)
	}
}

func TestRun_NoUsableReference(t *testing.T) {
	f := newFixture(t, "A.jpg")
	emb := &fakeEmbedder{vectors: map[string][]float32{"A.jpg": {1, 0}}}

	rep, err := New(emb, logr.Discard()).Run(context.Background(), Request{Mode: config.ModeFind, Config: f.cfg})
	if !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
	if rep == nil || len(rep.References) != 1 || rep.References[0].Error == "" {
		t.Errorf("report should describe the failed reference: %+v", rep)
	}
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, "A.jpg")
	emb := scenarioEmbedder()
	emb.block = make(chan struct{})
	emb.started = make(chan struct{}, 10)
	runner := New(emb, logr.Discard())

	errCh := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), Request{Mode: config.ModeIndex, Config: f.cfg})
		errCh <- err
	}()
	<-emb.started

	if !runner.Running() {
		t.Error("Running() = false during a run")
	}
	if _, err := runner.Run(context.Background(), Request{Mode: config.ModeIndex, Config: f.cfg}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second Run() error = %v, want ErrRunInProgress", err)
	}

	close(emb.block)
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("first Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not finish")
	}
	if runner.Running() {
		t.Error("Running() = true after the run finished")
	}
}

func TestRun_CancelStopsAndPersists(t *testing.T) {
	f := newFixture(t, "A.jpg", "B.jpg", "C.jpg")
	emb := scenarioEmbedder()
	emb.block = make(chan struct{})
	emb.started = make(chan struct{}, 10)
	runner := New(emb, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		rep *Report
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		rep, err := runner.Run(ctx, Request{Mode: config.ModeFind, Config: f.cfg})
		resCh <- result{rep, err}
	}()

	<-emb.started // reference
	emb.block <- struct{}{}
	<-emb.started // A.jpg
	emb.block <- struct{}{}
	<-emb.started // B.jpg, cancelled while embedding
	cancel()

	res := <-resCh
	if res.err != nil {
		t.Fatalf("Run() error = %v", res.err)
	}
	if !res.rep.Cancelled || res.rep.SweepHits != 0 {
		t.Errorf("report = %+v, want cancelled without sweep", res.rep)
	}

	store := record.Load(record.PathFor(f.archive, f.cfg.Model), logr.Discard())
	if len(store.Records) != 1 || filepath.Base(store.Records[0].Identity) != "A.jpg" {
		t.Errorf("persisted records = %+v, want only A.jpg", store.Records)
	}
}

func TestRun_PanicCheckpointsAndReportsFatal(t *testing.T) {
	f := newFixture(t, "A.jpg", "B.jpg", "C.jpg")
	emb := scenarioEmbedder()
	emb.panicOn = "C.jpg"
	runner := New(emb, logr.Discard())

	var messages []string
	_, err := runner.Run(context.Background(), Request{
		Mode:    config.ModeIndex,
		Config:  f.cfg,
		OnEvent: func(e Event) { messages = append(messages, e.Message) },
	})
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
	if runner.Running() {
		t.Error("run-in-progress flag not cleared after panic")
	}

	store := record.Load(record.PathFor(f.archive, f.cfg.Model), logr.Discard())
	if len(store.Records) != 2 {
		t.Errorf("persisted %d records, want 2 written before the crash", len(store.Records))
	}
	if len(messages) == 0 {
		t.Error("no status emitted for the fatal error")
	}
}

func TestRun_MissingReferenceSkipped(t *testing.T) {
	f := newFixture(t, "near.jpg", "far.jpg")
	gone := filepath.Join(f.refs, "moved-away.jpg")
	f.cfg.People = []config.Person{{Name: "Alice", References: []string{filepath.Join(f.refs, "ref.jpg"), gone}}}
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"near.jpg": {1, 0.05},
		"far.jpg":  {0, 1},
		"ref.jpg":  {1, 0},
	}}

	rep, err := New(emb, logr.Discard()).Run(context.Background(), Request{Mode: config.ModeFind, Config: f.cfg})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Archives[0].Processed != 2 || rep.LiveHits != 1 {
		t.Errorf("report = %+v, want both files indexed and one live hit", rep)
	}
	var skipped *ReferenceReport
	for i := range rep.References {
		if rep.References[i].Reference == gone {
			skipped = &rep.References[i]
		}
	}
	if skipped == nil || skipped.Person != "Alice" || skipped.Error == "" {
		t.Errorf("missing reference not reported: %+v", rep.References)
	}
	if len(rep.References) != 2 {
		t.Errorf("got %d reference reports, want 2", len(rep.References))
	}
}

func TestRun_OnlyMissingReferences(t *testing.T) {
	f := newFixture(t, "A.jpg")
	f.cfg.People = []config.Person{{Name: "Alice", References: []string{filepath.Join(f.refs, "moved-away.jpg")}}}
	emb := scenarioEmbedder()

	rep, err := New(emb, logr.Discard()).Run(context.Background(), Request{Mode: config.ModeFind, Config: f.cfg})
	if !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
	if rep == nil || len(rep.References) != 1 || rep.References[0].Error == "" {
		t.Errorf("report should describe the missing reference: %+v", rep)
	}
	if emb.calls != 0 {
		t.Errorf("embedded %d files, want none", emb.calls)
	}
}

func TestRun_DoneEventCarriesDuration(t *testing.T) {
	f := newFixture(t, "A.jpg")
	runner := New(scenarioEmbedder(), logr.Discard())
	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	runner.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	var atDone time.Duration
	rep, err := runner.Run(context.Background(), Request{
		Mode:   config.ModeIndex,
		Config: f.cfg,
		OnEvent: func(e Event) {
			if e.Type == EventDone {
				atDone = e.Report.Duration
			}
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if atDone <= 0 {
		t.Errorf("done event Duration = %v, want > 0", atDone)
	}
	if rep.Duration != atDone {
		t.Errorf("report Duration changed after the done event: %v, then %v", atDone, rep.Duration)
	}
}

func TestRun_SameBaseNameCountedOnce(t *testing.T) {
	f := newFixture(t)
	for _, dir := range []string{"2019", "2020"} {
		if err := os.MkdirAll(filepath.Join(f.archive, dir), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(f.archive, dir, "IMG_0001.jpg"), []byte("photo from "+dir), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"IMG_0001.jpg": {1, 0.05},
		"ref.jpg":      {1, 0},
	}}

	rep, err := New(emb, logr.Discard()).Run(context.Background(), Request{Mode: config.ModeFind, Config: f.cfg})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Hits() != 1 {
		t.Errorf("Hits() = %d, want 1 (second file was not copied)", rep.Hits())
	}
	data, err := os.ReadFile(filepath.Join(f.output, "Alice", "IMG_0001.jpg"))
	if err != nil || string(data) != "photo from 2019" {
		t.Errorf("copy = %q, %v; want the 2019 photo", data, err)
	}
	rows, err := ledger.Read(filepath.Join(f.output, f.cfg.HitsLogName))
	if err != nil || len(rows) != 2 {
		t.Errorf("ledger rows = %d, %v; want 2", len(rows), err)
	}
}
