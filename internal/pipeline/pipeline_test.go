package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docmill/docmill/internal/analysis"
	"github.com/docmill/docmill/internal/cache"
	"github.com/docmill/docmill/internal/job"
	"github.com/docmill/docmill/internal/storage"
)

const goodResponse = `DOCMILL/1
CATEGORY: technical
CONFIDENCE: 0.9
OUTLINE:
- 1 | Introduction | 0 | 0 | 10
RATIONALE: Reads like product documentation.
`

type fakeBackend struct {
	mu      sync.Mutex
	prompts []string
	respond func(prompt string) (string, error)
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Invoke(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.respond(prompt)
}

func (f *fakeBackend) MaxInputSize() int { return 1 << 20 }

func (f *fakeBackend) DefaultTimeout(inputLen int) time.Duration { return time.Second }

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type testEnv struct {
	coord   *Coordinator
	backend *fakeBackend
	store   *storage.Store
	input   string
}

func newTestEnv(t *testing.T, content string, respond func(string) (string, error)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	c, err := cache.Open(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	input := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(input, []byte(content), 0o644); err != nil {
		t.Fatalf("writing input: %v", err)
	}

	if respond == nil {
		respond = func(string) (string, error) { return goodResponse, nil }
	}
	b := &fakeBackend{respond: respond}
	return &testEnv{coord: New(c, store, b), backend: b, store: store, input: input}
}

// multiSegmentText is long enough to split into several segments with
// MaxSegmentSize 100: blank-line boundaries sit near each cut target.
func multiSegmentText() string {
	return strings.Repeat("a", 95) + "\n\n" + strings.Repeat("b", 95) + "\n\n" + strings.Repeat("c", 50)
}

func smallOptions() Options {
	return Options{MaxSegmentSize: 100, OverlapSize: 10}
}

func TestProcessFullPipeline(t *testing.T) {
	env := newTestEnv(t, "# Guide\n\nShort technical document body.\n", nil)

	res, err := env.coord.Process(context.Background(), env.input, Options{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.StageDone != StageGenerate {
		t.Errorf("StageDone = %s", res.StageDone)
	}
	if res.Analysis == nil || res.Analysis.Category != "technical" {
		t.Fatalf("analysis = %+v", res.Analysis)
	}
	if res.Title != "Guide" {
		t.Errorf("Title = %q", res.Title)
	}
	if !strings.Contains(res.Output, "Category: technical") {
		t.Errorf("output missing category:\n%s", res.Output)
	}

	// classify + one enhance unit
	if env.backend.calls() != 2 {
		t.Errorf("backend calls = %d, want 2", env.backend.calls())
	}

	doc, err := env.store.GetDocument(res.Fingerprint)
	if err != nil {
		t.Fatalf("catalog row: %v", err)
	}
	if doc.Category != "technical" || doc.Segments != 1 {
		t.Errorf("catalog doc = %+v", doc)
	}
	runs, err := env.store.GetRunsForDocument(res.Fingerprint)
	if err != nil || len(runs) != 1 || runs[0].Status != "completed" {
		t.Errorf("runs = %+v, err = %v", runs, err)
	}
}

func TestSecondRunServedFromCache(t *testing.T) {
	env := newTestEnv(t, "Some short document text.", nil)

	if _, err := env.coord.Process(context.Background(), env.input, Options{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := env.backend.calls()

	res, err := env.coord.Process(context.Background(), env.input, Options{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if env.backend.calls() != before {
		t.Errorf("backend calls grew from %d to %d on cached run", before, env.backend.calls())
	}
	for _, stage := range []Stage{StageExtract, StageClassify, StageSegment, StageEnhance, StageGenerate} {
		if !res.FromCache[stage] {
			t.Errorf("stage %s not served from cache", stage)
		}
	}
	if res.Analysis == nil || res.Analysis.Category != "technical" {
		t.Errorf("cached analysis = %+v", res.Analysis)
	}
}

func TestConfigMismatchRecomputes(t *testing.T) {
	env := newTestEnv(t, multiSegmentText(), nil)

	if _, err := env.coord.Process(context.Background(), env.input, smallOptions()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	opts := smallOptions()
	opts.MaxSegmentSize = 120
	res, err := env.coord.Process(context.Background(), env.input, opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.FromCache[StageSegment] {
		t.Error("segment stage reused despite changed MaxSegmentSize")
	}
	if !res.FromCache[StageExtract] {
		t.Error("extract stage recomputed although its config is unchanged")
	}
}

func TestForceFromRecomputes(t *testing.T) {
	env := newTestEnv(t, "Some short document text.", nil)

	if _, err := env.coord.Process(context.Background(), env.input, Options{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := env.backend.calls()

	res, err := env.coord.Process(context.Background(), env.input, Options{ForceFrom: StageEnhance})
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if res.FromCache[StageEnhance] {
		t.Error("enhance stage reused despite force")
	}
	if !res.FromCache[StageSegment] {
		t.Error("segment stage not reused before the forced stage")
	}
	if env.backend.calls() != before+1 {
		t.Errorf("backend calls = %d, want %d (one re-enhanced unit)", env.backend.calls(), before+1)
	}
}

func TestForceFromWithoutPriorArtifacts(t *testing.T) {
	env := newTestEnv(t, "text", nil)

	_, err := env.coord.Process(context.Background(), env.input, Options{ForceFrom: StageSegment})
	if !errors.Is(err, ErrMissingDependency) {
		t.Errorf("err = %v, want ErrMissingDependency", err)
	}
}

func TestZeroLengthInput(t *testing.T) {
	env := newTestEnv(t, "", nil)

	res, err := env.coord.Process(context.Background(), env.input, Options{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Analysis == nil || res.Analysis.Category != "uncategorized" {
		t.Errorf("analysis = %+v", res.Analysis)
	}
	if env.backend.calls() != 0 {
		t.Errorf("backend invoked %d times for empty input", env.backend.calls())
	}
}

func TestMissingInputFile(t *testing.T) {
	env := newTestEnv(t, "x", nil)
	if _, err := env.coord.Process(context.Background(), filepath.Join(t.TempDir(), "absent.txt"), Options{}); err == nil {
		t.Error("expected error for missing input")
	}
}

func TestPartialFailureProducesBestEffortAnalysis(t *testing.T) {
	failSecond := func(prompt string) (string, error) {
		if strings.Contains(prompt, "Analyze segment 2") {
			return "", errors.New("connection refused")
		}
		return goodResponse, nil
	}
	env := newTestEnv(t, multiSegmentText(), failSecond)

	res, err := env.coord.Process(context.Background(), env.input, smallOptions())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Analysis == nil || res.Analysis.Category != "technical" {
		t.Fatalf("analysis = %+v", res.Analysis)
	}
	if len(res.FailedUnits) != 1 {
		t.Fatalf("FailedUnits = %v, want exactly unit 2", res.FailedUnits)
	}
	if _, ok := res.FailedUnits[2]; !ok {
		t.Errorf("FailedUnits = %v, want unit 2", res.FailedUnits)
	}
	if !strings.Contains(res.Output, "Units needing retry") {
		t.Errorf("output missing failure report:\n%s", res.Output)
	}
}

func TestOutlineEntriesShiftedToDocumentCoordinates(t *testing.T) {
	outline := func(title string, start, end int) string {
		return fmt.Sprintf("DOCMILL/1\nCATEGORY: technical\nCONFIDENCE: 0.9\nOUTLINE:\n- 1 | %s | 0 | %d | %d\n", title, start, end)
	}
	respond := func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Analyze segment 1"):
			return outline("Alpha", 50, 60), nil
		case strings.Contains(prompt, "Analyze segment 2"):
			return outline("Beta", 5, 15), nil
		case strings.Contains(prompt, "Analyze segment 3"):
			return outline("Gamma", 1, 9), nil
		}
		return goodResponse, nil
	}
	env := newTestEnv(t, multiSegmentText(), respond)

	res, err := env.coord.Process(context.Background(), env.input, smallOptions())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Analysis == nil {
		t.Fatal("no analysis produced")
	}
	// Segment cores are [0,97), [97,194) and [194,244): each backend
	// response reports offsets relative to its own segment text, so the
	// merged outline must come back shifted and in document order.
	want := []analysis.StructuralEntry{
		{Level: 1, Title: "Alpha", CharStart: 50, CharEnd: 60},
		{Level: 1, Title: "Beta", CharStart: 102, CharEnd: 112},
		{Level: 1, Title: "Gamma", CharStart: 195, CharEnd: 203},
	}
	if !reflect.DeepEqual(res.Analysis.StructuralEntries, want) {
		t.Fatalf("StructuralEntries = %+v, want %+v", res.Analysis.StructuralEntries, want)
	}
}

func TestOutlineKeepsLateEntriesWhenEarlierUnitFails(t *testing.T) {
	respond := func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Analyze segment 2"):
			return "", errors.New("connection refused")
		case strings.Contains(prompt, "Analyze segment 3"):
			return "DOCMILL/1\nCATEGORY: technical\nCONFIDENCE: 0.9\nOUTLINE:\n- 1 | Appendix | 0 | 10 | 40\n", nil
		}
		return goodResponse, nil
	}
	env := newTestEnv(t, multiSegmentText(), respond)

	res, err := env.coord.Process(context.Background(), env.input, smallOptions())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	// The entry from segment 3 sits at document offset 204..234, past the
	// summed size of the two successful segments; it must still survive the
	// merge because bounds come from the full document length.
	var titles []string
	for _, e := range res.Analysis.StructuralEntries {
		titles = append(titles, e.Title)
	}
	if !reflect.DeepEqual(titles, []string{"Introduction", "Appendix"}) {
		t.Fatalf("outline titles = %v", titles)
	}
	last := res.Analysis.StructuralEntries[len(res.Analysis.StructuralEntries)-1]
	if last.CharStart != 204 || last.CharEnd != 234 {
		t.Errorf("Appendix range = [%d,%d), want [204,234)", last.CharStart, last.CharEnd)
	}
}

func TestRetryFailedReprocessesOnlyFailedUnits(t *testing.T) {
	failing := true
	respond := func(prompt string) (string, error) {
		if failing && strings.Contains(prompt, "Analyze segment 2") {
			return "", errors.New("connection refused")
		}
		return goodResponse, nil
	}
	env := newTestEnv(t, multiSegmentText(), respond)

	if _, err := env.coord.Process(context.Background(), env.input, smallOptions()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	failing = false
	before := env.backend.calls()

	opts := smallOptions()
	opts.Mode = job.ModeRetryFailed
	res, err := env.coord.Process(context.Background(), env.input, opts)
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if len(res.FailedUnits) != 0 {
		t.Errorf("FailedUnits = %v after retry", res.FailedUnits)
	}
	// exactly one backend call: the previously failed unit
	if env.backend.calls() != before+1 {
		t.Errorf("backend calls = %d, want %d", env.backend.calls(), before+1)
	}
}

func TestMalformedResponsesRecordedPerUnit(t *testing.T) {
	env := newTestEnv(t, multiSegmentText(), func(prompt string) (string, error) {
		if strings.Contains(prompt, "Analyze segment") {
			return "sure, here are my thoughts in prose", nil
		}
		return goodResponse, nil
	})

	res, err := env.coord.Process(context.Background(), env.input, smallOptions())
	if err == nil {
		t.Fatal("expected fatal aggregation error when every unit is malformed")
	}
	if !errors.Is(err, analysis.ErrNoAnalyses) {
		t.Errorf("err = %v, want ErrNoAnalyses", err)
	}
	if res != nil && res.StageDone == StageGenerate {
		t.Errorf("generate stage should not complete: %+v", res)
	}
}

func TestCancellationLeavesRecordedProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	respond := func(prompt string) (string, error) {
		if strings.Contains(prompt, "Analyze segment 2") {
			cancel()
			return "", context.Canceled
		}
		return goodResponse, nil
	}
	env := newTestEnv(t, multiSegmentText(), respond)

	opts := smallOptions()
	opts.Workers = 1
	if _, err := env.coord.Process(ctx, env.input, opts); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	callsAfterCancel := env.backend.calls()

	// Resume with a healthy backend: unit 1 must not be recomputed.
	res, err := env.coord.Process(context.Background(), env.input, opts)
	if err != nil {
		t.Fatalf("resume run: %v", err)
	}
	if res.Analysis == nil {
		t.Fatal("no analysis after resume")
	}
	// classify is cached; remaining enhance units ran once each
	ran := env.backend.calls() - callsAfterCancel
	if ran >= res.Analysis.SegmentCount+1 {
		t.Errorf("resume ran %d backend calls for %d total units; completed work was redone",
			ran, res.Analysis.SegmentCount)
	}
}

func TestUnknownStageRejected(t *testing.T) {
	env := newTestEnv(t, "x", nil)
	if _, err := env.coord.Process(context.Background(), env.input, Options{ToStage: Stage("compress")}); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("err = %v, want ErrUnknownStage", err)
	}
	if _, err := ParseStage("segment"); err != nil {
		t.Errorf("ParseStage(segment) err = %v", err)
	}
	if _, err := ParseStage("nope"); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("err = %v, want ErrUnknownStage", err)
	}
}

func TestToStageStopsEarly(t *testing.T) {
	env := newTestEnv(t, "Some text.", nil)

	res, err := env.coord.Process(context.Background(), env.input, Options{ToStage: StageSegment})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.StageDone != StageSegment {
		t.Errorf("StageDone = %s", res.StageDone)
	}
	if res.Analysis != nil {
		t.Error("analysis produced before generate stage")
	}
	// only the classify call
	if env.backend.calls() != 1 {
		t.Errorf("backend calls = %d, want 1", env.backend.calls())
	}
}
