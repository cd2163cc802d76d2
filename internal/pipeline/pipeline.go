// Package pipeline sequences the document processing stages
// (extract → classify → segment → enhance → generate), consulting the
// stage cache before recomputing each stage.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docmill/docmill/internal/analysis"
	"github.com/docmill/docmill/internal/backend"
	"github.com/docmill/docmill/internal/cache"
	"github.com/docmill/docmill/internal/extract"
	"github.com/docmill/docmill/internal/job"
	"github.com/docmill/docmill/internal/segment"
	"github.com/docmill/docmill/internal/storage"
)

// Stage identifies one pipeline stage. Stages run in declaration order.
type Stage string

const (
	StageExtract  Stage = "extract"
	StageClassify Stage = "classify"
	StageSegment  Stage = "segment"
	StageEnhance  Stage = "enhance"
	StageGenerate Stage = "generate"
)

var stageOrder = []Stage{StageExtract, StageClassify, StageSegment, StageEnhance, StageGenerate}

// ErrMissingDependency indicates a stage needed a prior stage's artifact
// that is not in the cache. Earlier stages are never silently recomputed.
var ErrMissingDependency = errors.New("missing prior stage artifact")

// ErrUnknownStage indicates a stage name outside the pipeline's order.
var ErrUnknownStage = errors.New("unknown stage")

func stageIndex(s Stage) int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseStage validates a user supplied stage name.
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if stageIndex(s) < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	return s, nil
}

// Catalog is the slice of the document store the coordinator needs.
type Catalog interface {
	SaveDocument(storage.Document) error
	StartRun(storage.Run) error
	FinishRun(id, stage, status, errMsg string) error
}

// Backend is the slice of a backend provider the coordinator needs.
type Backend interface {
	Name() string
	Invoke(ctx context.Context, prompt string, timeout time.Duration) (string, error)
	MaxInputSize() int
	DefaultTimeout(inputLen int) time.Duration
}

// Options control one Process invocation.
type Options struct {
	ToStage        Stage    // run up to and including this stage; default generate
	ForceFrom      Stage    // recompute from this stage onward; "" = reuse cache
	Mode           job.Mode // enhance-unit selection; default resume
	Workers        int      // enhance worker pool size; default 1
	MaxSegmentSize int
	OverlapSize    int
	ClassifyPrefix int // characters of document head used for classification
	Merge          analysis.MergeConfig
}

func (o Options) withDefaults() Options {
	if o.ToStage == "" {
		o.ToStage = StageGenerate
	}
	if o.Mode == "" {
		o.Mode = job.ModeResume
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxSegmentSize <= 0 {
		o.MaxSegmentSize = 400000
	}
	if o.OverlapSize < 0 {
		o.OverlapSize = 0
	}
	if o.ClassifyPrefix <= 0 {
		o.ClassifyPrefix = 6000
	}
	if o.Merge == (analysis.MergeConfig{}) {
		o.Merge = analysis.DefaultMergeConfig()
	}
	return o
}

// Result is what one Process invocation produced.
type Result struct {
	Fingerprint string
	Title       string
	StageDone   Stage
	FromCache   map[Stage]bool
	Analysis    *analysis.DocumentAnalysis
	FailedUnits map[int]string // unit id → last error, retryable
	Output      string         // rendered document report (generate stage)
}

// Coordinator wires the cache, catalog and backend into the stage sequence.
type Coordinator struct {
	cache   *cache.Cache
	catalog Catalog
	backend Backend
	logger  *slog.Logger
}

// New creates a Coordinator. catalog may be nil when no persistence of
// document summaries is wanted (e.g. cache-only tooling).
func New(c *cache.Cache, catalog Catalog, b Backend) *Coordinator {
	return &Coordinator{
		cache:   c,
		catalog: catalog,
		backend: b,
		logger:  slog.Default(),
	}
}

// stage payloads, stored inside the artifact envelope

type extractPayload struct {
	Title        string                     `json:"title"`
	SourcePath   string                     `json:"source_path"`
	FullText     string                     `json:"full_text"`
	OutlineHints []analysis.StructuralEntry `json:"outline_hints,omitempty"`
	Pages        int                        `json:"pages"`
}

type segmentPayload struct {
	Segments []segment.Segment `json:"segments"`
}

type enhancePayload struct {
	Analyses []analysis.SegmentAnalysis `json:"analyses"`
	Failed   map[int]string             `json:"failed,omitempty"`
}

type generatePayload struct {
	Analysis analysis.DocumentAnalysis `json:"analysis"`
	Output   string                    `json:"output"`
}

// per-stage cache configs; a stored artifact is reused only when its
// config matches the current request

type extractConfig struct {
	Version int `json:"version"`
}

type classifyConfig struct {
	Provider   string `json:"provider"`
	PrefixSize int    `json:"prefix_size"`
	Protocol   string `json:"protocol"`
}

type segmentConfig struct {
	MaxSegmentSize int `json:"max_segment_size"`
	OverlapSize    int `json:"overlap_size"`
}

type enhanceConfig struct {
	Provider string `json:"provider"`
	Protocol string `json:"protocol"`
}

// runState carries stage outputs through one invocation.
type runState struct {
	source      extractPayload
	preliminary analysis.SegmentAnalysis
	segments    []segment.Segment
	enhanced    enhancePayload
	generated   generatePayload
}

// Process runs the pipeline for the file at path. Stage artifacts are
// reused when cached with a matching config; ForceFrom recomputes from
// that stage onward while stages before it must already be cached.
func (c *Coordinator) Process(ctx context.Context, path string, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if stageIndex(opts.ToStage) < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, opts.ToStage)
	}
	if opts.ForceFrom != "" && stageIndex(opts.ForceFrom) < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, opts.ForceFrom)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading input %s: %w", path, err)
	}
	fp := cache.Fingerprint(data)

	res := &Result{
		Fingerprint: fp,
		FromCache:   make(map[Stage]bool),
	}

	runID := uuid.New().String()
	if c.catalog != nil {
		if err := c.catalog.StartRun(storage.Run{ID: runID, Fingerprint: fp, Stage: string(StageExtract)}); err != nil {
			return nil, fmt.Errorf("recording run: %w", err)
		}
	}

	runErr := c.run(ctx, path, fp, opts, res)
	if c.catalog != nil {
		status, errMsg := "completed", ""
		if runErr != nil {
			status, errMsg = "failed", runErr.Error()
		}
		if err := c.catalog.FinishRun(runID, string(res.StageDone), status, errMsg); err != nil {
			c.logger.Warn("finishing run record failed", "run_id", runID, "error", err)
		}
	}
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

func (c *Coordinator) run(ctx context.Context, path, fp string, opts Options, res *Result) error {
	var state runState

	forceIdx := -1
	if opts.ForceFrom != "" {
		forceIdx = stageIndex(opts.ForceFrom)
	}
	toIdx := stageIndex(opts.ToStage)

	// Once any stage recomputes, every later stage's cached artifact is
	// stale (same fingerprint and config, different upstream payload), so
	// recomputation cascades to the end of the run.
	recomputed := false

	for idx, stage := range stageOrder {
		if idx > toIdx {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		cfg := c.stageConfig(stage, opts)
		forced := recomputed || (forceIdx >= 0 && idx >= forceIdx)
		// retry-failed always re-enters the enhance stage so the tracker
		// can pick up exactly the failed units.
		if stage == StageEnhance && opts.Mode == job.ModeRetryFailed {
			forced = true
		}

		if !forced {
			art, err := c.cache.Load(string(stage), fp)
			if err == nil && art.ConfigMatches(cfg) {
				if err := state.restore(stage, art.Payload); err != nil {
					c.logger.Warn("cached artifact unusable, recomputing", "stage", stage, "error", err)
				} else {
					res.FromCache[stage] = true
					res.StageDone = stage
					c.logger.Debug("stage cached", "stage", stage, "fingerprint", shortFP(fp))
					continue
				}
			}
			// Stages before a forced stage must come from the cache.
			if forceIdx >= 0 && idx < forceIdx {
				return fmt.Errorf("stage %s: %w", stage, ErrMissingDependency)
			}
		}

		start := time.Now()
		if err := c.compute(ctx, stage, path, fp, opts, &state); err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
		if _, err := c.cache.Save(string(stage), fp, cfg, state.payload(stage)); err != nil {
			return fmt.Errorf("stage %s: caching artifact: %w", stage, err)
		}
		recomputed = true
		res.StageDone = stage
		c.logger.Debug("stage computed", "stage", stage, "fingerprint", shortFP(fp), "elapsed", time.Since(start))
	}

	res.Title = state.source.Title
	if stageIndex(res.StageDone) >= stageIndex(StageEnhance) {
		res.FailedUnits = state.enhanced.Failed
	}
	if res.StageDone == StageGenerate {
		res.Analysis = &state.generated.Analysis
		res.Output = state.generated.Output
	}
	return nil
}

func (c *Coordinator) stageConfig(stage Stage, opts Options) any {
	switch stage {
	case StageExtract:
		return extractConfig{Version: 1}
	case StageClassify:
		return classifyConfig{Provider: c.backend.Name(), PrefixSize: opts.ClassifyPrefix, Protocol: analysis.ProtocolVersion}
	case StageSegment:
		return segmentConfig{MaxSegmentSize: opts.MaxSegmentSize, OverlapSize: opts.OverlapSize}
	case StageEnhance:
		return enhanceConfig{Provider: c.backend.Name(), Protocol: analysis.ProtocolVersion}
	case StageGenerate:
		return opts.Merge
	}
	return nil
}

func (s *runState) restore(stage Stage, payload json.RawMessage) error {
	switch stage {
	case StageExtract:
		return json.Unmarshal(payload, &s.source)
	case StageClassify:
		return json.Unmarshal(payload, &s.preliminary)
	case StageSegment:
		var p segmentPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		s.segments = p.Segments
		return nil
	case StageEnhance:
		return json.Unmarshal(payload, &s.enhanced)
	case StageGenerate:
		return json.Unmarshal(payload, &s.generated)
	}
	return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
}

func (s *runState) payload(stage Stage) any {
	switch stage {
	case StageExtract:
		return s.source
	case StageClassify:
		return s.preliminary
	case StageSegment:
		return segmentPayload{Segments: s.segments}
	case StageEnhance:
		return s.enhanced
	case StageGenerate:
		return s.generated
	}
	return nil
}

func (c *Coordinator) compute(ctx context.Context, stage Stage, path, fp string, opts Options, state *runState) error {
	switch stage {
	case StageExtract:
		src, err := extract.FromFile(path)
		if err != nil {
			return err
		}
		state.source = extractPayload{
			Title:        documentTitle(src, path),
			SourcePath:   path,
			FullText:     src.FullText,
			OutlineHints: src.OutlineHints,
			Pages:        src.Pages,
		}
		return nil

	case StageClassify:
		return c.classify(ctx, opts, state)

	case StageSegment:
		state.segments = segment.Split(state.source.FullText, segment.Options{
			MaxSegmentSize: opts.MaxSegmentSize,
			OverlapSize:    opts.OverlapSize,
			OutlineHints:   state.source.OutlineHints,
		})
		return nil

	case StageEnhance:
		return c.enhance(ctx, fp, opts, state)

	case StageGenerate:
		return c.generate(fp, opts, state)
	}
	return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
}

func (c *Coordinator) classify(ctx context.Context, opts Options, state *runState) error {
	prefix := state.source.FullText
	if len(prefix) > opts.ClassifyPrefix {
		prefix = prefix[:opts.ClassifyPrefix]
	}
	if prefix == "" {
		state.preliminary = analysis.SegmentAnalysis{SegmentID: 0, Category: "uncategorized"}
		return nil
	}

	prompt := classifyPrompt(prefix)
	raw, err := c.backend.Invoke(ctx, prompt, c.backend.DefaultTimeout(len(prompt)))
	if err != nil {
		return fmt.Errorf("classifying document head: %w", err)
	}
	parsed := analysis.ParseResponse(0, raw)
	if !parsed.Success {
		c.logger.Warn("classification response unparseable, category left preliminary-unknown")
	}
	state.preliminary = parsed
	return nil
}

func (c *Coordinator) enhance(ctx context.Context, fp string, opts Options, state *runState) error {
	if len(state.segments) == 0 {
		// Degenerate input: nothing to process, stage trivially complete.
		state.enhanced = enhancePayload{}
		return nil
	}

	tracker := job.New(c.cache, fp)
	mode := opts.Mode
	if opts.ForceFrom != "" && stageIndex(opts.ForceFrom) <= stageIndex(StageEnhance) && mode != job.ModeRetryFailed {
		mode = job.ModeFresh
	}
	if err := tracker.Start(len(state.segments), c.backend.Name(), mode); err != nil {
		return err
	}

	pending := tracker.PendingUnits(mode)
	c.logger.Info("enhancing document",
		"fingerprint", shortFP(fp),
		"units", len(state.segments),
		"pending", len(pending),
		"workers", opts.Workers,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	docLen := len(state.source.FullText)
	for _, unitID := range pending {
		seg := state.segments[unitID-1]
		g.Go(func() error {
			return c.enhanceUnit(gctx, tracker, seg, state.preliminary.Category, docLen)
		})
	}
	if err := g.Wait(); err != nil {
		// Cancellation: the last recorded unit stays persisted for resume.
		return err
	}

	analyses, err := tracker.CompletedAnalyses()
	if err != nil {
		return fmt.Errorf("collecting unit results: %w", err)
	}
	state.enhanced = enhancePayload{Analyses: analyses, Failed: tracker.FailedUnits()}
	if len(state.enhanced.Failed) > 0 {
		c.logger.Warn("enhancement finished with failed units",
			"failed", len(state.enhanced.Failed), "completed", len(analyses))
	}
	return nil
}

func (c *Coordinator) enhanceUnit(ctx context.Context, tracker *job.Tracker, seg segment.Segment, preliminaryCategory string, docLen int) error {
	prompt := enhancePrompt(seg, preliminaryCategory)
	timeout := c.backend.DefaultTimeout(len(prompt))

	start := time.Now()
	raw, err := c.backend.Invoke(ctx, prompt, timeout)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			// Process-level cancellation is not a unit failure.
			return ctx.Err()
		}
		kind := "BackendError"
		switch {
		case errors.Is(err, backend.ErrTimeout):
			kind = "BackendTimeout"
		case errors.Is(err, backend.ErrUnavailable):
			kind = "BackendUnavailable"
		}
		return tracker.RecordResult(job.Outcome{
			UnitID:  seg.Ordinal,
			ErrKind: kind,
			Detail:  err.Error(),
			Elapsed: elapsed,
		})
	}

	parsed := analysis.ParseResponse(seg.Ordinal, raw)
	if !parsed.Success {
		return tracker.RecordResult(job.Outcome{
			UnitID:  seg.Ordinal,
			ErrKind: "MalformedResponse",
			Detail:  "backend output did not follow the response protocol",
			Elapsed: elapsed,
		})
	}
	// The backend reports outline offsets relative to the segment text it
	// was shown; shift them into document coordinates and drop entries
	// that still fall outside the document.
	entries := parsed.StructuralEntries[:0]
	for _, e := range parsed.StructuralEntries {
		e.CharStart += seg.StartOffset
		e.CharEnd += seg.StartOffset
		if e.CharEnd > docLen {
			e.CharEnd = docLen
		}
		if e.Valid(docLen) {
			entries = append(entries, e)
		}
	}
	parsed.StructuralEntries = entries

	parsed.CharCount = len(seg.Text)
	parsed.ElapsedMS = elapsed.Milliseconds()
	return tracker.RecordResult(job.Outcome{
		UnitID:   seg.Ordinal,
		Success:  true,
		Analysis: parsed,
		Elapsed:  elapsed,
	})
}

func (c *Coordinator) generate(fp string, opts Options, state *runState) error {
	var doc analysis.DocumentAnalysis
	if len(state.segments) == 0 {
		doc = analysis.DocumentAnalysis{Category: "uncategorized", MaxLevel: 1}
	} else {
		merged, err := analysis.Merge(state.enhanced.Analyses, len(state.source.FullText), opts.Merge)
		if err != nil {
			return err
		}
		doc = merged
	}

	state.generated = generatePayload{
		Analysis: doc,
		Output:   renderReport(state.source.Title, doc, state.enhanced.Failed),
	}

	if c.catalog != nil {
		secondary, err := json.Marshal(doc.SecondaryCategories)
		if err != nil {
			return fmt.Errorf("encoding secondary categories: %w", err)
		}
		err = c.catalog.SaveDocument(storage.Document{
			Fingerprint: fp,
			Title:       state.source.Title,
			SourcePath:  state.source.SourcePath,
			Category:    doc.Category,
			Confidence:  doc.Confidence,
			Secondary:   string(secondary),
			CharCount:   len(state.source.FullText),
			Segments:    len(state.segments),
			ProcessedAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("saving document summary: %w", err)
		}
	}
	return nil
}

func documentTitle(src extract.Source, path string) string {
	for _, h := range src.OutlineHints {
		if h.Level == 1 && h.Title != "" {
			return h.Title
		}
	}
	if len(src.OutlineHints) > 0 && src.OutlineHints[0].Title != "" {
		return src.OutlineHints[0].Title
	}
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
