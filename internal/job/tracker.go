// Package job tracks resumable per-unit progress of a document enhancement
// run. One unit is one segment's backend call. The job record and each
// completed unit's payload live as files under the cache's enhance
// directory for the document fingerprint, so an interrupted run resumes
// from the last recorded unit instead of starting over.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/docmill/docmill/internal/analysis"
	"github.com/docmill/docmill/internal/cache"
)

// Stage is the cache stage name the tracker stores its state under.
const Stage = "enhance"

// Mode selects which units a run will process.
type Mode string

const (
	// ModeFresh discards any existing job record and starts over.
	ModeFresh Mode = "fresh"
	// ModeResume processes every unit not yet completed.
	ModeResume Mode = "resume"
	// ModeRetryFailed processes exactly the previously failed units.
	ModeRetryFailed Mode = "retry-failed"
)

// State is the job-level lifecycle state.
type State string

const (
	StateNotStarted            State = "not started"
	StateInProgress            State = "in progress"
	StateAllCompleted          State = "all completed"
	StateCompletedWithFailures State = "completed with failures"
)

// ErrNoJob is returned when no job record exists for the fingerprint.
var ErrNoJob = errors.New("no enhancement job record")

// Outcome is the explicit result value a worker reports for one unit,
// replacing error propagation across the worker boundary.
type Outcome struct {
	UnitID   int
	Success  bool
	Analysis analysis.SegmentAnalysis // persisted when Success
	ErrKind  string                   // e.g. "BackendTimeout", set when !Success
	Detail   string
	Elapsed  time.Duration
}

// Progress is a point-in-time snapshot of job progress.
type Progress struct {
	Completed              int           `json:"completed"`
	Failed                 int           `json:"failed"`
	Total                  int           `json:"total"`
	State                  State         `json:"state"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
}

// record is the persisted job-progress file. Completed and failed unit
// sets are disjoint at all times.
type record struct {
	Fingerprint   string         `json:"fingerprint"`
	TotalUnits    int            `json:"total_units"`
	Completed     map[int]bool   `json:"completed_units"`
	Failed        map[int]string `json:"failed_units"`
	Provider      string         `json:"provider"`
	StartedAt     time.Time      `json:"started_at"`
	LastUpdatedAt time.Time      `json:"last_updated_at"`
}

// Tracker manages one enhancement job. All methods are safe for concurrent
// use; the read-modify-write of the persisted record is serialized behind
// a mutex so workers never write the job file directly.
type Tracker struct {
	mu          sync.Mutex
	dir         string
	fingerprint string
	rec         record

	// per-run ETA inputs
	runUnits   int
	runElapsed time.Duration
}

// New returns a tracker bound to the cache's enhance directory for the
// fingerprint. No files are touched until Start.
func New(c *cache.Cache, fingerprint string) *Tracker {
	return &Tracker{
		dir:         c.StageDir(Stage, fingerprint),
		fingerprint: fingerprint,
	}
}

func (t *Tracker) jobPath() string { return filepath.Join(t.dir, "job.json") }

func (t *Tracker) unitPath(unitID int) string {
	return filepath.Join(t.dir, fmt.Sprintf("unit_%04d.json", unitID))
}

// Start initializes the job for a run. ModeFresh wipes any previous state;
// the other modes load the existing record when present and otherwise
// behave like a fresh start. totalUnits must match the current
// segmentation; a mismatch with a stored record means the segmentation
// changed, so the stored record is discarded.
func (t *Tracker) Start(totalUnits int, provider string, mode Mode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if mode == ModeFresh {
		if err := os.RemoveAll(t.dir); err != nil {
			return fmt.Errorf("discarding previous job: %w", err)
		}
	} else if err := t.loadLocked(); err == nil && t.rec.TotalUnits == totalUnits {
		t.runUnits, t.runElapsed = 0, 0
		return nil
	} else if err != nil && !errors.Is(err, ErrNoJob) {
		return err
	}

	t.rec = record{
		Fingerprint:   t.fingerprint,
		TotalUnits:    totalUnits,
		Completed:     make(map[int]bool),
		Failed:        make(map[int]string),
		Provider:      provider,
		StartedAt:     time.Now().UTC(),
		LastUpdatedAt: time.Now().UTC(),
	}
	t.runUnits, t.runElapsed = 0, 0
	return t.persistLocked()
}

// Load reads an existing job record without starting a run.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadLocked()
}

func (t *Tracker) loadLocked() error {
	data, err := os.ReadFile(t.jobPath())
	if os.IsNotExist(err) {
		return ErrNoJob
	}
	if err != nil {
		return fmt.Errorf("reading job record: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("parsing job record: %w", err)
	}
	if rec.Completed == nil {
		rec.Completed = make(map[int]bool)
	}
	if rec.Failed == nil {
		rec.Failed = make(map[int]string)
	}
	t.rec = rec
	return nil
}

func (t *Tracker) persistLocked() error {
	data, err := json.MarshalIndent(t.rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling job record: %w", err)
	}
	if err := cache.WriteFileAtomic(t.jobPath(), data); err != nil {
		return fmt.Errorf("persisting job record: %w", err)
	}
	return nil
}

// PendingUnits returns the ordered unit ids the given mode should process.
// Units are numbered 1..total in document order.
func (t *Tracker) PendingUnits(mode Mode) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []int
	switch mode {
	case ModeRetryFailed:
		for id := range t.rec.Failed {
			pending = append(pending, id)
		}
	default:
		// Fresh starts have an empty completed set, so both remaining
		// modes reduce to {1..total} \ completed.
		for id := 1; id <= t.rec.TotalUnits; id++ {
			if !t.rec.Completed[id] {
				pending = append(pending, id)
			}
		}
	}
	sort.Ints(pending)
	return pending
}

// RecordResult atomically updates the completed/failed sets and persists
// the record. A successful retry removes the unit from the failed set
// before marking it completed, keeping the two sets disjoint; the unit's
// parsed analysis is persisted to its own file.
func (t *Tracker) RecordResult(o Outcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rec.TotalUnits == 0 {
		return ErrNoJob
	}
	if o.UnitID < 1 || o.UnitID > t.rec.TotalUnits {
		return fmt.Errorf("unit %d out of range 1..%d", o.UnitID, t.rec.TotalUnits)
	}

	if o.Success {
		payload, err := json.Marshal(o.Analysis)
		if err != nil {
			return fmt.Errorf("marshaling unit %d analysis: %w", o.UnitID, err)
		}
		if err := cache.WriteFileAtomic(t.unitPath(o.UnitID), payload); err != nil {
			return fmt.Errorf("persisting unit %d: %w", o.UnitID, err)
		}
		delete(t.rec.Failed, o.UnitID)
		t.rec.Completed[o.UnitID] = true
	} else if !t.rec.Completed[o.UnitID] {
		detail := o.Detail
		if detail == "" {
			detail = "unknown failure"
		}
		t.rec.Failed[o.UnitID] = fmt.Sprintf("%s: %s", o.ErrKind, detail)
	}

	t.rec.LastUpdatedAt = time.Now().UTC()
	t.runUnits++
	t.runElapsed += o.Elapsed
	return t.persistLocked()
}

// Snapshot reports progress plus an ETA computed from the running average
// of per-unit elapsed time over units processed in the current run.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := Progress{
		Completed: len(t.rec.Completed),
		Failed:    len(t.rec.Failed),
		Total:     t.rec.TotalUnits,
		State:     t.stateLocked(),
	}
	remaining := p.Total - p.Completed - p.Failed
	if t.runUnits > 0 && remaining > 0 {
		p.EstimatedTimeRemaining = time.Duration(int64(t.runElapsed) / int64(t.runUnits) * int64(remaining))
	}
	return p
}

// FailedUnits returns the failed unit ids with their last recorded errors.
func (t *Tracker) FailedUnits() map[int]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]string, len(t.rec.Failed))
	for id, msg := range t.rec.Failed {
		out[id] = msg
	}
	return out
}

func (t *Tracker) stateLocked() State {
	switch {
	case t.rec.TotalUnits == 0:
		return StateNotStarted
	case len(t.rec.Completed) == t.rec.TotalUnits:
		return StateAllCompleted
	case len(t.rec.Completed)+len(t.rec.Failed) == t.rec.TotalUnits:
		return StateCompletedWithFailures
	default:
		return StateInProgress
	}
}

// UnitAnalysis loads the persisted analysis for one completed unit.
func (t *Tracker) UnitAnalysis(unitID int) (analysis.SegmentAnalysis, error) {
	data, err := os.ReadFile(t.unitPath(unitID))
	if os.IsNotExist(err) {
		return analysis.SegmentAnalysis{}, fmt.Errorf("unit %d: %w", unitID, ErrNoJob)
	}
	if err != nil {
		return analysis.SegmentAnalysis{}, fmt.Errorf("reading unit %d: %w", unitID, err)
	}
	var a analysis.SegmentAnalysis
	if err := json.Unmarshal(data, &a); err != nil {
		return analysis.SegmentAnalysis{}, fmt.Errorf("parsing unit %d: %w", unitID, err)
	}
	return a, nil
}

// CompletedAnalyses loads every completed unit's analysis in unit order.
func (t *Tracker) CompletedAnalyses() ([]analysis.SegmentAnalysis, error) {
	t.mu.Lock()
	ids := make([]int, 0, len(t.rec.Completed))
	for id := range t.rec.Completed {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Ints(ids)

	out := make([]analysis.SegmentAnalysis, 0, len(ids))
	for _, id := range ids {
		a, err := t.UnitAnalysis(id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
