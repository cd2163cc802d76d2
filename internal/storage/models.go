package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document is the persisted summary of a fully processed document,
// keyed by its content fingerprint.
type Document struct {
	Fingerprint string
	Title       string
	SourcePath  string
	Category    string
	Confidence  float64
	Secondary   string // JSON array stored as text
	CharCount   int
	Segments    int
	ProcessedAt time.Time
}

// Run records one pipeline invocation against a document.
type Run struct {
	ID          string
	Fingerprint string
	Stage       string // furthest stage reached
	Status      string // "running", "completed", "failed"
	LastError   string
	StartedAt   time.Time
	FinishedAt  time.Time
}
