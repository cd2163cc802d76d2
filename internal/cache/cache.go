// Package cache implements the content-addressed stage cache that makes
// every pipeline stage idempotent and resumable. One JSON artifact file is
// written per (stage, fingerprint); writes go to a temp file first and are
// published with an atomic rename so a crash mid-write never leaves a
// corrupt artifact visible.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when no artifact exists for a (stage, fingerprint)
// pair. A miss is the normal signal driving recomputation, not a failure.
var ErrNotFound = errors.New("artifact not found")

// Fingerprint returns the SHA-256 hex digest of data. Identical content
// always yields the same fingerprint across calls and process restarts.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Artifact is the immutable envelope persisted for one successful stage run.
type Artifact struct {
	Stage       string          `json:"stage"`
	Fingerprint string          `json:"fingerprint"`
	CreatedAt   time.Time       `json:"created_at"`
	Config      json.RawMessage `json:"config,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Ref identifies a stored artifact.
type Ref struct {
	Stage       string
	Fingerprint string
	Path        string
}

// Cache is a handle to one cache root directory. Multiple pipelines can run
// concurrently against isolated roots, so the handle is passed to every
// component constructor instead of living in a package-level variable.
type Cache struct {
	root string
}

// Open creates the cache root directory if needed and returns a handle.
func Open(root string) (*Cache, error) {
	if root == "" {
		return nil, fmt.Errorf("cache root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}
	return &Cache{root: root}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// StageDir returns the per-fingerprint working directory for a stage, used
// by the enhancement job tracker for its unit and progress files.
func (c *Cache) StageDir(stage, fingerprint string) string {
	return filepath.Join(c.root, stage, fingerprint)
}

func (c *Cache) artifactPath(stage, fingerprint string) string {
	return filepath.Join(c.root, stage, fingerprint+".json")
}

// Exists reports whether a parseable artifact is stored for the pair.
func (c *Cache) Exists(stage, fingerprint string) bool {
	_, err := c.Load(stage, fingerprint)
	return err == nil
}

// Save marshals config and payload into an artifact envelope and publishes
// it atomically, replacing any previous artifact wholesale.
func (c *Cache) Save(stage, fingerprint string, config, payload any) (Ref, error) {
	cfgJSON, err := json.Marshal(config)
	if err != nil {
		return Ref{}, fmt.Errorf("marshaling %s config: %w", stage, err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Ref{}, fmt.Errorf("marshaling %s payload: %w", stage, err)
	}

	art := Artifact{
		Stage:       stage,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().UTC(),
		Config:      cfgJSON,
		Payload:     payloadJSON,
	}
	data, err := json.Marshal(art)
	if err != nil {
		return Ref{}, fmt.Errorf("marshaling %s artifact: %w", stage, err)
	}

	path := c.artifactPath(stage, fingerprint)
	if err := WriteFileAtomic(path, data); err != nil {
		return Ref{}, fmt.Errorf("writing %s artifact: %w", stage, err)
	}
	return Ref{Stage: stage, Fingerprint: fingerprint, Path: path}, nil
}

// Load reads the artifact for the pair. A missing file returns ErrNotFound;
// a file that fails to parse is logged and also reported as ErrNotFound so
// callers recompute instead of crashing on corrupt state.
func (c *Cache) Load(stage, fingerprint string) (*Artifact, error) {
	path := c.artifactPath(stage, fingerprint)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s artifact: %w", stage, err)
	}

	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		slog.Warn("corrupt cache artifact treated as miss",
			"stage", stage, "fingerprint", fingerprint, "error", err)
		return nil, ErrNotFound
	}
	return &art, nil
}

// LoadPayload loads the artifact and unmarshals its payload into v.
func (c *Cache) LoadPayload(stage, fingerprint string, v any) (*Artifact, error) {
	art, err := c.Load(stage, fingerprint)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(art.Payload, v); err != nil {
		slog.Warn("corrupt cache payload treated as miss",
			"stage", stage, "fingerprint", fingerprint, "error", err)
		return nil, ErrNotFound
	}
	return art, nil
}

// ConfigMatches reports whether the stored config equals the caller's
// current request config. A mismatch forces recomputation, never partial
// reuse of a stale artifact.
func (a *Artifact) ConfigMatches(config any) bool {
	want, err := json.Marshal(config)
	if err != nil {
		return false
	}
	return jsonEqual(a.Config, want)
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ca, err := json.Marshal(av)
	if err != nil {
		return false
	}
	cb, err := json.Marshal(bv)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}

// Invalidate removes all stage artifacts (and stage working directories)
// for the given fingerprint.
func (c *Cache) Invalidate(fingerprint string) error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("reading cache root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		stageDir := filepath.Join(c.root, e.Name())
		if err := os.Remove(filepath.Join(stageDir, fingerprint+".json")); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s artifact: %w", e.Name(), err)
		}
		if err := os.RemoveAll(filepath.Join(stageDir, fingerprint)); err != nil {
			return fmt.Errorf("removing %s work dir: %w", e.Name(), err)
		}
	}
	return nil
}

// List returns refs for every parseable artifact stored under a stage,
// for inventory and cleanup tooling.
func (c *Cache) List(stage string) ([]Ref, error) {
	dir := filepath.Join(c.root, stage)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s stage dir: %w", stage, err)
	}

	var refs []Ref
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		fp := strings.TrimSuffix(e.Name(), ".json")
		if !c.Exists(stage, fp) {
			continue
		}
		refs = append(refs, Ref{Stage: stage, Fingerprint: fp, Path: filepath.Join(dir, e.Name())})
	}
	return refs, nil
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place. Rename is atomic on POSIX filesystems, so readers
// observe either the old content or the new, never a partial write.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing file: %w", err)
	}
	return nil
}
