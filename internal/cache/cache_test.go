package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func TestFingerprintStable(t *testing.T) {
	data := []byte("the quick brown fox")
	first := Fingerprint(data)
	for i := 0; i < 3; i++ {
		if got := Fingerprint(data); got != first {
			t.Fatalf("fingerprint changed between calls: %s != %s", got, first)
		}
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}
	if other := Fingerprint([]byte("the quick brown fix")); other == first {
		t.Fatal("distinct inputs produced identical fingerprints")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c := openTestCache(t)
	fp := Fingerprint([]byte("doc"))

	type payload struct {
		Category string `json:"category"`
	}
	type config struct {
		PageLimit int `json:"page_limit"`
	}

	if c.Exists("classify", fp) {
		t.Fatal("Exists before Save")
	}

	ref, err := c.Save("classify", fp, config{PageLimit: 10}, payload{Category: "report"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ref.Fingerprint != fp || ref.Stage != "classify" {
		t.Fatalf("unexpected ref: %+v", ref)
	}

	var got payload
	art, err := c.LoadPayload("classify", fp, &got)
	if err != nil {
		t.Fatalf("LoadPayload: %v", err)
	}
	if got.Category != "report" {
		t.Fatalf("payload = %+v", got)
	}
	if !art.ConfigMatches(config{PageLimit: 10}) {
		t.Fatal("stored config should match identical request config")
	}
	if art.ConfigMatches(config{PageLimit: 20}) {
		t.Fatal("stored config should not match a different request config")
	}
}

func TestLoadMissingIsNotFound(t *testing.T) {
	c := openTestCache(t)
	if _, err := c.Load("extract", Fingerprint([]byte("x"))); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCorruptArtifactTreatedAsMiss(t *testing.T) {
	c := openTestCache(t)
	fp := Fingerprint([]byte("doc"))
	if _, err := c.Save("segment", fp, nil, []int{1, 2}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(c.Root(), "segment", fp+".json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupting artifact: %v", err)
	}

	if _, err := c.Load("segment", fp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("corrupt artifact should read as ErrNotFound, got %v", err)
	}
	if c.Exists("segment", fp) {
		t.Fatal("corrupt artifact should not count as existing")
	}
}

func TestInvalidateRemovesAllStages(t *testing.T) {
	c := openTestCache(t)
	fp := Fingerprint([]byte("doc"))
	keep := Fingerprint([]byte("other"))

	for _, stage := range []string{"extract", "classify", "enhance"} {
		if _, err := c.Save(stage, fp, nil, stage); err != nil {
			t.Fatalf("Save %s: %v", stage, err)
		}
	}
	if _, err := c.Save("extract", keep, nil, "kept"); err != nil {
		t.Fatalf("Save keep: %v", err)
	}
	// Stage work dir as used by the enhancement tracker.
	unitDir := c.StageDir("enhance", fp)
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := c.Invalidate(fp); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	for _, stage := range []string{"extract", "classify", "enhance"} {
		if c.Exists(stage, fp) {
			t.Fatalf("stage %s artifact survived invalidation", stage)
		}
	}
	if _, err := os.Stat(unitDir); !os.IsNotExist(err) {
		t.Fatal("enhance work dir survived invalidation")
	}
	if !c.Exists("extract", keep) {
		t.Fatal("invalidation removed an unrelated fingerprint")
	}
}

func TestListSkipsCorruptAndDirs(t *testing.T) {
	c := openTestCache(t)
	fpA := Fingerprint([]byte("a"))
	fpB := Fingerprint([]byte("b"))

	if _, err := c.Save("enhance", fpA, nil, 1); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := c.Save("enhance", fpB, nil, 2); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.MkdirAll(c.StageDir("enhance", fpA), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	corrupt := filepath.Join(c.Root(), "enhance", fpB+".json")
	if err := os.WriteFile(corrupt, []byte("nope"), 0o644); err != nil {
		t.Fatalf("corrupting: %v", err)
	}

	refs, err := c.List("enhance")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(refs) != 1 || refs[0].Fingerprint != fpA {
		t.Fatalf("expected only %s listed, got %+v", fpA, refs)
	}

	empty, err := c.List("missing-stage")
	if err != nil || empty != nil {
		t.Fatalf("List on absent stage: %v %v", empty, err)
	}
}

func TestSaveOverwritesWholesale(t *testing.T) {
	c := openTestCache(t)
	fp := Fingerprint([]byte("doc"))

	if _, err := c.Save("classify", fp, map[string]int{"v": 1}, "old"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := c.Save("classify", fp, map[string]int{"v": 2}, "new"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var got string
	art, err := c.LoadPayload("classify", fp, &got)
	if err != nil {
		t.Fatalf("LoadPayload: %v", err)
	}
	if got != "new" {
		t.Fatalf("payload = %q, want new", got)
	}
	if !art.ConfigMatches(map[string]int{"v": 2}) {
		t.Fatal("config should reflect the overwrite")
	}
}
