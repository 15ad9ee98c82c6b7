package archive_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/liaison/archive"
)

func openTestStore(t *testing.T) *archive.Store {
	t.Helper()
	s, err := archive.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	data := []byte("MSH|^~\\&|HIS|HOSP|LIS|LAB|20250101120000||ADT^A01|1|P|2.4\rPID|1")
	ref, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref, "blake2b:") {
		t.Fatalf("ref %q lacks digest prefix", ref)
	}

	got, err := s.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

// WHAT: identical payloads share one blob and one ref.
func TestPutDeduplicates(t *testing.T) {
	s := openTestStore(t)

	data := []byte("same bytes")
	ref1, err := s.Put(data)
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := s.Put(data)
	if err != nil {
		t.Fatal(err)
	}
	if ref1 != ref2 {
		t.Fatalf("refs differ: %s vs %s", ref1, ref2)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get("blake2b:" + strings.Repeat("ab", 32))
	var notFound *archive.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestGetMalformedRef(t *testing.T) {
	s := openTestStore(t)

	for _, ref := range []string{"", "blake2b:short", "sha256:" + strings.Repeat("ab", 32), "blake2b:" + strings.Repeat("zz", 32)} {
		_, err := s.Get(ref)
		var refErr *archive.RefError
		if !errors.As(err, &refErr) {
			t.Fatalf("Get(%q): want RefError, got %v", ref, err)
		}
	}
}

// WHAT: a blob whose bytes were tampered with fails verification on Get.
// WHY: trace rows point here as the authoritative wire capture; serving
// silently corrupted clinical content would be worse than an error.
func TestGetDetectsCorruption(t *testing.T) {
	s := openTestStore(t)

	ref, err := s.Put([]byte("original bytes"))
	if err != nil {
		t.Fatal(err)
	}
	hexPart := strings.TrimPrefix(ref, "blake2b:")
	path := filepath.Join(s.Dir(), hexPart[:2], hexPart[2:])
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = s.Get(ref)
	var corrupt *archive.CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("want CorruptError, got %v", err)
	}
}

func TestHas(t *testing.T) {
	s := openTestStore(t)
	ref, err := s.Put([]byte("present"))
	if err != nil {
		t.Fatal(err)
	}
	if !s.Has(ref) {
		t.Fatal("Has = false for stored blob")
	}
	if s.Has("blake2b:" + strings.Repeat("cd", 32)) {
		t.Fatal("Has = true for missing blob")
	}
}

func TestPruneRemovesOldBlobs(t *testing.T) {
	s := openTestStore(t)

	oldRef, err := s.Put([]byte("old capture"))
	if err != nil {
		t.Fatal(err)
	}
	newRef, err := s.Put([]byte("fresh capture"))
	if err != nil {
		t.Fatal(err)
	}

	hexPart := strings.TrimPrefix(oldRef, "blake2b:")
	oldPath := filepath.Join(s.Dir(), hexPart[:2], hexPart[2:])
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d blobs, want 1", removed)
	}
	if s.Has(oldRef) {
		t.Fatal("stale blob survived prune")
	}
	if !s.Has(newRef) {
		t.Fatal("fresh blob removed by prune")
	}
}
