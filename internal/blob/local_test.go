package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cohortforge/sieve/internal/resilience"
)

func newLocalFixture(t *testing.T) (*Local, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "trials"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "trials", "p1.pdf"), []byte("%PDF-1.4 fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := NewLocal(root, []string{"**/*.pdf"})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l, root
}

func TestLocalFetch(t *testing.T) {
	l, _ := newLocalFixture(t)
	data, err := l.Fetch(context.Background(), "local://trials/p1.pdf")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "%PDF-1.4 fake" {
		t.Errorf("unexpected bytes: %q", data)
	}
}

func TestLocalFetchRejectsTraversal(t *testing.T) {
	l, _ := newLocalFixture(t)
	for _, uri := range []string{
		"local://../secrets.pdf",
		"local://trials/../../etc/passwd.pdf",
		"local:///etc/passwd.pdf",
	} {
		_, err := l.Fetch(context.Background(), uri)
		if err == nil {
			t.Errorf("fetch %q should fail", uri)
			continue
		}
		if !resilience.IsPermanent(err) {
			t.Errorf("fetch %q error should be permanent, got %v", uri, err)
		}
	}
}

func TestLocalFetchEnforcesAllowList(t *testing.T) {
	l, _ := newLocalFixture(t)
	_, err := l.Fetch(context.Background(), "local://notes.txt")
	if err == nil {
		t.Fatal("fetch outside allow list should fail")
	}
	if !resilience.IsPermanent(err) {
		t.Errorf("allow-list rejection should be permanent, got %v", err)
	}
}

func TestLocalFetchMissingFileIsPermanent(t *testing.T) {
	l, _ := newLocalFixture(t)
	_, err := l.Fetch(context.Background(), "local://trials/absent.pdf")
	if err == nil {
		t.Fatal("fetch of missing file should fail")
	}
	if !resilience.IsPermanent(err) {
		t.Errorf("missing file should be permanent, got %v", err)
	}
}

func TestResolverRoutesByScheme(t *testing.T) {
	l, _ := newLocalFixture(t)
	r := NewResolver()
	r.Register("local", l)

	if _, err := r.Fetch(context.Background(), "local://trials/p1.pdf"); err != nil {
		t.Fatalf("resolver fetch: %v", err)
	}

	_, err := r.Fetch(context.Background(), "s3://bucket/key.pdf")
	if err == nil || !resilience.IsPermanent(err) {
		t.Errorf("unknown scheme should fail permanently, got %v", err)
	}
	_, err = r.Fetch(context.Background(), "no-scheme-here")
	if err == nil || !resilience.IsPermanent(err) {
		t.Errorf("malformed uri should fail permanently, got %v", err)
	}
}

func TestParseGSURI(t *testing.T) {
	bucket, object, err := parseGSURI("gs://trial-pdfs/2026/p1.pdf")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if bucket != "trial-pdfs" || object != "2026/p1.pdf" {
		t.Errorf("parsed %s/%s", bucket, object)
	}

	for _, bad := range []string{"gs://bucket-only", "gs://bucket/", "http://x/y", "gs://"} {
		if _, _, err := parseGSURI(bad); err == nil {
			t.Errorf("parseGSURI(%q) should fail", bad)
		}
	}
}
