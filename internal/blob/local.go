package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/cohortforge/sieve/internal/resilience"
)

// Local serves local:// URIs for development. Paths resolve against a fixed
// root, must stay inside it, and must match one of the allow patterns.
type Local struct {
	root  string
	allow []string
}

// NewLocal pins the store to root. allow is a list of doublestar patterns
// matched against the relative path; empty means nothing is fetchable.
func NewLocal(root string, allow []string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("local blob root not configured")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve local blob root: %w", err)
	}
	for _, pattern := range allow {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid allow pattern %q", pattern)
		}
	}
	return &Local{root: abs, allow: allow}, nil
}

// Fetch reads local://<relative-path>. Absolute paths, traversal out of the
// root, and paths outside the allow list are rejected permanently.
func (l *Local) Fetch(ctx context.Context, uri string) ([]byte, error) {
	scheme, rest, ok := splitURI(uri)
	if !ok || scheme != "local" {
		return nil, resilience.Permanent(fmt.Errorf("not a local uri: %q", uri))
	}
	rel := filepath.FromSlash(rest)
	if filepath.IsAbs(rel) {
		return nil, resilience.Permanent(fmt.Errorf("local uri %q must be relative", uri))
	}
	rel = filepath.Clean(rel)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, resilience.Permanent(fmt.Errorf("local uri %q escapes the blob root", uri))
	}
	if !l.allowed(filepath.ToSlash(rel)) {
		return nil, resilience.Permanent(fmt.Errorf("local uri %q not in allow list", uri))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, resilience.Permanent(fmt.Errorf("fetch %s: %w", uri, err))
		}
		return nil, resilience.Transient(fmt.Errorf("fetch %s: %w", uri, err))
	}
	return data, nil
}

func (l *Local) allowed(rel string) bool {
	for _, pattern := range l.allow {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}
