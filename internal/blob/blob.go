// Package blob fetches protocol documents by URI. Two schemes are wired:
// gs:// for the object store and local:// for development reads from an
// allow-listed directory. Fetch errors carry resilience classification so
// the ingest node can tell a retryable outage from a missing object.
package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/cohortforge/sieve/internal/resilience"
)

// Store fetches the bytes behind one URI scheme.
type Store interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Resolver routes a fetch to the store registered for the URI's scheme.
type Resolver struct {
	schemes map[string]Store
}

// NewResolver returns a resolver with no schemes registered.
func NewResolver() *Resolver {
	return &Resolver{schemes: make(map[string]Store)}
}

// Register binds a scheme (without the "://") to a store.
func (r *Resolver) Register(scheme string, s Store) {
	r.schemes[scheme] = s
}

// Fetch dispatches on the URI scheme. An unknown scheme is permanent; no
// retry will make it resolvable.
func (r *Resolver) Fetch(ctx context.Context, uri string) ([]byte, error) {
	scheme, _, ok := splitURI(uri)
	if !ok {
		return nil, resilience.Permanent(fmt.Errorf("malformed file uri %q", uri))
	}
	s, ok := r.schemes[scheme]
	if !ok {
		return nil, resilience.Permanent(fmt.Errorf("unsupported uri scheme %q", scheme))
	}
	return s.Fetch(ctx, uri)
}

func splitURI(uri string) (scheme, rest string, ok bool) {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return "", "", false
	}
	return uri[:i], uri[i+3:], true
}
