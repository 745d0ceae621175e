package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gstorage "cloud.google.com/go/storage"

	"github.com/cohortforge/sieve/internal/resilience"
)

// GCS fetches objects from Google Cloud Storage. The client is built once
// per process and reused so connections pool across pipeline runs.
type GCS struct {
	client  *gstorage.Client
	breaker *resilience.Breaker
	retry   resilience.RetryPolicy
	timeout time.Duration
}

// NewGCS builds the store over application-default credentials.
func NewGCS(ctx context.Context, breaker *resilience.Breaker, retry resilience.RetryPolicy, timeout time.Duration) (*GCS, error) {
	client, err := gstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{client: client, breaker: breaker, retry: retry, timeout: timeout}, nil
}

// Fetch reads gs://bucket/object under the retry, breaker, and per-call
// timeout stack.
func (g *GCS) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := parseGSURI(uri)
	if err != nil {
		return nil, resilience.Permanent(err)
	}

	var data []byte
	err = resilience.Retry(ctx, g.retry, func(ctx context.Context) error {
		return g.breaker.Do(func() error {
			return resilience.WithTimeout(ctx, g.timeout, func(ctx context.Context) error {
				rc, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
				if err != nil {
					return classifyGCS(err)
				}
				defer rc.Close()
				data, err = io.ReadAll(rc)
				if err != nil {
					return resilience.Transient(fmt.Errorf("read gs://%s/%s: %w", bucket, object, err))
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	return data, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func parseGSURI(uri string) (bucket, object string, err error) {
	scheme, rest, ok := splitURI(uri)
	if !ok || scheme != "gs" {
		return "", "", fmt.Errorf("not a gs uri: %q", uri)
	}
	slash := -1
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			slash = i
			break
		}
	}
	if slash <= 0 || slash == len(rest)-1 {
		return "", "", fmt.Errorf("gs uri %q missing bucket or object", uri)
	}
	return rest[:slash], rest[slash+1:], nil
}

// classifyGCS maps object-store errors onto the retry taxonomy. A missing
// object or bucket cannot be fixed by retrying; everything else on an
// idempotent read is worth another attempt.
func classifyGCS(err error) error {
	if errors.Is(err, gstorage.ErrObjectNotExist) || errors.Is(err, gstorage.ErrBucketNotExist) {
		return resilience.Permanent(fmt.Errorf("object not found: %w", err))
	}
	return resilience.Transient(err)
}
