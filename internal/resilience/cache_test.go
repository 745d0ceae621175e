package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCacheHitAndMiss(t *testing.T) {
	c := NewCache[string, int](8, time.Minute)

	c.Add("hba1c", 42)
	if v, ok := c.Get("hba1c"); !ok || v != 42 {
		t.Fatalf("Get() = %d, %v; want 42, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("unexpected hit")
	}
}

func TestCacheEntriesExpire(t *testing.T) {
	c := NewCache[string, string](8, 30*time.Millisecond)

	c.Add("k", "v")
	if _, ok := c.Get("k"); !ok {
		t.Fatal("fresh entry should hit")
	}

	time.Sleep(60 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry should miss")
	}
}

func TestCacheEvictsOldest(t *testing.T) {
	c := NewCache[string, int](2, 0)

	c.Add("a", 1)
	c.Add("b", 2)
	c.Add("c", 3)

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("newest entry should be present")
	}
}

func TestGetOrFetch(t *testing.T) {
	c := NewCache[string, int](8, time.Minute)

	fetches := 0
	fetch := func(context.Context) (int, error) {
		fetches++
		return 7, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrFetch(context.Background(), "k", fetch)
		if err != nil {
			t.Fatalf("GetOrFetch() = %v", err)
		}
		if v != 7 {
			t.Fatalf("GetOrFetch() = %d, want 7", v)
		}
	}
	if fetches != 1 {
		t.Errorf("fetches = %d, want 1", fetches)
	}
}

func TestGetOrFetchDoesNotCacheErrors(t *testing.T) {
	c := NewCache[string, int](8, time.Minute)

	sentinel := errors.New("provider down")
	fetches := 0
	fetch := func(context.Context) (int, error) {
		fetches++
		return 0, sentinel
	}

	for i := 0; i < 2; i++ {
		if _, err := c.GetOrFetch(context.Background(), "k", fetch); !errors.Is(err, sentinel) {
			t.Fatalf("GetOrFetch() = %v, want sentinel", err)
		}
	}
	if fetches != 2 {
		t.Errorf("fetches = %d, want 2 (errors must not cache)", fetches)
	}
}
