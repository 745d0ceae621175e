package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is reported, wrapped as transient, when a breaker rejects
// a call without running it.
var ErrCircuitOpen = errors.New("circuit open")

// Breaker defaults.
const (
	defaultFailureThreshold = 5
	defaultWindow           = 30 * time.Second
)

// BreakerConfig tunes a circuit breaker. Zero values fall back to defaults.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures
	// that opens the breaker.
	FailureThreshold uint32

	// Window is both the closed-state counting interval and the open-state
	// cool-off before a half-open probe is admitted.
	Window time.Duration

	// OnStateChange, when set, is called for every state transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	return c
}

// Breaker wraps a sony/gobreaker breaker with the error taxonomy: only
// transient errors count as failures. Permanent errors pass through without
// affecting breaker state, so a caller's bad request never takes a healthy
// provider off the rotation.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker builds a named breaker. Half-open admits a single probe.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.Window,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: cfg.OnStateChange,
	})}
}

// Do runs op through the breaker. A rejected call returns a transient error
// wrapping ErrCircuitOpen so retry loops back off instead of failing hard.
func (b *Breaker) Do(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Transient(fmt.Errorf("%s: %w", b.cb.Name(), ErrCircuitOpen))
	}
	return err
}

// State exposes the underlying breaker state for logging and metrics.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.cb.Name() }

// BreakerSet hands out one breaker per name, built lazily with a shared
// config, so each terminology provider and LLM endpoint trips on its own.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet builds an empty set using cfg for every member.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for name, creating it on first use.
func (s *BreakerSet) For(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = NewBreaker(name, s.cfg)
		s.breakers[name] = b
	}
	return b
}
