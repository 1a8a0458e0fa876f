// Package retry decides whether a failed send is attempted again and how
// long to wait first. Policies are pure and safe for concurrent use.
package retry

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxRetries = 2
	DefaultDelay      = 2 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultJitter     = 0.2
)

// Decision is the outcome of a policy consultation.
type Decision struct {
	Retry bool
	After time.Duration
}

// Policy decides what happens after a failed attempt.
// attempt is 1-based: the first failed attempt is attempt 1.
type Policy interface {
	Decide(attempt int, err error) Decision
	// Limit is the maximum number of attempts a record can receive.
	Limit() int
}

// Fixed retries up to MaxRetries times with a constant delay.
type Fixed struct {
	MaxRetries int
	Delay      time.Duration
}

// Default returns the stock policy: 2 retries (3 attempts), 2s apart.
func Default() Fixed {
	return Fixed{MaxRetries: DefaultMaxRetries, Delay: DefaultDelay}
}

func (p Fixed) Decide(attempt int, err error) Decision {
	if IsNoRetry(err) || attempt > p.MaxRetries {
		return Decision{}
	}
	d := p.Delay
	if h, ok := hint(err); ok {
		d = min(h, DefaultMaxDelay)
	}
	return Decision{Retry: true, After: d}
}

func (p Fixed) Limit() int { return max(0, p.MaxRetries) + 1 }

// Exponential doubles the delay per retry, capped at Max, with symmetric jitter.
type Exponential struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Jitter     float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewExponential(maxRetries int, base, maxDelay time.Duration, jitter float64) *Exponential {
	return &Exponential{
		MaxRetries: maxRetries,
		Base:       base,
		Max:        maxDelay,
		Jitter:     jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Exponential) Decide(attempt int, err error) Decision {
	if IsNoRetry(err) || attempt > p.MaxRetries {
		return Decision{}
	}
	return Decision{Retry: true, After: p.delay(attempt, err)}
}

func (p *Exponential) Limit() int { return max(0, p.MaxRetries) + 1 }

func (p *Exponential) delay(retry int, err error) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := p.Max
	if maxD <= 0 {
		maxD = DefaultMaxDelay
	}
	j := p.Jitter
	if j < 0 {
		j = 0
	}

	d, hinted := hint(err)
	if !hinted {
		d = base
		for i := 1; i < retry; i++ {
			d *= 2
			if d > maxD {
				d = maxD
				break
			}
		}
	}
	if j > 0 && d > 0 {
		p.mu.Lock()
		if p.rng == nil {
			p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		r := (p.rng.Float64()*2 - 1) * j
		p.mu.Unlock()
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}

// Config selects and parameterizes a policy.
type Config struct {
	Policy     string // "fixed" (default) or "exponential"
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

// FromConfig builds the policy described by cfg.
func FromConfig(cfg Config) Policy {
	switch strings.ToLower(strings.TrimSpace(cfg.Policy)) {
	case "exponential", "backoff":
		return NewExponential(cfg.MaxRetries, cfg.Delay, cfg.MaxDelay, cfg.Jitter)
	default:
		return Fixed{MaxRetries: cfg.MaxRetries, Delay: cfg.Delay}
	}
}
