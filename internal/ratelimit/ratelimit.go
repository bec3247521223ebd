// Package ratelimit provides per-client request rate limiting.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for the per-client limiter.
const (
	defaultRequestsPerMinute = 20
	defaultBurst             = 5
	// idleTTL is how long an idle client entry survives before pruning.
	idleTTL = 3 * time.Minute
	// pruneInterval is how often expired entries are swept.
	pruneInterval = time.Minute
)

// Config holds rate limiter settings.
type Config struct {
	RequestsPerMinute float64
	Burst             int
	// Disabled makes Allow admit everything. Entries are still not tracked.
	Disabled bool
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = defaultRequestsPerMinute
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks a token bucket per client identifier. Entries are created
// lazily and pruned after idleTTL of inactivity.
type Limiter struct {
	mu       sync.Mutex
	clients  map[string]*client
	rps      rate.Limit
	burst    int
	disabled bool
	done     chan struct{}
	once     sync.Once

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter creates a per-client limiter and starts its pruning loop.
func NewLimiter(cfg Config) *Limiter {
	cfg.ApplyDefaults()
	l := &Limiter{
		clients:  make(map[string]*client),
		rps:      rate.Limit(cfg.RequestsPerMinute / 60.0),
		burst:    cfg.Burst,
		disabled: cfg.Disabled,
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go l.pruneLoop()
	return l
}

// Allow reports whether a request from id may proceed now.
func (l *Limiter) Allow(id string) bool {
	if l.disabled {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[id]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[id] = c
	}
	c.lastSeen = l.now()
	return c.limiter.Allow()
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Close stops the pruning loop.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Limiter) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

func (l *Limiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idleTTL)
	for id, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, id)
		}
	}
}
