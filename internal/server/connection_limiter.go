package server

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// LimitReason describes why an upgrade was rejected. Used as a metric label.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// ConnectionLimits gates the websocket upgrade path with three checks:
// a token-bucket rate limit per IP, a global concurrent-connection cap,
// and a per-IP concurrent cap.
type ConnectionLimits struct {
	globalCurrent atomic.Int64
	globalMax     int64

	mu       sync.Mutex
	perIP    map[string]int
	perIPMax int

	rateLimiters map[string]*rateEntry
	rateLimit    rate.Limit
	rateBurst    int
	cleanupAt    time.Time
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const rateCleanupInterval = 5 * time.Minute

// NewConnectionLimits creates the combined limiter.
// connectionsPerSecond is the sustained per-IP connect rate.
func NewConnectionLimits(globalMax int64, perIPMax int, connectionsPerSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		globalMax:    globalMax,
		perIP:        make(map[string]int),
		perIPMax:     perIPMax,
		rateLimiters: make(map[string]*rateEntry),
		rateLimit:    rate.Limit(connectionsPerSecond),
		rateBurst:    burst,
		cleanupAt:    time.Now().Add(rateCleanupInterval),
	}
}

// Acquire attempts to claim a connection slot for ip. On failure the
// returned reason names the exhausted limit and nothing is held.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	// Rate check first: it is the cheapest and rejects floods before they
	// touch the concurrency counters.
	if !l.allowRate(ip) {
		return false, LimitReasonRate
	}

	for {
		current := l.globalCurrent.Load()
		if current >= l.globalMax {
			return false, LimitReasonGlobal
		}
		if l.globalCurrent.CompareAndSwap(current, current+1) {
			break
		}
	}

	l.mu.Lock()
	if l.perIP[ip] >= l.perIPMax {
		l.mu.Unlock()
		l.globalCurrent.Add(-1)
		return false, LimitReasonPerIP
	}
	l.perIP[ip]++
	l.mu.Unlock()

	return true, ""
}

// Release returns the slot claimed by a successful Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	if count := l.perIP[ip]; count > 0 {
		l.perIP[ip] = count - 1
		if l.perIP[ip] == 0 {
			delete(l.perIP, ip)
		}
	}
	l.mu.Unlock()
	l.globalCurrent.Add(-1)
}

// Current returns the number of held global slots.
func (l *ConnectionLimits) Current() int64 {
	return l.globalCurrent.Load()
}

// CountForIP returns the held slots for ip.
func (l *ConnectionLimits) CountForIP(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perIP[ip]
}

func (l *ConnectionLimits) allowRate(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Now().After(l.cleanupAt) {
		l.cleanupRateLimiters()
		l.cleanupAt = time.Now().Add(rateCleanupInterval)
	}

	entry, ok := l.rateLimiters[ip]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(l.rateLimit, l.rateBurst)}
		l.rateLimiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// cleanupRateLimiters drops limiters idle for 10 minutes. Caller holds mu.
func (l *ConnectionLimits) cleanupRateLimiters() {
	cutoff := time.Now().Add(-2 * rateCleanupInterval)
	for ip, entry := range l.rateLimiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.rateLimiters, ip)
		}
	}
}
