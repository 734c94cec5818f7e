package limits

import (
	"sync"
	"time"

	"github.com/adred-codev/realtime-relay/internal/shared/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Rejection scopes reported by ConnectionRateLimiter.Allow
const (
	ScopeGlobal = "global"
	ScopePerIP  = "per_ip"
)

// ConnectionRateLimiter throttles new client sockets before they reach admission control.
//
// A global token bucket guards the process and a per-IP bucket stops a single
// client from burning through the admission queue with reconnect loops.
type ConnectionRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	perIP   rate.Limit
	ipBurst int
	idleTTL time.Duration

	global *rate.Limiter

	logger   zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection rate limiting
type ConnectionRateLimiterConfig struct {
	IPBurst int           // default 10
	IPRate  float64       // connections/sec per IP, default 1.0
	IPTTL   time.Duration // idle buckets are dropped after this, default 5m

	GlobalBurst int     // default 300
	GlobalRate  float64 // connections/sec, default 50.0

	// SweepInterval controls how often idle buckets are dropped. Zero disables the sweeper.
	SweepInterval time.Duration

	Logger zerolog.Logger
}

func (c *ConnectionRateLimiterConfig) applyDefaults() {
	if c.IPBurst <= 0 {
		c.IPBurst = 10
	}
	if c.IPRate <= 0 {
		c.IPRate = 1.0
	}
	if c.IPTTL <= 0 {
		c.IPTTL = 5 * time.Minute
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = 300
	}
	if c.GlobalRate <= 0 {
		c.GlobalRate = 50.0
	}
}

// NewConnectionRateLimiter creates a limiter and starts its idle-bucket sweeper.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	config.applyDefaults()

	crl := &ConnectionRateLimiter{
		clients: make(map[string]*clientBucket),
		perIP:   rate.Limit(config.IPRate),
		ipBurst: config.IPBurst,
		idleTTL: config.IPTTL,
		global:  rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:  config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stop:    make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		go crl.sweepLoop(config.SweepInterval)
	}

	crl.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("Connection rate limiter initialized")

	return crl
}

// Allow reports whether a new socket from ip may proceed. When it may not,
// scope names the bucket that rejected it.
func (crl *ConnectionRateLimiter) Allow(ip string) (ok bool, scope string) {
	// Global first, so a flood of distinct IPs never grows the map
	if !crl.global.Allow() {
		monitoring.IncrementConnectionRateLimit(ScopeGlobal)
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		return false, ScopeGlobal
	}

	if !crl.bucketFor(ip, time.Now()).Allow() {
		monitoring.IncrementConnectionRateLimit(ScopePerIP)
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		return false, ScopePerIP
	}

	return true, ""
}

func (crl *ConnectionRateLimiter) bucketFor(ip string, now time.Time) *rate.Limiter {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	b, ok := crl.clients[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(crl.perIP, crl.ipBurst)}
		crl.clients[ip] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (crl *ConnectionRateLimiter) sweepLoop(interval time.Duration) {
	defer monitoring.RecoverPanic(crl.logger, "rateLimiterSweep", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			crl.sweep(now)
		case <-crl.stop:
			return
		}
	}
}

// sweep drops buckets idle for longer than the TTL and returns how many were removed
func (crl *ConnectionRateLimiter) sweep(now time.Time) int {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	removed := 0
	for ip, b := range crl.clients {
		if now.Sub(b.lastSeen) > crl.idleTTL {
			delete(crl.clients, ip)
			removed++
		}
	}

	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.clients)).
			Msg("Dropped idle IP buckets")
	}
	return removed
}

// TrackedIPs returns the number of per-IP buckets currently held
func (crl *ConnectionRateLimiter) TrackedIPs() int {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	return len(crl.clients)
}

// Stop halts the sweeper. Safe to call more than once.
func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() { close(crl.stop) })
}
