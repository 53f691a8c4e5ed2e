package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// limiterIdle is how long a client's limiter is kept after its last request.
	limiterIdle = 10 * time.Minute
	// maxLimiters bounds the pool; the least recently seen client is evicted beyond it.
	maxLimiters = 10000
)

type clientLimiter struct {
	lastSeen time.Time
	lim      *rate.Limiter
}

// limiterPool keeps one token bucket per client IP.
type limiterPool struct {
	now       func() time.Time
	m         map[string]*clientLimiter
	lastSweep time.Time
	rps       float64
	burst     int
	max       int
	mu        sync.Mutex
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{
		now:   time.Now,
		m:     make(map[string]*clientLimiter),
		rps:   rps,
		burst: burst,
		max:   maxLimiters,
	}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	now := p.now()
	if now.Sub(p.lastSweep) >= time.Minute {
		p.sweepLocked(now)
	}
	c, ok := p.m[key]
	if !ok {
		if len(p.m) >= p.max {
			p.evictOldestLocked()
		}
		c = &clientLimiter{lim: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = c
	}
	c.lastSeen = now
	p.mu.Unlock()
	return c.lim.AllowN(now, 1)
}

// sweepLocked drops limiters idle for longer than limiterIdle. Callers must hold p.mu.
func (p *limiterPool) sweepLocked(now time.Time) {
	for key, c := range p.m {
		if now.Sub(c.lastSeen) > limiterIdle {
			delete(p.m, key)
		}
	}
	p.lastSweep = now
}

func (p *limiterPool) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, c := range p.m {
		if oldestKey == "" || c.lastSeen.Before(oldest) {
			oldestKey, oldest = key, c.lastSeen
		}
	}
	delete(p.m, oldestKey)
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// limit rejects clients that call next too often, to slow down code guessing.
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, s.trustedProxies)
		if !s.limiter.allow(ip) {
			s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the peer address. X-Forwarded-For is only honoured when
// the peer is a trusted proxy; then the rightmost hop that is not itself a
// trusted proxy is the client.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !isTrusted(host, trusted) {
		return host
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
		host = hop
	}
	return host
}

func isTrusted(addr string, trusted []netip.Prefix) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
