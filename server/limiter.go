package server

import (
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// pruneThreshold is the client count above which idle limiters are dropped.
const pruneThreshold = 1024

// ipLimiter keeps a token bucket per client IP.
type ipLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*rate.Limiter
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		limit:   limit,
		burst:   burst,
		clients: make(map[string]*rate.Limiter),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.clients[ip]
	if !ok {
		if len(l.clients) >= pruneThreshold {
			l.prune()
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients[ip] = lim
	}
	return lim.Allow()
}

// prune drops limiters whose bucket has refilled; they behave like new ones.
func (l *ipLimiter) prune() {
	for ip, lim := range l.clients {
		if lim.Tokens() >= float64(l.burst) {
			delete(l.clients, ip)
		}
	}
}

// clientIP returns the IP used for rate limiting. X-Forwarded-For is client
// controlled and only read when trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) string {
	// the trusted proxy appends the address it accepted the connection from
	if xff := r.Header.Get("X-Forwarded-For"); trustProxy && xff != "" {
		hops := strings.Split(xff, ",")
		if ip := strings.TrimSpace(hops[len(hops)-1]); ip != "" {
			return ip
		}
	}

	// Fallback to RemoteAddr
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return strings.Trim(ip, "[]")
}
