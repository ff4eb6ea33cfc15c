package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter rate limits requests per client address.
type Limiter struct {
	mutex  sync.Mutex
	rate   rate.Limit
	burst  int
	list   map[string]*visitor
	maxAge time.Duration
}

// NewLimiter allows perSecond requests per client with the given burst. A
// rate of zero disables limiting.
func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{
		rate:   rate.Limit(perSecond),
		burst:  burst,
		list:   make(map[string]*visitor),
		maxAge: 3 * time.Minute,
	}
}

func (l *Limiter) visitor(ip string) *rate.Limiter {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	v, exists := l.list[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.list[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Allow reports whether a request from the client may proceed.
func (l *Limiter) Allow(r *http.Request) bool {
	if l.rate == 0 {
		return true
	}
	return l.visitor(clientIP(r)).Allow()
}

func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CleanOldVisitors forgets idle clients every minute until ctx is done.
func (l *Limiter) CleanOldVisitors(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.clean(time.Now())
		}
	}
}

func (l *Limiter) clean(now time.Time) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for ip, v := range l.list {
		if now.Sub(v.lastSeen) > l.maxAge {
			delete(l.list, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
