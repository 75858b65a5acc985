package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tjfontaine/chatline/internal/core/domain"
)

// RateLimitInfo is written as x-ratelimit-* headers.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	RequestsReset     string
}

func writeRateLimitHeaders(h http.Header, rl RateLimitInfo) {
	if rl.RequestsLimit > 0 {
		h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.RequestsLimit))
		// 0 is a meaningful remaining value once a limit is known.
		h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.RequestsRemaining))
	}
	if rl.RequestsReset != "" {
		h.Set("x-ratelimit-reset-requests", rl.RequestsReset)
	}
}

type window struct {
	count int
	reset time.Time
}

// RateLimiter counts requests per client address in fixed windows.
type RateLimiter struct {
	limit   int
	window  time.Duration
	mu      sync.Mutex
	clients *cache.Cache
	now     func() time.Time
}

func NewRateLimiter(limit int, per time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  per,
		clients: cache.New(per, 2*per),
		now:     time.Now,
	}
}

func (l *RateLimiter) take(key string) (RateLimitInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.clients.Get(key)
	win, _ := w.(*window)
	if !ok || win == nil || !now.Before(win.reset) {
		win = &window{reset: now.Add(l.window)}
		l.clients.Set(key, win, l.window)
	}
	win.count++

	remaining := l.limit - win.count
	if remaining < 0 {
		remaining = 0
	}
	info := RateLimitInfo{
		RequestsLimit:     l.limit,
		RequestsRemaining: remaining,
		RequestsReset:     win.reset.Sub(now).Round(time.Second).String(),
	}
	return info, win.count <= l.limit
}

// Middleware throttles brute-force attempts on login endpoints.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := l.take(clientAddr(r))
		writeRateLimitHeaders(w.Header(), info)
		if !ok {
			writeError(w, domain.NewError(domain.KindAuth, "too many attempts").WithStatusCode(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
