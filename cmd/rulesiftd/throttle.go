package main

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// throttle delays responses to clients that exceed threshold requests
// within window. It never rejects a request. The number of tracked clients
// is bounded by maxClients.
type throttle struct {
	threshold  int
	window     time.Duration
	delay      time.Duration
	maxClients int

	mu      sync.Mutex
	clients map[string]*clientWindow

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type clientWindow struct {
	start time.Time
	count int
}

func newThrottle(threshold int, window, delay time.Duration, maxClients int) *throttle {
	if threshold <= 0 || delay <= 0 {
		return nil
	}
	if maxClients <= 0 {
		maxClients = 10000
	}
	return &throttle{
		threshold:  threshold,
		window:     window,
		delay:      delay,
		maxClients: maxClients,
		clients:    make(map[string]*clientWindow),
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// observe counts a request from key and returns how long to hold it.
func (t *throttle) observe(key string) time.Duration {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	cw, ok := t.clients[key]
	if ok && t.window > 0 && now.Sub(cw.start) >= t.window {
		cw.start = now
		cw.count = 0
	}
	if !ok {
		if len(t.clients) >= t.maxClients {
			t.evictLocked(now)
		}
		cw = &clientWindow{start: now}
		t.clients[key] = cw
	}

	cw.count++
	if cw.count > t.threshold {
		return t.delay
	}
	return 0
}

// evictLocked drops expired windows, or the oldest one when none expired.
func (t *throttle) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, cw := range t.clients {
		if t.window > 0 && now.Sub(cw.start) >= t.window {
			delete(t.clients, key)
			continue
		}
		if oldestKey == "" || cw.start.Before(oldest) {
			oldestKey, oldest = key, cw.start
		}
	}
	if len(t.clients) >= t.maxClients && oldestKey != "" {
		delete(t.clients, oldestKey)
	}
}

func (t *throttle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// Middleware applies the throttle to every request. A nil throttle passes
// requests through.
func (t *throttle) Middleware(next http.Handler) http.Handler {
	if t == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d := t.observe(clientKey(r)); d > 0 {
			if err := t.sleep(r.Context(), d); err != nil {
				return // client went away
			}
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
