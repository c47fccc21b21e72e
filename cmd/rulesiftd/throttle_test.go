package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestThrottleObserve(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	th := newThrottle(2, time.Minute, 2*time.Second, 0)
	th.now = clock.now

	assert.Zero(t, th.observe("a"))
	assert.Zero(t, th.observe("a"))
	assert.Equal(t, 2*time.Second, th.observe("a"), "third request is over the threshold")
	assert.Zero(t, th.observe("b"), "clients are counted separately")

	clock.advance(time.Minute)
	assert.Zero(t, th.observe("a"), "window expired")
}

func TestThrottleWithoutWindowNeverResets(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	th := newThrottle(1, 0, time.Second, 0)
	th.now = clock.now

	assert.Zero(t, th.observe("a"))
	clock.advance(24 * time.Hour)
	assert.Equal(t, time.Second, th.observe("a"))
}

func TestThrottleBounded(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	th := newThrottle(5, time.Minute, time.Second, 2)
	th.now = clock.now

	th.observe("a")
	clock.advance(time.Second)
	th.observe("b")
	clock.advance(time.Second)
	th.observe("c")

	assert.Equal(t, 2, th.size())
	th.mu.Lock()
	_, hasOldest := th.clients["a"]
	th.mu.Unlock()
	assert.False(t, hasOldest, "oldest client evicted")
}

func TestThrottleDisabled(t *testing.T) {
	assert.Nil(t, newThrottle(0, time.Minute, time.Second, 0))
	assert.Nil(t, newThrottle(5, time.Minute, 0, 0))

	var th *throttle
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rec := httptest.NewRecorder()
	th.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestThrottleMiddlewareDelays(t *testing.T) {
	th := newThrottle(1, time.Minute, 2*time.Second, 0)
	var slept []time.Duration
	th.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	handler := th.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:51000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, slept)
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.7:4242"
	assert.Equal(t, "192.168.1.7", clientKey(req))

	req.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", clientKey(req))
}
