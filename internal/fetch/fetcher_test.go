package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFetcher uses a millisecond backoff so retry tests finish fast.
func newTestFetcher() *Fetcher {
	return New(Config{
		Timeout:     5 * time.Second,
		UserAgent:   "sentinel-test/1.0",
		BackoffBase: time.Millisecond,
	})
}

func TestFetchOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sentinel-test/1.0", r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	defer f.Close()

	res := f.Fetch(context.Background(), srv.URL)

	require.True(t, res.OK())
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/html", res.ContentType)
	assert.Equal(t, []byte("<html><body>hello</body></html>"), res.Body)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.SoftRedirect)
	assert.NoError(t, res.Err)
}

func TestFetch404NoRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher()
	defer f.Close()

	res := f.Fetch(context.Background(), srv.URL+"/missing")

	assert.Equal(t, ClassClientError, res.Class)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Error(t, res.Err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetch500RetriedTwice(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher()
	defer f.Close()

	res := f.Fetch(context.Background(), srv.URL)

	assert.Equal(t, ClassServerError, res.Class)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 3, res.Attempts)
}

func TestFetch500RecoversMidRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>recovered</html>"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	defer f.Close()

	res := f.Fetch(context.Background(), srv.URL)

	require.True(t, res.OK())
	assert.Equal(t, 2, res.Attempts)
}

func TestFetch429RetriesAndPausesThrottle(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher()
	defer f.Close()
	throttle := NewThrottle()
	f.SetThrottle(throttle)

	res := f.Fetch(context.Background(), srv.URL)

	assert.Equal(t, ClassServerError, res.Class)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, int32(3), hits.Load(), "429 gets the three-attempt schedule")
}

func TestFetchIgnoredContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 0x50, 0x4e, 0x47})
	}))
	defer srv.Close()

	f := newTestFetcher()
	defer f.Close()

	res := f.Fetch(context.Background(), srv.URL+"/logo.png")

	assert.Equal(t, ClassIgnoredType, res.Class)
	assert.Nil(t, res.Body, "ignored bodies are not read")
	assert.NoError(t, res.Err)
}

func TestFetchFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>moved here</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher()
	defer f.Close()

	res := f.Fetch(context.Background(), srv.URL+"/old")

	require.True(t, res.OK())
	assert.Equal(t, srv.URL+"/new", res.FinalURL)
}

func TestFetchDetectsSoftRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><meta http-equiv="refresh" content="0;url=/challenge"></head><body></body></html>`))
	}))
	defer srv.Close()

	f := newTestFetcher()
	defer f.Close()

	res := f.Fetch(context.Background(), srv.URL)

	require.True(t, res.OK())
	assert.True(t, res.SoftRedirect)
}

func TestFetchCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	f := newTestFetcher()
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.Fetch(ctx, srv.URL)

	assert.Equal(t, ClassNetworkError, res.Class)
	assert.Error(t, res.Err)
}

func TestThrottlePause(t *testing.T) {
	th := NewThrottle()
	assert.Zero(t, th.Remaining())

	th.Pause(50 * time.Millisecond)
	assert.Greater(t, th.Remaining(), time.Duration(0))

	// A shorter pause never shrinks the deadline.
	th.Pause(time.Millisecond)
	assert.Greater(t, th.Remaining(), 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, th.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Zero(t, th.Remaining())
}

func TestThrottleWaitCancelled(t *testing.T) {
	th := NewThrottle()
	th.Pause(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := th.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
