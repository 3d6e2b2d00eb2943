package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsflow/internal/ratelimit"
)

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "newsflow/1.0", r.Header.Get("User-Agent"))
		w.Write([]byte("hello feed"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, 1024)
	c, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, c.URL)
	assert.Equal(t, "hello feed", string(c.Body))
	assert.False(t, c.FetchedAt.IsZero())
}

func TestFetchClassifiesUpstreamStatus(t *testing.T) {
	cases := []struct {
		status  int
		wantErr error
	}{
		{http.StatusTooManyRequests, ratelimit.ErrRateLimited},
		{http.StatusServiceUnavailable, ratelimit.ErrOverloaded},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		f := NewHTTPFetcher(5*time.Second, 1024)
		_, err := f.Fetch(context.Background(), srv.URL)
		assert.ErrorIs(t, err, tc.wantErr, "status %d", tc.status)
		assert.True(t, ratelimit.Transient(err))
		srv.Close()
	}
}

func TestFetchPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, 1024)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, ratelimit.Transient(err), "a 404 must not be retried")
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestFetchOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, 1024)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, ratelimit.Transient(err))
	assert.Contains(t, err.Error(), "exceeds")
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "example.com", Domain("https://example.com/feed.xml"))
	assert.Equal(t, "example.com", Domain("https://www.example.com/feed.xml"))
	assert.Equal(t, "sub.example.com", Domain("http://sub.example.com/a?b=c"))
	assert.Equal(t, "not a url", Domain("not a url"), "unparseable input keys on itself")
}
