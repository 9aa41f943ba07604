package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func testBase(t *testing.T) *Base {
	t.Helper()
	b, err := NewBase(Descriptor{Name: "test"}, Config{
		Timezone:     "UTC",
		RequestDelay: time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return b
}

func TestOpenScopeLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	b := testBase(t)
	ctx := context.Background()

	// outside any open scope fetches are rejected
	_, err := b.Get(ctx, srv.URL)
	require.ErrorIs(t, err, ErrNotOpen)

	closeOuter, err := b.Open(ctx)
	require.NoError(t, err)

	body, err := b.Get(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))

	// a nested scope keeps the client alive past the outer close
	closeInner, err := b.Open(ctx)
	require.NoError(t, err)
	closeOuter()

	_, err = b.Get(ctx, srv.URL)
	require.NoError(t, err)

	// releasing a scope twice must not tear down the remaining one
	closeOuter()
	_, err = b.Get(ctx, srv.URL)
	require.NoError(t, err)

	closeInner()
	_, err = b.Get(ctx, srv.URL)
	require.ErrorIs(t, err, ErrNotOpen)

	// a fresh scope works after full teardown
	closeFn, err := b.Open(ctx)
	require.NoError(t, err)
	defer closeFn()
	_, err = b.Get(ctx, srv.URL)
	require.NoError(t, err)
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Inc()
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	b := testBase(t)
	closeFn, err := b.Open(context.Background())
	require.NoError(t, err)
	defer closeFn()

	_, err = b.Get(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, int32(1), requests.Load(), "a 4xx must not be retried")
}

func TestGetRetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Inc() == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	t.Cleanup(srv.Close)

	b := testBase(t)
	closeFn, err := b.Open(context.Background())
	require.NoError(t, err)
	defer closeFn()

	body, err := b.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(body))
	assert.Equal(t, int32(2), requests.Load())
}

func TestGetCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	b := testBase(t)
	closeFn, err := b.Open(context.Background())
	require.NoError(t, err)
	defer closeFn()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Get(ctx, srv.URL)
	require.ErrorIs(t, err, ErrUpstream)
}
