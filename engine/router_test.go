package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterHandleFunc(t *testing.T) {
	router := NewRouter()
	assert.NotNil(t, router)

	router.HandleFunc("GET /widgets/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "widget %s", r.PathValue("id"))
	})

	req := httptest.NewRequest("GET", "/widgets/123", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "widget 123", w.Body.String())

	// Method mismatches fall through to the stdlib mux
	req = httptest.NewRequest("POST", "/widgets/123", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req = httptest.NewRequest("GET", "/missing", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouterStatusPassthrough(t *testing.T) {
	router := NewRouter()
	router.HandleFunc("GET /teapot", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	// The logging wrapper must not mangle explicit status codes
	req := httptest.NewRequest("GET", "/teapot", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestHandleError(t *testing.T) {
	w := httptest.NewRecorder()
	assert.False(t, HandleError(w, nil))
	assert.Equal(t, 200, w.Code)
	assert.Empty(t, w.Body.String())

	w = httptest.NewRecorder()
	assert.True(t, HandleError(w, errors.New("db on fire")))
	assert.Equal(t, 500, w.Code)
	assert.Contains(t, w.Body.String(), "Internal error")

	// The internal message never leaks to the client
	assert.NotContains(t, w.Body.String(), "db on fire")
}

func TestSystemError(t *testing.T) {
	w := httptest.NewRecorder()
	SystemError(w, "something broke", "detail", "value")
	assert.Equal(t, 500, w.Code)
	assert.Contains(t, w.Body.String(), "Internal error")
	assert.NotContains(t, w.Body.String(), "something broke")
}

func TestResponseWrapperFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	ww := &responseWrapper{ResponseWriter: rec, status: 200}

	flusher, ok := any(ww).(http.Flusher)
	require.True(t, ok)
	flusher.Flush()
	assert.True(t, rec.Flushed)
}

func TestResponseWrapperHijack(t *testing.T) {
	// httptest's recorder isn't a hijacker, so the wrapper must refuse
	ww := &responseWrapper{ResponseWriter: httptest.NewRecorder(), status: 200}
	_, _, err := ww.Hijack()
	assert.ErrorIs(t, err, http.ErrNotSupported)
}

func TestRouterServe(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	router := NewRouter()
	router.HandleFunc("GET /healthz", ServeLiveness())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- router.Serve(addr)(ctx) }()

	url := fmt.Sprintf("http://%s/healthz", addr)
	require.Eventually(t, func() bool {
		return CheckHealthProbe(url) == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
