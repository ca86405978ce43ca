package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamMuxLazyStart(t *testing.T) {
	var started atomic.Int32
	mux := NewStreamMux(func(ctx context.Context) (io.ReadCloser, error) {
		started.Add(1)
		return &idleReader{ctx: ctx}, nil
	})
	assert.Zero(t, started.Load())

	ch := mux.Subscribe()
	require.NotNil(t, ch)
	assert.Equal(t, int32(1), started.Load())
	assert.True(t, mux.Running())

	mux.Unsubscribe(ch)
	assert.False(t, mux.Running())
}

func TestStreamMuxSourceError(t *testing.T) {
	mux := NewStreamMux(func(ctx context.Context) (io.ReadCloser, error) {
		return nil, errors.New("camera offline")
	})

	assert.Nil(t, mux.Subscribe())
	assert.False(t, mux.Running())
	assert.Zero(t, mux.ClientCount())
}

func TestStreamMuxSharedSource(t *testing.T) {
	var started atomic.Int32
	mux := NewStreamMux(func(ctx context.Context) (io.ReadCloser, error) {
		started.Add(1)
		return &idleReader{ctx: ctx}, nil
	})

	ch1 := mux.Subscribe()
	ch2 := mux.Subscribe()
	ch3 := mux.Subscribe()
	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, 3, mux.ClientCount())

	mux.Unsubscribe(ch1)
	mux.Unsubscribe(ch2)
	assert.True(t, mux.Running())

	// The last subscriber leaving stops the source.
	mux.Unsubscribe(ch3)
	assert.False(t, mux.Running())
	assert.Zero(t, mux.ClientCount())
}

func TestStreamMuxBroadcast(t *testing.T) {
	data := []byte("--frame boundary--")
	mux := NewStreamMux(func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})

	ch1 := mux.Subscribe()
	ch2 := mux.Subscribe()

	for i, ch := range []chan []byte{ch1, ch2} {
		select {
		case chunk := <-ch:
			assert.Equal(t, data, chunk, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received data", i)
		}
	}

	// EOF from the source closes every subscriber channel.
	for _, ch := range []chan []byte{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("channel was not closed after EOF")
		}
	}
	assert.False(t, mux.Running())
}

func TestStreamMuxRestarts(t *testing.T) {
	var started atomic.Int32
	mux := NewStreamMux(func(ctx context.Context) (io.ReadCloser, error) {
		started.Add(1)
		return &idleReader{ctx: ctx}, nil
	})

	ch := mux.Subscribe()
	mux.Unsubscribe(ch)

	ch = mux.Subscribe()
	require.NotNil(t, ch)
	assert.Equal(t, int32(2), started.Load())
	assert.True(t, mux.Running())
	mux.Unsubscribe(ch)
}

// idleReader blocks until its context ends, then reports EOF.
type idleReader struct {
	ctx context.Context
}

func (r *idleReader) Read(p []byte) (int, error) {
	<-r.ctx.Done()
	return 0, io.EOF
}

func (r *idleReader) Close() error { return nil }
