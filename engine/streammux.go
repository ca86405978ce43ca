package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// StreamMux fans one byte stream out to any number of subscribers. The
// source is opened lazily when the first subscriber arrives and closed again
// when the last one leaves, so an expensive upstream (a printer camera
// stream, say) only runs while somebody is watching.
type StreamMux struct {
	mu      sync.RWMutex
	subs    map[chan []byte]struct{}
	running bool
	cancel  context.CancelFunc

	// gen distinguishes broadcast incarnations so a source that dies while
	// a replacement is already running can't tear down the replacement.
	gen uint64

	source func(ctx context.Context) (io.ReadCloser, error)
}

// NewStreamMux wraps a source. The source's context is canceled when the
// last subscriber leaves.
func NewStreamMux(source func(ctx context.Context) (io.ReadCloser, error)) *StreamMux {
	return &StreamMux{
		subs:   make(map[chan []byte]struct{}),
		source: source,
	}
}

// Subscribe attaches a new consumer, starting the source if it isn't
// running. Returns nil when the source failed to start. Callers must
// Unsubscribe the returned channel when done.
func (s *StreamMux) Subscribe() chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.gen++

		reader, err := s.source(ctx)
		if err != nil {
			slog.Error("streammux: failed to start source", "error", err)
			cancel()
			return nil
		}

		s.running = true
		go s.broadcast(ctx, reader, s.gen)
	}

	ch := make(chan []byte, 30)
	s.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe detaches a consumer. The source is stopped when no consumers
// remain.
func (s *StreamMux) Unsubscribe(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subs, ch)
	close(ch)

	if len(s.subs) == 0 && s.cancel != nil {
		s.cancel()
		s.running = false
		s.cancel = nil
	}
}

func (s *StreamMux) broadcast(ctx context.Context, reader io.ReadCloser, myGen uint64) {
	defer reader.Close()
	defer func() {
		s.mu.Lock()
		if s.gen == myGen {
			s.running = false
			for ch := range s.subs {
				close(ch)
				delete(s.subs, ch)
			}
		}
		s.mu.Unlock()
	}()

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			// Subscribers that aren't keeping up lose chunks rather than
			// slowing everyone else down.
			s.mu.RLock()
			for ch := range s.subs {
				select {
				case ch <- chunk:
				default:
				}
			}
			s.mu.RUnlock()
		}
		if err != nil {
			if err != io.EOF {
				slog.Error("streammux: read error", "error", err)
			}
			return
		}
	}
}

// ClientCount returns the current number of subscribers.
func (s *StreamMux) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Running reports whether the source is currently open.
func (s *StreamMux) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
