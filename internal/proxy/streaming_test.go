package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// blockingReader blocks Read until Close, mimicking an idle upstream SSE
// connection.
type blockingReader struct {
	once   sync.Once
	closed chan struct{}
}

func newBlockingReader() *blockingReader {
	return &blockingReader{closed: make(chan struct{})}
}

func (r *blockingReader) Read([]byte) (int, error) {
	<-r.closed
	return 0, errors.New("use of closed connection")
}

func (r *blockingReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

// flushCountingWriter records writes and flushes.
type flushCountingWriter struct {
	bytes.Buffer
	flushes int
}

func (w *flushCountingWriter) Flush() error {
	w.flushes++
	return nil
}

func TestPump_ForwardsVerbatim(t *testing.T) {
	sp := NewStreamingProxy(time.Second, nil)
	rctx := testRequestContext(t)

	payload := "data: {\"choices\":[]}\n\ndata: [DONE]\n\n"
	upstream := io.NopCloser(strings.NewReader(payload))

	var w flushCountingWriter
	if err := sp.Pump(rctx, upstream, &w); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if w.String() != payload {
		t.Errorf("forwarded bytes differ:\n got %q\nwant %q", w.String(), payload)
	}
	if w.flushes == 0 {
		t.Error("pump must flush after writing")
	}
}

func TestPump_ClientCancelIsSilent(t *testing.T) {
	sp := NewStreamingProxy(time.Minute, nil)
	rctx := NewRequestContext(context.Background(), "req-cancel", time.Minute)

	upstream := newBlockingReader()

	done := make(chan error, 1)
	go func() {
		var w bytes.Buffer
		done <- sp.Pump(rctx, upstream, &w)
	}()

	// Simulate the client going away mid-stream.
	time.Sleep(20 * time.Millisecond)
	rctx.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("cancellation must not surface an error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not unblock after cancel")
	}

	select {
	case <-upstream.closed:
	default:
		t.Error("upstream reader must be closed on cancel")
	}
}

func TestPump_TimeoutClosesUpstream(t *testing.T) {
	sp := NewStreamingProxy(50*time.Millisecond, nil)
	rctx := testRequestContext(t)

	upstream := newBlockingReader()

	var w bytes.Buffer
	start := time.Now()
	if err := sp.Pump(rctx, upstream, &w); err != nil {
		t.Errorf("timeout must not surface an error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("pump did not honor the streaming timeout")
	}
}

func TestPump_UpstreamErrorSurfaces(t *testing.T) {
	sp := NewStreamingProxy(time.Second, nil)
	rctx := testRequestContext(t)

	boom := errors.New("connection reset by peer")
	upstream := io.NopCloser(io.MultiReader(
		strings.NewReader("data: partial\n\n"),
		&errReader{err: boom},
	))

	var w bytes.Buffer
	err := sp.Pump(rctx, upstream, &w)
	if !errors.Is(err, boom) {
		t.Errorf("expected upstream error, got %v", err)
	}
	if !strings.Contains(w.String(), "data: partial") {
		t.Error("bytes before the error must be forwarded")
	}
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }
