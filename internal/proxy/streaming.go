package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// defaultStreamTimeout bounds a single streaming response.
const defaultStreamTimeout = 600 * time.Second

// cancelReason is logged when the client goes away mid-stream.
const cancelReason = "Client disconnected or stream aborted"

// StreamingProxy pumps upstream SSE bytes to a client writer, honoring the
// request's cancellation signal and a streaming timeout. Bytes are forwarded
// verbatim; the proxy never re-chunks.
type StreamingProxy struct {
	Timeout time.Duration
	Log     *slog.Logger
}

// NewStreamingProxy creates a StreamingProxy. A non-positive timeout uses
// the 600s default.
func NewStreamingProxy(timeout time.Duration, log *slog.Logger) *StreamingProxy {
	if timeout <= 0 {
		timeout = defaultStreamTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &StreamingProxy{Timeout: timeout, Log: log}
}

// flusher is satisfied by writers that can push buffered bytes to the
// client immediately (bufio.Writer in the fasthttp stream path).
type flusher interface {
	Flush() error
}

// Pump copies upstream to w until EOF, error, timeout, or cancellation.
// On cancellation the upstream reader is closed and the pump returns nil;
// client disconnects are expected, not errors.
func (sp *StreamingProxy) Pump(rctx *RequestContext, upstream io.ReadCloser, w io.Writer) error {
	defer upstream.Close()

	ctx, cancel := context.WithTimeout(rctx.Context(), sp.Timeout)
	defer cancel()

	// Closing the upstream on cancellation unblocks a pending Read.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			upstream.Close()
		case <-stop:
		}
	}()

	f, _ := w.(flusher)
	buf := make([]byte, 4096)

	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				sp.Log.Debug(cancelReason,
					slog.String("requestId", rctx.RequestID),
					slog.String("error", writeErr.Error()),
				)
				return nil
			}
			if f != nil {
				if flushErr := f.Flush(); flushErr != nil {
					sp.Log.Debug(cancelReason,
						slog.String("requestId", rctx.RequestID),
						slog.String("error", flushErr.Error()),
					)
					return nil
				}
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if ctx.Err() != nil {
			// Cancelled or timed out: the upstream was closed by the watcher
			// goroutine, surface nothing.
			sp.Log.Debug(cancelReason, slog.String("requestId", rctx.RequestID))
			return nil
		}
		sp.Log.Error("streaming read failed",
			slog.String("requestId", rctx.RequestID),
			slog.String("error", readErr.Error()),
		)
		return readErr
	}
}
