package proxy

import (
	"context"
	"io"
	"net/http"
)

// doneChunk terminates an OpenAI-compatible SSE stream.
var doneChunk = []byte("data: [DONE]\n\n")

// relayStream copies the backend's stream to the client verbatim, flushing
// after every chunk and invoking onChunk per chunk. The bytes are opaque: no
// framing is parsed or rewritten. Returns the first read or write error;
// a client disconnect surfaces as a context or write error and the caller's
// finalizer still runs.
func relayStream(ctx context.Context, w http.ResponseWriter, body io.Reader, onChunk func()) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
			if onChunk != nil {
				onChunk()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

// writeDone emits the terminal SSE marker, best-effort.
func writeDone(w http.ResponseWriter) {
	if _, err := w.Write(doneChunk); err != nil {
		return
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
