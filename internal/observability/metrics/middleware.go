package metrics

import (
	"bufio"
	"net"
	"net/http"
	"time"
)

// ResponseRecorder captures the status and body size written by a handler.
// It stays transparent to websocket upgrades: Hijack is forwarded and the
// request is marked as switched so callers can tell upgrades apart.
type ResponseRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	hijacked bool
}

// NewResponseRecorder wraps w. The status defaults to 200 until the handler
// writes a header.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// BytesWritten reports the number of body bytes written through the recorder.
func (rr *ResponseRecorder) BytesWritten() int64 {
	return rr.bytes
}

// Hijacked reports whether the connection was taken over, typically by a
// websocket upgrade.
func (rr *ResponseRecorder) Hijacked() bool {
	return rr.hijacked
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	n, err := rr.ResponseWriter.Write(p)
	rr.bytes += int64(n)
	return n, err
}

func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack hands the raw connection to the caller and records the protocol
// switch.
func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		rr.hijacked = true
		rr.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// HTTPMiddleware counts every request on recorder, or on Default when nil.
// Upgraded sockets are counted with status 101 but contribute no duration,
// since the handler only returns once the socket closes.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorder
		if rec == nil {
			rec = Default()
		}
		rr := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		elapsed := time.Since(start)
		if rr.Hijacked() {
			elapsed = 0
		}
		rec.ObserveRequest(r.Method, r.URL.Path, rr.Status(), elapsed)
	})
}
