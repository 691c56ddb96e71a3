package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPMiddlewareCountsByRoute(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))

	for _, target := range []string{"/api/messages", "/api/messages?limit=5", "/api/messages?limit=bad"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()
	for _, want := range []string{
		`livesync_http_requests_total{method="GET",path="/api/messages",status="200"} 2`,
		`livesync_http_requests_total{method="GET",path="/api/messages",status="400"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got %q", want, body)
		}
	}
}

func TestResponseRecorderTracksBytes(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	_, _ = rr.Write([]byte("hello"))
	_, _ = rr.Write([]byte(" world"))
	if rr.BytesWritten() != 11 || rr.Status() != http.StatusOK {
		t.Fatalf("unexpected recorder state status=%d bytes=%d", rr.Status(), rr.BytesWritten())
	}
	if rr.Hijacked() {
		t.Fatal("plain responses must not report a hijack")
	}
}

func TestResponseRecorderHijackUnsupported(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, _, err := rr.Hijack(); err != http.ErrNotSupported {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if rr.Hijacked() {
		t.Fatal("failed hijack must not be recorded")
	}
}

func TestHTTPMiddlewareRecordsUpgrades(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		time.Sleep(20 * time.Millisecond)
		_ = conn.Close()
	}))
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		handler.ServeHTTP(w, r)
	}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/ws")
	if err == nil {
		resp.Body.Close()
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	label := requestLabel{method: "GET", path: "/ws", status: "101"}
	if recorder.requestCount[label] != 1 {
		t.Fatalf("expected a 101 entry for /ws, got %+v", recorder.requestCount)
	}
	if recorder.requestDuration[label] != 0 {
		t.Fatalf("upgraded sockets must not accumulate duration, got %v", recorder.requestDuration[label])
	}
}

func TestSetDefaultRoutesPackageHelpers(t *testing.T) {
	original := Default()
	t.Cleanup(func() {
		SetDefault(original)
	})

	recorder := New()
	SetDefault(recorder)
	SetDefault(nil)

	ObserveRequest("GET", "/api/poll", http.StatusOK, 15*time.Millisecond)

	var buf bytes.Buffer
	recorder.Write(&buf)
	expected := `livesync_http_requests_total{method="GET",path="/api/poll",status="200"} 1`
	if !strings.Contains(buf.String(), expected) {
		t.Fatalf("expected default recorder metrics to include %q, got %q", expected, buf.String())
	}
}
