package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestItoa(t *testing.T) {
	cases := map[int]string{0: "0", 200: "200", 404: "404", 507: "507"}
	for n, want := range cases {
		if got := itoa(n); got != want {
			t.Fatalf("itoa(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestRoutePatternOrPathFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/models/abc/download", nil)
	if got := routePatternOrPath(r); got != "/v1/models/abc/download" {
		t.Fatalf("got %q", got)
	}
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: 200}
	sr.WriteHeader(http.StatusTeapot)
	if sr.status != http.StatusTeapot {
		t.Fatalf("status = %d", sr.status)
	}
	sr.Flush() // recorder implements Flusher, must not panic
	if !rec.Flushed {
		t.Fatal("flush not forwarded")
	}
}
