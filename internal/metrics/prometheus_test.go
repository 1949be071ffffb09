package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T) (int, string) {
	t.Helper()
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rr.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return rr.Code, string(body)
}

// The two phases share one test so the uninitialized check always runs
// before InitPrometheus touches the package state.
func TestHandlerBeforeAndAfterInit(t *testing.T) {
	code, _ := scrape(t)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("uninitialized scrape: expected 503, got %d", code)
	}

	InitPrometheus("fluxlive_test", nil)
	RecordPrometheusInvoke("Counter", "increment", 3, true)

	code, body := scrape(t)
	if code != http.StatusOK {
		t.Fatalf("initialized scrape: expected 200, got %d", code)
	}
	if !strings.Contains(body, "fluxlive_test_invokes_total") {
		t.Fatalf("scrape missing invoke counter:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatal("scrape missing default Go collector")
	}
}
