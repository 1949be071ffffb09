package runtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/config"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/metrics"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/registry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.WorkDir = t.TempDir()
	cfg.Timeouts.Heartbeat = time.Second
	return cfg
}

func counterType() *registry.Type {
	return &registry.Type{
		Name:          "Counter",
		SchemaVersion: 1,
		InitialState: func(props map[string]any) (map[string]any, error) {
			initial := float64(0)
			switch n := props["initial"].(type) {
			case float64:
				initial = n
			case json.Number:
				initial, _ = n.Float64()
			}
			return map[string]any{"count": initial}, nil
		},
		Methods: map[string]*registry.Method{
			"increment": {
				Name:  "increment",
				Arity: 1,
				Handler: func(ctx registry.Context, params []any) (any, error) {
					amount := float64(0)
					switch n := params[0].(type) {
					case float64:
						amount = n
					case json.Number:
						amount, _ = n.Float64()
					}
					count := float64(0)
					if v, ok := ctx.ReadState("count"); ok {
						count = v.(float64)
					}
					count += amount
					ctx.SetState(map[string]any{"count": count})
					return count, nil
				},
			},
		},
	}
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialTestServer(t *testing.T, cfg *config.Config) *wsClient {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(counterType()); err != nil {
		t.Fatalf("register: %v", err)
	}
	srv, err := New(cfg, reg)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Server.WSPath
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) send(frame string) {
	c.t.Helper()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next reads frames until an update with the wanted type arrives.
func (c *wsClient) next(wantType string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.ws.SetReadDeadline(deadline)
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.t.Fatalf("read waiting for %s: %v", wantType, err)
		}
		var env struct {
			Updates []map[string]any `json:"updates"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			c.t.Fatalf("bad envelope: %v", err)
		}
		for _, u := range env.Updates {
			if u["type"] == wantType {
				return u
			}
		}
	}
	c.t.Fatalf("no %s update arrived", wantType)
	return nil
}

func TestCounterOverTheWire(t *testing.T) {
	c := dialTestServer(t, testConfig(t))

	c.send(`{"updates":[{"type":"getInitialState","componentName":"Counter","props":{"initial":5},"requestId":"r1"}]}`)
	init := c.next("initial_state")
	id, _ := init["$ID"].(string)
	if id == "" {
		t.Fatalf("no $ID in initial_state: %+v", init)
	}
	if init["version"] != float64(1) {
		t.Fatalf("expected version 1: %+v", init)
	}
	state := init["state"].(map[string]any)
	if state["count"] != float64(5) {
		t.Fatalf("initial count wrong: %+v", state)
	}

	c.send(fmt.Sprintf(
		`{"updates":[{"type":"callMethod","name":"Counter","id":%q,"methodName":"increment","params":[3],"requestId":"r2"}]}`, id))

	update := c.next("state_update")
	if update["fromVersion"] != float64(1) || update["toVersion"] != float64(2) {
		t.Fatalf("unexpected transition: %+v", update)
	}
	patch := update["patch"].([]any)
	op := patch[0].(map[string]any)
	if op["op"] != "replace" || op["path"] != "/count" || op["value"] != float64(8) {
		t.Fatalf("unexpected patch: %+v", op)
	}

	result := c.next("function-result")
	if result["requestId"] != "r2" || result["result"] != float64(8) {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestPingPong(t *testing.T) {
	c := dialTestServer(t, testConfig(t))
	c.send(`{"updates":[{"type":"ping"}]}`)
	c.next("pong")
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	c := dialTestServer(t, testConfig(t))
	c.send(`{"updates":[{"type":"teleport"}]}`)

	errFrame := c.next("error")
	if errFrame["code"] != "BAD_FRAME" {
		t.Fatalf("expected BAD_FRAME, got %+v", errFrame)
	}

	c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, 4001) {
				t.Fatalf("expected close 4001, got %v", err)
			}
			return
		}
	}
}

func TestUnknownMethodErrorFrame(t *testing.T) {
	c := dialTestServer(t, testConfig(t))

	c.send(`{"updates":[{"type":"getInitialState","componentName":"Counter","requestId":"r1"}]}`)
	init := c.next("initial_state")
	id := init["$ID"].(string)

	c.send(fmt.Sprintf(
		`{"updates":[{"type":"callMethod","name":"Counter","id":%q,"methodName":"explode","requestId":"r2"}]}`, id))
	errFrame := c.next("error")
	if errFrame["code"] != "UNKNOWN_METHOD" || errFrame["requestId"] != "r2" {
		t.Fatalf("unexpected error frame: %+v", errFrame)
	}
}

func TestUploadOverTheWire(t *testing.T) {
	c := dialTestServer(t, testConfig(t))

	c.send(`{"updates":[{"type":"getInitialState","componentName":"Counter","requestId":"r1"}]}`)
	id := c.next("initial_state")["$ID"].(string)

	c.send(fmt.Sprintf(
		`{"updates":[{"type":"uploadBegin","instanceId":%q,"uploadId":"up-1","fileName":"a.bin","totalBytes":4,"chunkSize":4}]}`, id))
	c.send(`{"updates":[{"type":"uploadChunk","uploadId":"up-1","seq":0,"bytesBase64":"dGVzdA=="}]}`)
	progress := c.next("upload-progress")
	if progress["received"] != float64(4) || progress["total"] != float64(4) {
		t.Fatalf("unexpected progress: %+v", progress)
	}
	c.send(`{"updates":[{"type":"uploadEnd","uploadId":"up-1"}]}`)

	// No error frame means the upload finalized; a bad-seq replay now fails.
	c.send(`{"updates":[{"type":"uploadChunk","uploadId":"up-1","seq":1,"bytesBase64":"dGVzdA=="}]}`)
	errFrame := c.next("error")
	if errFrame["code"] != "BAD_FRAME" {
		t.Fatalf("finalized upload should be unknown: %+v", errFrame)
	}
}

func TestUploadBeginRequiresSubscription(t *testing.T) {
	c := dialTestServer(t, testConfig(t))

	c.send(`{"updates":[{"type":"getInitialState","componentName":"Counter","requestId":"r1"}]}`)
	id := c.next("initial_state")["$ID"].(string)

	c.send(fmt.Sprintf(`{"updates":[{"type":"unsubscribe","id":%q}]}`, id))
	c.send(fmt.Sprintf(
		`{"updates":[{"type":"uploadBegin","instanceId":%q,"uploadId":"up-1","fileName":"a.bin","totalBytes":4,"chunkSize":4}]}`, id))
	errFrame := c.next("error")
	if errFrame["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %+v", errFrame)
	}
}

func TestUnsubscribeAbortsUpload(t *testing.T) {
	c := dialTestServer(t, testConfig(t))

	c.send(`{"updates":[{"type":"getInitialState","componentName":"Counter","requestId":"r1"}]}`)
	id := c.next("initial_state")["$ID"].(string)

	c.send(fmt.Sprintf(
		`{"updates":[{"type":"uploadBegin","instanceId":%q,"uploadId":"up-1","fileName":"a.bin","totalBytes":8,"chunkSize":4}]}`, id))
	c.send(`{"updates":[{"type":"uploadChunk","uploadId":"up-1","seq":0,"bytesBase64":"dGVzdA=="}]}`)
	progress := c.next("upload-progress")
	if progress["received"] != float64(4) {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	c.send(fmt.Sprintf(`{"updates":[{"type":"unsubscribe","id":%q}]}`, id))
	c.send(`{"updates":[{"type":"uploadChunk","uploadId":"up-1","seq":1,"bytesBase64":"dGVzdA=="}]}`)
	errFrame := c.next("error")
	if errFrame["code"] != "BAD_FRAME" {
		t.Fatalf("aborted upload should be unknown, got %+v", errFrame)
	}
}

// Constructing the server must not require Prometheus: the scrape route
// answers 503 until InitPrometheus runs, then serves the registry.
func TestMetricsEndpointWithAndWithoutPrometheus(t *testing.T) {
	cfg := testConfig(t)
	reg := registry.New()
	reg.Register(counterType())
	srv, err := New(cfg, reg)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + cfg.Server.MetricsPath)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before init, got %d", resp.StatusCode)
	}

	metrics.InitPrometheus("fluxlive", nil)
	resp, err = http.Get(ts.URL + cfg.Server.MetricsPath)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after init, got %d", resp.StatusCode)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	cfg := testConfig(t)
	reg := registry.New()
	reg.Register(counterType())
	srv, err := New(cfg, reg)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %+v", body)
	}
}
