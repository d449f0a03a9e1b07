package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vqvdb/internal/codecerr"
	"vqvdb/internal/grid"
	"vqvdb/pkg/types"
)

type mockService struct {
	ready     bool
	backends  types.BackendsResponse
	status    types.StatusResponse
	encodeErr error
	decodeErr error
	container []byte
	decoded   *grid.Grid
	lastSel   Selector
}

func (m *mockService) Encode(ctx context.Context, g *grid.Grid, sel Selector) ([]byte, error) {
	m.lastSel = sel
	if m.encodeErr != nil {
		return nil, m.encodeErr
	}
	return m.container, nil
}

func (m *mockService) Decode(ctx context.Context, data []byte, sel Selector) (*grid.Grid, error) {
	m.lastSel = sel
	if m.decodeErr != nil {
		return nil, m.decodeErr
	}
	return m.decoded, nil
}

func (m *mockService) Backends() types.BackendsResponse { return m.backends }
func (m *mockService) Status() types.StatusResponse     { return m.status }
func (m *mockService) Ready() bool                      { return m.ready }

func dumpBody(t *testing.T, g *grid.Grid) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	if err := grid.WriteDump(&buf, g); err != nil {
		t.Fatalf("dump: %v", err)
	}
	return bytes.NewReader(buf.Bytes())
}

func smallGrid(t *testing.T) *grid.Grid {
	t.Helper()
	g := grid.New(1)
	if err := g.Set(grid.Coord{X: 1, Y: 2, Z: 3}, 0.5); err != nil {
		t.Fatalf("set: %v", err)
	}
	return g
}

func TestEncodeHandler(t *testing.T) {
	svc := &mockService{container: []byte("VQVDB-bytes")}
	r := NewMux(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/encode?backend=native&model=fog&batch_size=16", dumpBody(t, smallGrid(t)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != contentTypeContainer {
		t.Fatalf("content-type=%s", ct)
	}
	if w.Body.String() != "VQVDB-bytes" {
		t.Fatalf("body=%q", w.Body.String())
	}
	want := Selector{Backend: "native", Model: "fog", BatchSize: 16}
	if svc.lastSel != want {
		t.Fatalf("selector=%+v", svc.lastSel)
	}
}

func TestEncodeHandler_BadInput(t *testing.T) {
	r := NewMux(&mockService{})
	cases := []struct {
		name string
		url  string
		body string
	}{
		{"batch size", "/v1/encode?batch_size=0", ""},
		{"batch size text", "/v1/encode?batch_size=many", ""},
		{"not a dump", "/v1/encode", "not msgpack"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, tc.url, strings.NewReader(tc.body)))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d", w.Code)
			}
			var body types.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("json: %v", err)
			}
			if body.Code != http.StatusBadRequest || body.Error == "" {
				t.Fatalf("unexpected body: %+v", body)
			}
		})
	}
}

func TestEncodeHandler_BodyTooLarge(t *testing.T) {
	SetMaxBodyBytes(8)
	defer SetMaxBodyBytes(0)
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/encode", dumpBody(t, smallGrid(t))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestDecodeHandler(t *testing.T) {
	g := smallGrid(t)
	svc := &mockService{decoded: g}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/decode?model=fog", strings.NewReader("container")))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != contentTypeDump {
		t.Fatalf("content-type=%s", ct)
	}
	out, err := grid.ReadDump(w.Body)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !grid.ActiveEqual(g, out, 0) {
		t.Fatalf("decoded grid differs")
	}
	if svc.lastSel.Model != "fog" {
		t.Fatalf("selector=%+v", svc.lastSel)
	}
}

func TestBackendsHandler(t *testing.T) {
	svc := &mockService{backends: types.BackendsResponse{
		Backends:       []string{"identity", "native"},
		Models:         []types.ModelInfo{{ID: "fog", Kind: "native"}},
		DefaultBackend: "native",
	}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/backends", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.BackendsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Backends) != 2 || len(body.Models) != 1 || body.DefaultBackend != "native" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestInspectHandler_Corrupt(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/inspect", strings.NewReader("definitely not a container")))
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Kind != "corrupt_file" {
		t.Fatalf("kind=%q", body.Kind)
	}
}

func TestHealthAndReady(t *testing.T) {
	r := NewMux(&mockService{ready: true})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz status=%d body=%q", w.Code, w.Body.String())
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ready" {
		t.Fatalf("readyz status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestReadyz_NotReady(t *testing.T) {
	r := NewMux(&mockService{ready: false})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestSecurityHeader(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
}

func TestCORSPreflight(t *testing.T) {
	SetCORSOptions([]string{"https://viewer.example"}, nil, nil)
	defer SetCORSOptions(nil, nil, nil)
	r := NewMux(&mockService{})
	req := httptest.NewRequest(http.MethodOptions, "/v1/encode", nil)
	req.Header.Set("Origin", "https://viewer.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://viewer.example" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestCORSDisabledByDefault(t *testing.T) {
	r := NewMux(&mockService{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://viewer.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestCanceledBaseContextDropsResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	SetBaseContext(ctx)
	defer SetBaseContext(nil)
	cancel()
	svc := &mockService{encodeErr: context.Canceled}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/encode", dumpBody(t, smallGrid(t))))
	if w.Body.Len() != 0 {
		t.Fatalf("expected no body after shutdown, got %q", w.Body.String())
	}
}

func TestServiceErrorIsClassified(t *testing.T) {
	svc := &mockService{encodeErr: codecerr.New(codecerr.EmptyGrid, "tiler.tile", "grid has no active voxels")}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/encode", dumpBody(t, grid.New(1))))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Kind != "empty_grid" {
		t.Fatalf("kind=%q", body.Kind)
	}
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{State: "ready", MaxInstances: 4,
		Instances: []types.InstanceStatus{{Backend: "native", ModelPath: "/m/fog.yaml", State: "ready"}}}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.MaxInstances != 4 || len(body.Instances) != 1 || body.Instances[0].Backend != "native" {
		t.Fatalf("unexpected body: %+v", body)
	}
}
