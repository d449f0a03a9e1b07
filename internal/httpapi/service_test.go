package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	_ "vqvdb/internal/backend/identity"
	"vqvdb/internal/container"
	"vqvdb/internal/grid"
	"vqvdb/internal/manager"
	"vqvdb/internal/model"
	"vqvdb/internal/orchestrator"
)

func identityEntries(t *testing.T) []model.Entry {
	t.Helper()
	dir := t.TempDir()
	manifest := "id: id-p4\nkind: identity\npatch_size: 4\nalphabet_size: 256\n"
	if err := os.WriteFile(filepath.Join(dir, "id-p4.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	entries, err := model.LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	return entries
}

func identityService(t *testing.T) *CodecService {
	t.Helper()
	o := orchestrator.New(orchestrator.Config{Compression: container.CompressionZSTD})
	return NewCodecService(o, orchestrator.Request{Backend: "identity"}, identityEntries(t))
}

func rampGrid(t *testing.T) *grid.Grid {
	t.Helper()
	g := grid.New(1)
	for z := int32(0); z < 6; z++ {
		for y := int32(0); y < 6; y++ {
			for x := int32(0); x < 6; x++ {
				if err := g.Set(grid.Coord{X: x, Y: y, Z: z}, float32(x+y+z)); err != nil {
					t.Fatalf("set: %v", err)
				}
			}
		}
	}
	return g
}

func TestCodecServiceRoundTrip(t *testing.T) {
	svc := identityService(t)
	ctx := context.Background()
	g := rampGrid(t)
	data, err := svc.Encode(ctx, g, Selector{Model: "id-p4"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := svc.Decode(ctx, data, Selector{Model: "id-p4", BatchSize: 3})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !grid.ActiveEqual(g, out, 0) {
		t.Fatalf("round trip differs")
	}
}

func TestCodecServiceUnknownModel(t *testing.T) {
	svc := identityService(t)
	_, err := svc.Encode(context.Background(), rampGrid(t), Selector{Model: "missing"})
	if !IsModelNotFound(err) {
		t.Fatalf("expected model not found, got %v", err)
	}
}

func TestCodecServiceBackends(t *testing.T) {
	svc := identityService(t)
	resp := svc.Backends()
	if resp.DefaultBackend != "identity" {
		t.Fatalf("default backend=%q", resp.DefaultBackend)
	}
	if len(resp.Models) != 1 || resp.Models[0].ID != "id-p4" || resp.Models[0].Kind != "identity" {
		t.Fatalf("models=%+v", resp.Models)
	}
	if !svc.Ready() {
		t.Fatalf("identity backend should be ready")
	}
}

func TestEndToEndOverHTTP(t *testing.T) {
	r := NewMux(identityService(t))
	g := rampGrid(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/encode?model=id-p4", dumpBody(t, g)))
	if w.Code != http.StatusOK {
		t.Fatalf("encode status=%d body=%s", w.Code, w.Body.String())
	}
	data := append([]byte(nil), w.Body.Bytes()...)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/inspect", bytes.NewReader(data)))
	if w.Code != http.StatusOK {
		t.Fatalf("inspect status=%d body=%s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"model_id":"id-p4"`)) || !bytes.Contains(w.Body.Bytes(), []byte(`"patch_count":8`)) {
		t.Fatalf("inspect body=%s", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/decode?model=id-p4", bytes.NewReader(data)))
	if w.Code != http.StatusOK {
		t.Fatalf("decode status=%d body=%s", w.Code, w.Body.String())
	}
	out, err := grid.ReadDump(w.Body)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !grid.ActiveEqual(g, out, 0) {
		t.Fatalf("round trip differs")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/decode?model=id-p4", bytes.NewReader(data[:len(data)/2])))
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("truncated decode status=%d", w.Code)
	}
}

func TestManagedServiceKeepsCodecWarm(t *testing.T) {
	mgr := manager.New(orchestrator.New(orchestrator.Config{}), manager.Config{MaxInstances: 2})
	defer mgr.Close()
	svc := NewCodecService(mgr, orchestrator.Request{Backend: "identity"}, identityEntries(t))
	ctx := context.Background()
	g := rampGrid(t)
	for i := 0; i < 3; i++ {
		data, err := svc.Encode(ctx, g, Selector{Model: "id-p4"})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := svc.Decode(ctx, data, Selector{Model: "id-p4"}); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	st := svc.Status()
	if len(st.Instances) != 1 || st.Instances[0].ModelID != "id-p4" || st.MaxInstances != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if !svc.Ready() {
		t.Fatalf("service should be ready")
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if svc.Ready() {
		t.Fatalf("service must not be ready after close")
	}
}
