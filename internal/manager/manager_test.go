package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "vqvdb/internal/backend/identity"
	"vqvdb/internal/codecerr"
	"vqvdb/internal/grid"
	"vqvdb/internal/orchestrator"
)

func TestEnsureReusesInstance(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := m.Encode(ctx, smallGrid(t), req("reuse")); err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
	}
	if n := createCount("reuse"); n != 1 {
		t.Fatalf("expected one load, got %d", n)
	}
	st := m.Status()
	if len(st.Instances) != 1 || st.Instances[0].State != string(StateReady) || st.Instances[0].ModelID != "reuse" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.Instances[0].MaxInflight != 1 {
		t.Fatalf("serial codec should admit one call, got %d", st.Instances[0].MaxInflight)
	}
}

func TestConcurrentCallersLoadOnce(t *testing.T) {
	m := newTestManager(t, Config{})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Encode(context.Background(), smallGrid(t), req("concurrent"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	if n := createCount("concurrent"); n != 1 {
		t.Fatalf("expected one load, got %d", n)
	}
	if got := m.Status().Instances[0].MaxInflight; got != defaultMaxInflight {
		t.Fatalf("concurrent codec max inflight=%d", got)
	}
}

func TestFailedLoadIsNotCached(t *testing.T) {
	m := newTestManager(t, Config{})
	before := createCount("fail")
	for i := 0; i < 2; i++ {
		_, err := m.Encode(context.Background(), smallGrid(t), req("fail"))
		if !codecerr.IsModelLoad(err) {
			t.Fatalf("expected model load error, got %v", err)
		}
	}
	if n := createCount("fail") - before; n != 2 {
		t.Fatalf("expected two load attempts, got %d", n)
	}
	if len(m.Status().Instances) != 0 {
		t.Fatalf("failed instance kept: %+v", m.Status())
	}
}

func TestUnknownBackendAndDevice(t *testing.T) {
	m := newTestManager(t, Config{})
	_, err := m.Encode(context.Background(), smallGrid(t), orchestrator.Request{Backend: "tpu"})
	if !codecerr.IsUnknownBackend(err) {
		t.Fatalf("expected unknown backend, got %v", err)
	}
	_, err = m.Encode(context.Background(), smallGrid(t), orchestrator.Request{Backend: fakeBackend, Device: "abacus"})
	if !codecerr.IsModelLoad(err) {
		t.Fatalf("expected model load on bad device, got %v", err)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	m := newTestManager(t, Config{MaxInstances: 2})
	ctx := context.Background()
	for _, p := range []string{"lru-a", "lru-b"} {
		if _, err := m.Encode(ctx, smallGrid(t), req(p)); err != nil {
			t.Fatalf("encode %s: %v", p, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	// touch a so b becomes the eviction candidate
	if _, err := m.Encode(ctx, smallGrid(t), req("lru-a")); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := m.Encode(ctx, smallGrid(t), req("lru-c")); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !fakeFor("lru-b").shut.Load() {
		t.Fatalf("lru-b should have been shut down")
	}
	if fakeFor("lru-a").shut.Load() {
		t.Fatalf("lru-a was used recently and must stay")
	}
	st := m.Status()
	if len(st.Instances) != 2 || st.Instances[0].ModelPath != "lru-a" || st.Instances[1].ModelPath != "lru-c" {
		t.Fatalf("unexpected instances: %+v", st.Instances)
	}
}

func TestQueueFullIsTooBusy(t *testing.T) {
	release := blockPath("busy")
	m := newTestManager(t, Config{MaxQueueDepth: 1, MaxWait: 50 * time.Millisecond})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := m.Encode(ctx, smallGrid(t), req("busy"))
		first <- err
	}()
	var fc *fakeCodec
	for fc == nil {
		time.Sleep(time.Millisecond)
		fc = fakeFor("busy")
	}
	<-fc.entered

	_, err := m.Encode(ctx, smallGrid(t), req("busy"))
	if !IsTooBusy(err) {
		t.Fatalf("expected too busy, got %v", err)
	}
	if st := m.Status(); st.Instances[0].Inflight != 1 || st.Instances[0].QueueLen != 1 {
		t.Fatalf("unexpected status while busy: %+v", st.Instances[0])
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first encode: %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Encode(ctx, smallGrid(t), req("canceled")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestUnload(t *testing.T) {
	m := newTestManager(t, Config{})
	if _, err := m.Encode(context.Background(), smallGrid(t), req("unload")); err != nil {
		t.Fatalf("encode: %v", err)
	}
	ok, err := m.Unload(Key{Backend: fakeBackend, ModelPath: "unload", Device: "cpu"})
	if !ok || err != nil {
		t.Fatalf("unload ok=%v err=%v", ok, err)
	}
	if !fakeFor("unload").shut.Load() || len(m.Status().Instances) != 0 {
		t.Fatalf("instance not unloaded")
	}
	if ok, _ := m.Unload(Key{Backend: fakeBackend, ModelPath: "unload", Device: "cpu"}); ok {
		t.Fatalf("second unload should report false")
	}
}

func TestCloseAggregatesShutdownErrors(t *testing.T) {
	m := New(orchestrator.New(orchestrator.Config{}), Config{})
	ctx := context.Background()
	for _, p := range []string{"close-ok", "shutfail"} {
		if _, err := m.Encode(ctx, smallGrid(t), req(p)); err != nil {
			t.Fatalf("encode %s: %v", p, err)
		}
	}
	err := m.Close()
	if err == nil || !strings.Contains(err.Error(), "device reset") {
		t.Fatalf("expected aggregated shutdown error, got %v", err)
	}
	if !fakeFor("close-ok").shut.Load() || !fakeFor("shutfail").shut.Load() {
		t.Fatalf("every codec must be shut down")
	}
	if m.Ready() {
		t.Fatalf("closed manager reports ready")
	}
	if _, err := m.Encode(ctx, smallGrid(t), req("close-ok")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "id.yaml")
	if err := os.WriteFile(p, []byte("id: id-p2\nkind: identity\npatch_size: 2\nalphabet_size: 256\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	m := newTestManager(t, Config{})
	r := orchestrator.Request{Backend: "identity", ModelPath: p, BatchSize: 2}
	g := smallGrid(t)
	data, err := m.Encode(context.Background(), g, r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := m.Decode(context.Background(), data, r)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !grid.ActiveEqual(g, out, 0) {
		t.Fatalf("round trip differs")
	}
	if n := len(m.Status().Instances); n != 1 {
		t.Fatalf("encode and decode should share one instance, got %d", n)
	}
}
