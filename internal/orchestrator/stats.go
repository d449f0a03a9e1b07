package orchestrator

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stats profiles one Encode or Decode call. Tile is tiling on encode and
// merging on decode; Pack is writing or reading the container.
type Stats struct {
	Op           string
	ModelID      string
	Patches      int
	Batches      int
	OOMRetries   int
	ActiveVoxels uint64
	// ContainerBytes is the size of the container written or read.
	ContainerBytes int
	Load           time.Duration
	Tile           time.Duration
	Infer          time.Duration
	Pack           time.Duration
	Total          time.Duration
}

// MarshalZerologObject lets stats be attached to a log event.
func (s Stats) MarshalZerologObject(e *zerolog.Event) {
	e.Str("model", s.ModelID).
		Int("patches", s.Patches).
		Int("batches", s.Batches).
		Int("oom_retries", s.OOMRetries).
		Uint64("active_voxels", s.ActiveVoxels).
		Int("container_bytes", s.ContainerBytes).
		Dur("load", s.Load).
		Dur("tile", s.Tile).
		Dur("infer", s.Infer).
		Dur("pack", s.Pack).
		Dur("total", s.Total)
}

// tracker accumulates batch results from concurrent workers.
type tracker struct {
	mu       sync.Mutex
	op       string
	total    int
	done     int
	infer    time.Duration
	batches  int
	retries  int
	progress ProgressFunc
}

func (t *tracker) batchDone(n int, took time.Duration, retried bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done += n
	t.batches++
	t.infer += took
	if retried {
		t.retries++
	}
	if t.progress != nil {
		t.progress(t.op, t.done, t.total)
	}
}

func (t *tracker) fill(s *Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.Batches = t.batches
	s.OOMRetries = t.retries
	s.Infer = t.infer
}
