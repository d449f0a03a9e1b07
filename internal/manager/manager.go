package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vqvdb/internal/grid"
	"vqvdb/internal/orchestrator"
)

// Manager owns warm codec instances and runs orchestrator calls on them.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	log       zerolog.Logger
	orch      *orchestrator.Orchestrator
	instances map[Key]*Instance
	closed    bool
	startTime time.Time
}

// New constructs a Manager that drives calls through orch.
func New(orch *orchestrator.Orchestrator, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		log:       zerolog.Nop(),
		orch:      orch,
		instances: make(map[Key]*Instance),
		startTime: time.Now(),
	}
	if cfg.Logger != nil {
		m.log = *cfg.Logger
	}
	return m
}

// Ready reports whether the manager accepts work.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Encode encodes g with the warm instance for req, opening it on first use.
func (m *Manager) Encode(ctx context.Context, g *grid.Grid, req orchestrator.Request) ([]byte, error) {
	inst, release, err := m.acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()
	return m.orch.EncodeWith(ctx, inst.codec, g, req.BatchSize)
}

// Decode decodes data with the warm instance for req.
func (m *Manager) Decode(ctx context.Context, data []byte, req orchestrator.Request) (*grid.Grid, error) {
	inst, release, err := m.acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()
	return m.orch.DecodeWith(ctx, inst.codec, data, req.BatchSize)
}

func (m *Manager) acquire(ctx context.Context, req orchestrator.Request) (*Instance, func(), error) {
	inst, err := m.ensure(req)
	if err != nil {
		return nil, nil, err
	}
	release, err := m.beginWork(ctx, inst)
	if err != nil {
		return nil, nil, err
	}
	return inst, release, nil
}
