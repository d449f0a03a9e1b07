package manager

import (
	"time"

	"vqvdb/internal/backend"
	"vqvdb/internal/codecerr"
	"vqvdb/internal/orchestrator"
)

// ensure returns the ready instance for req. The first caller for a key opens
// the codec; concurrent callers wait for that load instead of opening their
// own. A failed load is not cached.
func (m *Manager) ensure(req orchestrator.Request) (*Instance, error) {
	const op = "manager.ensure"
	if err := backend.Lookup(req.Backend); err != nil {
		return nil, err
	}
	dev, err := backend.ParseDevice(req.Device)
	if err != nil {
		return nil, codecerr.Wrap(codecerr.ModelLoad, op, err, "device")
	}
	key := Key{Backend: req.Backend, ModelPath: req.ModelPath, Device: dev.String()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	inst, ok := m.instances[key]
	if !ok {
		inst = &Instance{
			Key:      key,
			State:    StateLoading,
			LastUsed: time.Now(),
			ready:    make(chan struct{}),
			queueCh:  make(chan struct{}, m.cfg.MaxQueueDepth),
		}
		m.instances[key] = inst
	}
	m.mu.Unlock()

	if !ok {
		m.load(inst, req, dev)
	}
	<-inst.ready
	if inst.err != nil {
		return nil, inst.err
	}
	return inst, nil
}

func (m *Manager) load(inst *Instance, req orchestrator.Request, dev backend.Device) {
	start := time.Now()
	m.log.Info().Str("key", inst.Key.String()).Msg("instance load start")
	c, err := backend.Create(req.Backend, req.ModelPath, dev, req.Options...)

	m.mu.Lock()
	if err == nil && m.closed {
		err = ErrClosed
		_ = c.Shutdown()
	}
	if err != nil {
		inst.err = err
		if m.instances[inst.Key] == inst {
			delete(m.instances, inst.Key)
		}
	} else {
		slots := 1
		if c.Describe().ConcurrentSafe {
			slots = m.cfg.MaxInflight
		}
		inst.codec = c
		inst.genCh = make(chan struct{}, slots)
		inst.State = StateReady
		inst.Loaded = time.Now()
	}
	m.mu.Unlock()
	close(inst.ready)

	if err != nil {
		m.log.Warn().Err(err).Str("key", inst.Key.String()).Msg("instance load failed")
		return
	}
	m.log.Info().Str("key", inst.Key.String()).Str("model", c.Describe().ModelID).
		Dur("dur", time.Since(start)).Msg("instance ready")
	m.evictOverflow()
}
