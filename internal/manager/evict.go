package manager

import (
	"time"

	"github.com/hashicorp/go-multierror"
)

// evictOverflow shuts down least recently used idle instances while more
// than MaxInstances are loaded. Busy and loading instances are never picked.
func (m *Manager) evictOverflow() {
	var victims []*Instance
	m.mu.Lock()
	for len(m.instances) > m.cfg.MaxInstances {
		var lru *Instance
		for _, inst := range m.instances {
			if inst.State != StateReady || !inst.idle() {
				continue
			}
			if lru == nil || inst.LastUsed.Before(lru.LastUsed) {
				lru = inst
			}
		}
		if lru == nil {
			break
		}
		lru.State = StateDraining
		delete(m.instances, lru.Key)
		victims = append(victims, lru)
	}
	m.mu.Unlock()

	for _, v := range victims {
		if err := v.codec.Shutdown(); err != nil {
			m.log.Warn().Err(err).Str("key", v.Key.String()).Msg("evicted instance shutdown failed")
			continue
		}
		m.log.Info().Str("key", v.Key.String()).Msg("instance evicted")
	}
}

// drain marks inst draining and waits up to DrainTimeout for in-flight and
// queued calls to finish.
func (m *Manager) drain(inst *Instance) {
	m.mu.Lock()
	inst.State = StateDraining
	m.mu.Unlock()
	deadline := time.Now().Add(m.cfg.DrainTimeout)
	for !inst.idle() {
		if time.Now().After(deadline) {
			m.log.Warn().Str("key", inst.Key.String()).Int("inflight", len(inst.genCh)).
				Int("queue", len(inst.queueCh)).Msg("drain timeout")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Unload drains the instance for key and shuts its codec down. It reports
// false when no ready instance exists for key.
func (m *Manager) Unload(key Key) (bool, error) {
	m.mu.Lock()
	inst := m.instances[key]
	if inst == nil || inst.State != StateReady {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	m.drain(inst)
	m.mu.Lock()
	if m.instances[key] == inst {
		delete(m.instances, key)
	}
	m.mu.Unlock()
	return true, inst.codec.Shutdown()
}

// Close stops accepting work, drains every instance and shuts the codecs
// down. Shutdown failures are aggregated.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.instances = make(map[Key]*Instance)
	m.mu.Unlock()

	var result error
	for _, inst := range insts {
		<-inst.ready
		if inst.err != nil {
			continue
		}
		m.drain(inst)
		if err := inst.codec.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
