package manager

import (
	"sort"
	"time"

	"vqvdb/pkg/types"
)

// Status builds a detailed status response for /v1/status.
func (m *Manager) Status() types.StatusResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := types.StatusResponse{
		State:         "ready",
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		MaxInstances:  m.cfg.MaxInstances,
		Instances:     make([]types.InstanceStatus, 0, len(m.instances)),
	}
	if m.closed {
		resp.State = "closed"
	}
	for _, inst := range m.instances {
		st := types.InstanceStatus{
			Backend:       inst.Key.Backend,
			ModelPath:     inst.Key.ModelPath,
			Device:        inst.Key.Device,
			State:         string(inst.State),
			LastUsed:      inst.LastUsed.Unix(),
			QueueLen:      len(inst.queueCh),
			Inflight:      len(inst.genCh),
			MaxQueueDepth: cap(inst.queueCh),
			MaxInflight:   cap(inst.genCh),
		}
		if inst.codec != nil {
			st.ModelID = inst.codec.Describe().ModelID
			st.LoadedAt = inst.Loaded.Unix()
		}
		resp.Instances = append(resp.Instances, st)
	}
	sort.Slice(resp.Instances, func(i, j int) bool {
		a, b := resp.Instances[i], resp.Instances[j]
		if a.Backend != b.Backend {
			return a.Backend < b.Backend
		}
		return a.ModelPath < b.ModelPath
	})
	return resp
}
