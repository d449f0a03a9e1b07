package httpapi

import (
	"context"
	"sort"

	"vqvdb/internal/backend"
	"vqvdb/internal/grid"
	"vqvdb/internal/model"
	"vqvdb/internal/orchestrator"
	"vqvdb/pkg/types"
)

// Runner executes codec calls. *orchestrator.Orchestrator opens a codec per
// call; *manager.Manager keeps codecs warm.
type Runner interface {
	Encode(ctx context.Context, g *grid.Grid, req orchestrator.Request) ([]byte, error)
	Decode(ctx context.Context, data []byte, req orchestrator.Request) (*grid.Grid, error)
}

type statusReporter interface {
	Status() types.StatusResponse
}

// Selector picks the backend and model of one request. Empty fields fall back
// to the service defaults.
type Selector struct {
	Backend   string
	Model     string
	BatchSize int
}

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Encode(ctx context.Context, g *grid.Grid, sel Selector) ([]byte, error)
	Decode(ctx context.Context, data []byte, sel Selector) (*grid.Grid, error)
	Backends() types.BackendsResponse
	Status() types.StatusResponse
	Ready() bool
}

// CodecService serves requests through a Runner. Models are addressed by
// manifest id; the default request applies when a request names none.
type CodecService struct {
	run      Runner
	defaults orchestrator.Request
	models   map[string]model.Entry
}

func NewCodecService(r Runner, defaults orchestrator.Request, models []model.Entry) *CodecService {
	s := &CodecService{run: r, defaults: defaults, models: make(map[string]model.Entry, len(models))}
	for _, m := range models {
		s.models[m.ID] = m
	}
	return s
}

func (s *CodecService) request(sel Selector) (orchestrator.Request, error) {
	req := s.defaults
	if sel.Model != "" {
		m, ok := s.models[sel.Model]
		if !ok {
			return req, modelNotFoundError{id: sel.Model}
		}
		req.ModelPath = m.Path
		req.Backend = m.Kind
	}
	if sel.Backend != "" {
		req.Backend = sel.Backend
	}
	if sel.BatchSize > 0 {
		req.BatchSize = sel.BatchSize
	}
	return req, nil
}

func (s *CodecService) Encode(ctx context.Context, g *grid.Grid, sel Selector) ([]byte, error) {
	req, err := s.request(sel)
	if err != nil {
		return nil, err
	}
	return s.run.Encode(ctx, g, req)
}

func (s *CodecService) Decode(ctx context.Context, data []byte, sel Selector) (*grid.Grid, error) {
	req, err := s.request(sel)
	if err != nil {
		return nil, err
	}
	return s.run.Decode(ctx, data, req)
}

func (s *CodecService) Backends() types.BackendsResponse {
	out := types.BackendsResponse{
		Backends:       backend.Available(),
		Models:         make([]types.ModelInfo, 0, len(s.models)),
		DefaultBackend: s.defaults.Backend,
		DefaultModel:   s.defaults.ModelPath,
	}
	for _, m := range s.models {
		out.Models = append(out.Models, types.ModelInfo{ID: m.ID, Kind: m.Kind})
	}
	sort.Slice(out.Models, func(i, j int) bool { return out.Models[i].ID < out.Models[j].ID })
	return out
}

// Status reports warm instances when the runner keeps any.
func (s *CodecService) Status() types.StatusResponse {
	if sr, ok := s.run.(statusReporter); ok {
		return sr.Status()
	}
	return types.StatusResponse{State: "ready", Instances: []types.InstanceStatus{}}
}

// Ready reports whether the default backend is compiled in and the runner
// accepts work.
func (s *CodecService) Ready() bool {
	if r, ok := s.run.(interface{ Ready() bool }); ok && !r.Ready() {
		return false
	}
	return backend.Lookup(s.defaults.Backend) == nil
}
