package tiler

import (
	"vqvdb/internal/codecerr"
	"vqvdb/internal/grid"
)

// Merger writes decoded patches into a fresh grid, keeping only the voxels the
// region marks active. It is not safe for concurrent use.
type Merger struct {
	region *Region
	cells  []grid.Coord
	out    *grid.Grid
	seen   []bool
}

// NewMerger validates region and prepares an empty output grid.
func NewMerger(region *Region, channels int, meta grid.Meta) (*Merger, error) {
	if err := region.Validate(); err != nil {
		return nil, err
	}
	cells := region.CellCoords()
	return &Merger{
		region: region,
		cells:  cells,
		out:    grid.NewWithMeta(channels, meta),
		seen:   make([]bool, len(cells)),
	}, nil
}

// Add merges the patch with the given canonical ordinal. Each ordinal may be
// added once.
func (m *Merger) Add(ordinal int, data []float32) error {
	const op = "tiler.merge"
	if ordinal < 0 || ordinal >= len(m.cells) {
		return codecerr.New(codecerr.ShapeMismatch, op, "patch ordinal %d outside [0,%d)", ordinal, len(m.cells))
	}
	if m.seen[ordinal] {
		return codecerr.New(codecerr.ShapeMismatch, op, "patch %d merged twice", ordinal)
	}
	ch := m.out.Channels()
	vol := m.region.PatchVolume()
	if want := int(vol) * ch; len(data) != want {
		return codecerr.New(codecerr.ShapeMismatch, op, "patch %d has %d values, want %d", ordinal, len(data), want)
	}
	n := int32(m.region.PatchSize)
	o := m.region.Origin(m.cells[ordinal])
	base := uint64(ordinal) * vol
	for local := uint64(0); local < vol; local++ {
		if !m.region.Voxels.Contains(base + local) {
			continue
		}
		l := int32(local)
		c := grid.Coord{X: o.X + l%n, Y: o.Y + (l/n)%n, Z: o.Z + l/(n*n)}
		p := int(local) * ch
		if err := m.out.Set(c, data[p:p+ch]...); err != nil {
			return err
		}
	}
	m.seen[ordinal] = true
	return nil
}

// Grid returns the merged grid. It fails if any patch was never added.
func (m *Merger) Grid() (*grid.Grid, error) {
	for i, ok := range m.seen {
		if !ok {
			return nil, codecerr.New(codecerr.ShapeMismatch, "tiler.merge", "patch %d of %d missing", i, len(m.seen))
		}
	}
	return m.out, nil
}

// Merge is the one-shot form of Merger for patches already in canonical order.
func Merge(region *Region, channels int, meta grid.Meta, patches [][]float32) (*grid.Grid, error) {
	m, err := NewMerger(region, channels, meta)
	if err != nil {
		return nil, err
	}
	if len(patches) != len(m.cells) {
		return nil, codecerr.New(codecerr.ShapeMismatch, "tiler.merge", "got %d patches, region has %d", len(patches), len(m.cells))
	}
	for i, p := range patches {
		if err := m.Add(i, p); err != nil {
			return nil, err
		}
	}
	return m.Grid()
}
