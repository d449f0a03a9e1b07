// Package tiler partitions a sparse grid into fixed-size patches and merges
// decoded patches back.
//
// The patch lattice is aligned to the world origin (cell = floor(voxel / N)),
// so a grid always tiles the same way regardless of how its bounds were
// computed. Only cells holding at least one active voxel are emitted, ordered
// lexicographically by cell z, then y, then x. Inside a patch values are laid
// out as ((z*N+y)*N+x)*C+c and cells outside the active region carry the grid
// background.
package tiler

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"vqvdb/internal/codecerr"
	"vqvdb/internal/grid"
)

// Tiling is the canonical patch sequence for one grid.
type Tiling struct {
	Region     *Region
	cells      []grid.Coord
	channels   int
	background []float32
}

// Tile computes the canonical tiling of g with the given patch size.
func Tile(g *grid.Grid, patchSize int) (*Tiling, error) {
	const op = "tiler.tile"
	if patchSize <= 0 {
		return nil, codecerr.New(codecerr.ShapeMismatch, op, "patch size must be positive, got %d", patchSize)
	}
	bounds, ok := g.Bounds()
	if !ok {
		return nil, codecerr.New(codecerr.EmptyGrid, op, "grid %q has no active voxels", g.Meta().Name)
	}
	n := int32(patchSize)
	lo, hi := cellOf(bounds.Min, n), cellOf(bounds.Max, n)
	r := &Region{
		PatchSize: patchSize,
		CellMin:   lo,
		Cells:     roaring64.New(),
		Voxels:    roaring64.New(),
	}
	los := [3]int32{lo.X, lo.Y, lo.Z}
	his := [3]int32{hi.X, hi.Y, hi.Z}
	for axis := range r.CellDims {
		span := int64(his[axis]) - int64(los[axis]) + 1
		if span > math.MaxUint32 {
			return nil, codecerr.New(codecerr.ShapeMismatch, op,
				"active region spans %d cells on axis %d for patch size %d", span, axis, patchSize)
		}
		r.CellDims[axis] = uint32(span)
	}
	if axis, ok := r.latticeFits(); !ok {
		return nil, codecerr.New(codecerr.ShapeMismatch, op,
			"patches of size %d on axis %d reach outside the int32 lattice", patchSize, axis)
	}
	if _, ok := r.cellVolume(); !ok {
		return nil, codecerr.New(codecerr.ShapeMismatch, op, "active region spans too many cells for patch size %d", patchSize)
	}

	last := ^uint64(0)
	g.ForEachActive(func(c grid.Coord, _ []float32) bool {
		if idx := r.linear(cellOf(c, n)); idx != last {
			r.Cells.Add(idx)
			last = idx
		}
		return true
	})
	r.Cells.RunOptimize()

	cells := r.CellCoords()
	ordinal := make(map[grid.Coord]uint64, len(cells))
	for i, c := range cells {
		ordinal[c] = uint64(i)
	}
	vol := r.PatchVolume()
	g.ForEachActive(func(c grid.Coord, _ []float32) bool {
		cell := cellOf(c, n)
		o := r.Origin(cell)
		local := (uint64(c.Z-o.Z)*uint64(n)+uint64(c.Y-o.Y))*uint64(n) + uint64(c.X-o.X)
		r.Voxels.Add(ordinal[cell]*vol + local)
		return true
	})
	r.Voxels.RunOptimize()

	return &Tiling{
		Region:     r,
		cells:      cells,
		channels:   g.Channels(),
		background: g.Background(),
	}, nil
}

// Len returns the number of patches.
func (t *Tiling) Len() int { return len(t.cells) }

// Cell returns the cell index of patch i.
func (t *Tiling) Cell(i int) grid.Coord { return t.cells[i] }

// Origin returns the lattice origin of patch i.
func (t *Tiling) Origin(i int) grid.Coord { return t.Region.Origin(t.cells[i]) }

// PatchValues returns N^3 * channels.
func (t *Tiling) PatchValues() int { return int(t.Region.PatchVolume()) * t.channels }

// Extract fills dst (reallocated if too short) with patch i of g. g must be
// the grid the tiling was computed from.
func (t *Tiling) Extract(g *grid.Grid, i int, dst []float32) []float32 {
	size := t.PatchValues()
	if cap(dst) < size {
		dst = make([]float32, size)
	}
	dst = dst[:size]
	n := int32(t.Region.PatchSize)
	o := t.Origin(i)
	ch := t.channels
	p := 0
	for z := int32(0); z < n; z++ {
		for y := int32(0); y < n; y++ {
			for x := int32(0); x < n; x++ {
				g.Value(grid.Coord{X: o.X + x, Y: o.Y + y, Z: o.Z + z}, dst[p:p+ch])
				p += ch
			}
		}
	}
	return dst
}

// ExtractRange extracts patches [lo, hi) in canonical order.
func (t *Tiling) ExtractRange(g *grid.Grid, lo, hi int) [][]float32 {
	out := make([][]float32, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, t.Extract(g, i, nil))
	}
	return out
}
