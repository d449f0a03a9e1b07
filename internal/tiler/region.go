package tiler

import (
	"math"
	"math/bits"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"vqvdb/internal/codecerr"
	"vqvdb/internal/grid"
)

// Region is the active-region metadata stored in a container. It is enough to
// re-derive the canonical patch order and the exact voxel topology without the
// source grid.
//
// Cells holds the linear index ((z*dy)+y)*dx+x of every occupied patch cell
// inside the cell box, so ascending bitmap order is the canonical order.
// Voxels holds ordinal*PatchSize^3 + local for every active voxel, where local
// is (lz*N+ly)*N+lx inside the patch.
type Region struct {
	PatchSize int
	CellMin   grid.Coord
	CellDims  [3]uint32
	Cells     *roaring64.Bitmap
	Voxels    *roaring64.Bitmap
}

// PatchVolume returns N^3.
func (r *Region) PatchVolume() uint64 {
	n := uint64(r.PatchSize)
	return n * n * n
}

// PatchCount returns the number of patches in canonical order.
func (r *Region) PatchCount() int { return int(r.Cells.GetCardinality()) }

// ActiveVoxels returns the number of active voxels the region describes.
func (r *Region) ActiveVoxels() uint64 { return r.Voxels.GetCardinality() }

func (r *Region) cellVolume() (uint64, bool) {
	hi, xy := bits.Mul64(uint64(r.CellDims[0]), uint64(r.CellDims[1]))
	if hi != 0 {
		return 0, false
	}
	hi, xyz := bits.Mul64(xy, uint64(r.CellDims[2]))
	if hi != 0 {
		return 0, false
	}
	return xyz, true
}

func (r *Region) linear(cell grid.Coord) uint64 {
	dx, dy := uint64(r.CellDims[0]), uint64(r.CellDims[1])
	x := uint64(int64(cell.X) - int64(r.CellMin.X))
	y := uint64(int64(cell.Y) - int64(r.CellMin.Y))
	z := uint64(int64(cell.Z) - int64(r.CellMin.Z))
	return (z*dy+y)*dx + x
}

func (r *Region) cellAt(idx uint64) grid.Coord {
	dx, dy := uint64(r.CellDims[0]), uint64(r.CellDims[1])
	x := idx % dx
	y := (idx / dx) % dy
	z := idx / (dx * dy)
	return grid.Coord{
		X: int32(int64(r.CellMin.X) + int64(x)),
		Y: int32(int64(r.CellMin.Y) + int64(y)),
		Z: int32(int64(r.CellMin.Z) + int64(z)),
	}
}

// CellCoords returns the occupied cell indices in canonical order.
func (r *Region) CellCoords() []grid.Coord {
	out := make([]grid.Coord, 0, r.Cells.GetCardinality())
	it := r.Cells.Iterator()
	for it.HasNext() {
		out = append(out, r.cellAt(it.Next()))
	}
	return out
}

// Origin returns the lattice position of the first voxel of a cell.
func (r *Region) Origin(cell grid.Coord) grid.Coord {
	n := int32(r.PatchSize)
	return grid.Coord{X: cell.X * n, Y: cell.Y * n, Z: cell.Z * n}
}

// Validate checks internal consistency of metadata read from disk.
func (r *Region) Validate() error {
	const op = "tiler.region"
	if r.PatchSize <= 0 || r.PatchSize > 1024 {
		return codecerr.New(codecerr.CorruptFile, op, "patch size %d out of range", r.PatchSize)
	}
	if r.Cells == nil || r.Voxels == nil {
		return codecerr.New(codecerr.CorruptFile, op, "missing region bitmaps")
	}
	vol, ok := r.cellVolume()
	if !ok || vol > math.MaxInt64 {
		return codecerr.New(codecerr.CorruptFile, op, "cell box %v overflows", r.CellDims)
	}
	if axis, ok := r.latticeFits(); !ok {
		return codecerr.New(codecerr.CorruptFile, op, "cell box axis %d out of lattice range", axis)
	}
	if r.Cells.IsEmpty() {
		return nil
	}
	if r.Cells.Maximum() >= vol {
		return codecerr.New(codecerr.CorruptFile, op, "cell index %d outside box of %d cells", r.Cells.Maximum(), vol)
	}
	if !r.Voxels.IsEmpty() && r.Voxels.Maximum() >= uint64(r.PatchCount())*r.PatchVolume() {
		return codecerr.New(codecerr.CorruptFile, op, "voxel key %d outside %d patches", r.Voxels.Maximum(), r.PatchCount())
	}
	return nil
}

// latticeFits reports whether every voxel of every patch in the cell box has
// an int32 coordinate. On failure it returns the offending axis.
func (r *Region) latticeFits() (int, bool) {
	mins := [3]int32{r.CellMin.X, r.CellMin.Y, r.CellMin.Z}
	n := int64(r.PatchSize)
	for axis, d := range r.CellDims {
		lo := int64(mins[axis])
		if d == 0 || lo*n < math.MinInt32 || (lo+int64(d))*n > math.MaxInt32+1 {
			return axis, false
		}
	}
	return 0, true
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, n int32) int32 {
	q := a / n
	if a%n != 0 && (a < 0) != (n < 0) {
		q--
	}
	return q
}

func cellOf(c grid.Coord, n int32) grid.Coord {
	return grid.Coord{X: floorDiv(c.X, n), Y: floorDiv(c.Y, n), Z: floorDiv(c.Z, n)}
}
