// Package grid implements a sparse voxel grid stored as 8x8x8 leaf blocks, the
// subset of an OpenVDB tree the codec needs: active-voxel topology, per-voxel
// values with one or more channels, a background value and grid metadata.
//
// A Grid is not safe for concurrent mutation; concurrent readers are fine.
package grid

import (
	"fmt"
	"sort"
)

const (
	leafLog2   = 3
	LeafDim    = 1 << leafLog2
	leafVoxels = LeafDim * LeafDim * LeafDim
	leafMask   = LeafDim - 1
)

// Coord is a voxel (or cell) position on the integer lattice.
type Coord struct{ X, Y, Z int32 }

func (c Coord) String() string { return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z) }

// Less orders coordinates lexicographically by z, then y, then x.
func (c Coord) Less(o Coord) bool {
	if c.Z != o.Z {
		return c.Z < o.Z
	}
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.X < o.X
}

// BBox is an inclusive axis-aligned box.
type BBox struct{ Min, Max Coord }

// Expand grows the box to contain c.
func (b *BBox) Expand(c Coord) {
	b.Min.X, b.Max.X = min(b.Min.X, c.X), max(b.Max.X, c.X)
	b.Min.Y, b.Max.Y = min(b.Min.Y, c.Y), max(b.Max.Y, c.Y)
	b.Min.Z, b.Max.Z = min(b.Min.Z, c.Z), max(b.Max.Z, c.Z)
}

// Contains reports whether c lies inside the box.
func (b BBox) Contains(c Coord) bool {
	return c.X >= b.Min.X && c.X <= b.Max.X &&
		c.Y >= b.Min.Y && c.Y <= b.Max.Y &&
		c.Z >= b.Min.Z && c.Z <= b.Max.Z
}

// Dims returns the number of lattice points per axis.
func (b BBox) Dims() [3]int64 {
	return [3]int64{
		int64(b.Max.X) - int64(b.Min.X) + 1,
		int64(b.Max.Y) - int64(b.Min.Y) + 1,
		int64(b.Max.Z) - int64(b.Min.Z) + 1,
	}
}

// Class mirrors the OpenVDB grid class.
type Class uint8

const (
	ClassUnknown Class = iota
	ClassFog
	ClassLevelSet
)

func (c Class) String() string {
	switch c {
	case ClassFog:
		return "fog"
	case ClassLevelSet:
		return "level_set"
	default:
		return "unknown"
	}
}

// ParseClass accepts "fog", "level_set" (or "levelset") and "unknown".
func ParseClass(s string) (Class, error) {
	switch s {
	case "fog", "fog_volume":
		return ClassFog, nil
	case "level_set", "levelset":
		return ClassLevelSet, nil
	case "", "unknown":
		return ClassUnknown, nil
	}
	return ClassUnknown, fmt.Errorf("unknown grid class %q", s)
}

// Meta holds the topology parameters that travel with a grid but do not
// depend on its voxels.
type Meta struct {
	Name       string
	Class      Class
	VoxelSize  [3]float64
	Background []float32
}

type leaf struct {
	mask   [leafVoxels / 64]uint64
	values []float32
	count  int
}

func (l *leaf) isOn(i int) bool { return l.mask[i>>6]&(1<<(uint(i)&63)) != 0 }

// Grid is a sparse voxel grid.
type Grid struct {
	meta     Meta
	channels int
	leaves   map[Coord]*leaf
	active   int
}

// New returns an empty grid with the given channel count (1 for scalar
// fields, 3 for vector fields) and a zero background.
func New(channels int) *Grid {
	if channels <= 0 {
		channels = 1
	}
	return &Grid{
		meta: Meta{
			VoxelSize:  [3]float64{1, 1, 1},
			Background: make([]float32, channels),
		},
		channels: channels,
		leaves:   make(map[Coord]*leaf),
	}
}

// NewWithMeta returns an empty grid carrying meta. A background of the wrong
// length is replaced by zeros.
func NewWithMeta(channels int, meta Meta) *Grid {
	g := New(channels)
	g.meta.Name = meta.Name
	g.meta.Class = meta.Class
	if meta.VoxelSize != ([3]float64{}) {
		g.meta.VoxelSize = meta.VoxelSize
	}
	if len(meta.Background) == g.channels {
		copy(g.meta.Background, meta.Background)
	}
	return g
}

func (g *Grid) Channels() int { return g.channels }

// Meta returns a copy of the grid metadata.
func (g *Grid) Meta() Meta {
	m := g.meta
	m.Background = append([]float32(nil), g.meta.Background...)
	return m
}

func (g *Grid) SetName(name string) { g.meta.Name = name }
func (g *Grid) SetClass(c Class) { g.meta.Class = c }
func (g *Grid) SetVoxelSize(s [3]float64) { g.meta.VoxelSize = s }

// Background returns the value inactive voxels read as.
func (g *Grid) Background() []float32 { return append([]float32(nil), g.meta.Background...) }

// SetBackground sets the background; len(v) must equal Channels().
func (g *Grid) SetBackground(v ...float32) error {
	if len(v) != g.channels {
		return fmt.Errorf("background has %d channels, grid has %d", len(v), g.channels)
	}
	copy(g.meta.Background, v)
	return nil
}

func leafKey(c Coord) (Coord, int) {
	o := Coord{c.X &^ leafMask, c.Y &^ leafMask, c.Z &^ leafMask}
	i := int(c.Z&leafMask)<<(2*leafLog2) | int(c.Y&leafMask)<<leafLog2 | int(c.X&leafMask)
	return o, i
}

// Set activates c and stores v (len(v) == Channels()).
func (g *Grid) Set(c Coord, v ...float32) error {
	if len(v) != g.channels {
		return fmt.Errorf("value at %s has %d channels, grid has %d", c, len(v), g.channels)
	}
	o, i := leafKey(c)
	l := g.leaves[o]
	if l == nil {
		l = &leaf{values: make([]float32, leafVoxels*g.channels)}
		g.leaves[o] = l
	}
	if !l.isOn(i) {
		l.mask[i>>6] |= 1 << (uint(i) & 63)
		l.count++
		g.active++
	}
	copy(l.values[i*g.channels:(i+1)*g.channels], v)
	return nil
}

// Deactivate turns c off. Empty leaves are dropped.
func (g *Grid) Deactivate(c Coord) {
	o, i := leafKey(c)
	l := g.leaves[o]
	if l == nil || !l.isOn(i) {
		return
	}
	l.mask[i>>6] &^= 1 << (uint(i) & 63)
	l.count--
	g.active--
	if l.count == 0 {
		delete(g.leaves, o)
	}
}

// IsActive reports whether c carries data.
func (g *Grid) IsActive(c Coord) bool {
	o, i := leafKey(c)
	l := g.leaves[o]
	return l != nil && l.isOn(i)
}

// Value copies the value at c into dst (len Channels()) and reports whether c
// is active. Inactive voxels read as the background.
func (g *Grid) Value(c Coord, dst []float32) bool {
	o, i := leafKey(c)
	if l := g.leaves[o]; l != nil && l.isOn(i) {
		copy(dst, l.values[i*g.channels:(i+1)*g.channels])
		return true
	}
	copy(dst, g.meta.Background)
	return false
}

// ActiveCount returns the number of active voxels.
func (g *Grid) ActiveCount() int { return g.active }

// Empty reports whether the grid has no active voxels.
func (g *Grid) Empty() bool { return g.active == 0 }

// LeafCount returns the number of allocated leaf blocks.
func (g *Grid) LeafCount() int { return len(g.leaves) }

// Bounds returns the bounding box of the active voxels. ok is false for an
// empty grid.
func (g *Grid) Bounds() (b BBox, ok bool) {
	g.ForEachActive(func(c Coord, _ []float32) bool {
		if !ok {
			b = BBox{Min: c, Max: c}
			ok = true
			return true
		}
		b.Expand(c)
		return true
	})
	return b, ok
}

func (g *Grid) sortedLeaves() []Coord {
	keys := make([]Coord, 0, len(g.leaves))
	for o := range g.leaves {
		keys = append(keys, o)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// ForEachActive visits active voxels in a deterministic order (leaf blocks in
// z,y,x order, voxels within a leaf in z,y,x order). The value slice is only
// valid during the callback. Returning false stops the walk.
func (g *Grid) ForEachActive(fn func(c Coord, v []float32) bool) {
	for _, o := range g.sortedLeaves() {
		l := g.leaves[o]
		for i := 0; i < leafVoxels; i++ {
			if !l.isOn(i) {
				continue
			}
			c := Coord{
				X: o.X + int32(i&leafMask),
				Y: o.Y + int32((i>>leafLog2)&leafMask),
				Z: o.Z + int32(i>>(2*leafLog2)),
			}
			if !fn(c, l.values[i*g.channels:(i+1)*g.channels]) {
				return
			}
		}
	}
}

// ActiveEqual reports whether a and b have the same channel count, the same
// active topology and values within tol of each other.
func ActiveEqual(a, b *Grid, tol float32) bool {
	if a.channels != b.channels || a.active != b.active {
		return false
	}
	equal := true
	buf := make([]float32, b.channels)
	a.ForEachActive(func(c Coord, v []float32) bool {
		if !b.Value(c, buf) {
			equal = false
			return false
		}
		for i := range v {
			d := v[i] - buf[i]
			if d < -tol || d > tol {
				equal = false
				return false
			}
		}
		return true
	})
	return equal
}
