package grid

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetValueNegativeCoords(t *testing.T) {
	g := New(1)
	require.NoError(t, g.SetBackground(0.5))
	coords := []Coord{{-1, -1, -1}, {-8, 0, 7}, {-9, 15, -16}, {0, 0, 0}}
	for i, c := range coords {
		require.NoError(t, g.Set(c, float32(i+1)))
	}
	require.Equal(t, len(coords), g.ActiveCount())

	buf := make([]float32, 1)
	for i, c := range coords {
		require.True(t, g.Value(c, buf), "voxel %s", c)
		require.Equal(t, float32(i+1), buf[0])
	}
	require.False(t, g.Value(Coord{-2, -1, -1}, buf))
	require.Equal(t, float32(0.5), buf[0])
}

func TestSetRejectsChannelMismatch(t *testing.T) {
	g := New(3)
	require.Error(t, g.Set(Coord{}, 1))
	require.Error(t, g.SetBackground(1, 2))
}

func TestDeactivateDropsEmptyLeaves(t *testing.T) {
	g := New(1)
	require.NoError(t, g.Set(Coord{1, 2, 3}, 4))
	require.Equal(t, 1, g.LeafCount())
	g.Deactivate(Coord{1, 2, 3})
	g.Deactivate(Coord{100, 2, 3})
	require.True(t, g.Empty())
	require.Equal(t, 0, g.LeafCount())
}

func TestBounds(t *testing.T) {
	g := New(1)
	_, ok := g.Bounds()
	require.False(t, ok)
	require.NoError(t, g.Set(Coord{-3, 4, 10}, 1))
	require.NoError(t, g.Set(Coord{20, -5, 2}, 1))
	b, ok := g.Bounds()
	require.True(t, ok)
	require.Equal(t, BBox{Min: Coord{-3, -5, 2}, Max: Coord{20, 4, 10}}, b)
	require.Equal(t, [3]int64{24, 10, 9}, b.Dims())
}

func TestForEachActiveOrderIsDeterministic(t *testing.T) {
	g := New(1)
	for _, c := range []Coord{{9, 0, 0}, {0, 0, 9}, {0, 9, 0}, {1, 0, 0}} {
		require.NoError(t, g.Set(c, 1))
	}
	var got []Coord
	g.ForEachActive(func(c Coord, _ []float32) bool {
		got = append(got, c)
		return true
	})
	require.Equal(t, []Coord{{1, 0, 0}, {9, 0, 0}, {0, 9, 0}, {0, 0, 9}}, got)
}

func TestDumpRoundTrip(t *testing.T) {
	g := NewWithMeta(3, Meta{Name: "vel", Class: ClassFog, VoxelSize: [3]float64{0.1, 0.1, 0.2}, Background: []float32{0, 0, 1}})
	require.NoError(t, g.Set(Coord{-4, 5, 6}, 1, 2, 3))
	require.NoError(t, g.Set(Coord{40, 0, -6}, -1, 0.25, 9))

	var buf bytes.Buffer
	require.NoError(t, WriteDump(&buf, g))
	back, err := ReadDump(&buf)
	require.NoError(t, err)
	require.True(t, ActiveEqual(g, back, 0))
	require.Equal(t, g.Meta(), back.Meta())
}

func TestParseClass(t *testing.T) {
	c, err := ParseClass("levelset")
	require.NoError(t, err)
	require.Equal(t, ClassLevelSet, c)
	_, err = ParseClass("mesh")
	require.Error(t, err)
}
