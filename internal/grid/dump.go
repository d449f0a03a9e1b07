package grid

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// dumpVersion guards the msgpack layout of grid dump files.
const dumpVersion = 1

// dump is the interchange representation used by the CLI and HTTP layer in
// place of a host application's native grid I/O.
type dump struct {
	Version    int        `msgpack:"version"`
	Name       string     `msgpack:"name"`
	Class      string     `msgpack:"class"`
	VoxelSize  [3]float64 `msgpack:"voxel_size"`
	Channels   int        `msgpack:"channels"`
	Background []float32  `msgpack:"background"`
	// Coords holds x,y,z triples; Values holds Channels values per coord.
	Coords []int32   `msgpack:"coords"`
	Values []float32 `msgpack:"values"`
}

// WriteDump serializes g as msgpack.
func WriteDump(w io.Writer, g *Grid) error {
	d := dump{
		Version:    dumpVersion,
		Name:       g.meta.Name,
		Class:      g.meta.Class.String(),
		VoxelSize:  g.meta.VoxelSize,
		Channels:   g.channels,
		Background: g.Background(),
		Coords:     make([]int32, 0, 3*g.active),
		Values:     make([]float32, 0, g.channels*g.active),
	}
	g.ForEachActive(func(c Coord, v []float32) bool {
		d.Coords = append(d.Coords, c.X, c.Y, c.Z)
		d.Values = append(d.Values, v...)
		return true
	})
	return msgpack.NewEncoder(w).Encode(&d)
}

// ReadDump parses a grid written by WriteDump.
func ReadDump(r io.Reader) (*Grid, error) {
	var d dump
	if err := msgpack.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode grid dump: %w", err)
	}
	if d.Version != dumpVersion {
		return nil, fmt.Errorf("unsupported grid dump version %d", d.Version)
	}
	if d.Channels <= 0 {
		return nil, fmt.Errorf("grid dump has %d channels", d.Channels)
	}
	if len(d.Coords)%3 != 0 || len(d.Values) != len(d.Coords)/3*d.Channels {
		return nil, fmt.Errorf("grid dump has %d coords and %d values for %d channels",
			len(d.Coords), len(d.Values), d.Channels)
	}
	class, err := ParseClass(d.Class)
	if err != nil {
		return nil, err
	}
	g := NewWithMeta(d.Channels, Meta{
		Name:       d.Name,
		Class:      class,
		VoxelSize:  d.VoxelSize,
		Background: d.Background,
	})
	for i := 0; i < len(d.Coords)/3; i++ {
		c := Coord{d.Coords[3*i], d.Coords[3*i+1], d.Coords[3*i+2]}
		if err := g.Set(c, d.Values[i*d.Channels:(i+1)*d.Channels]...); err != nil {
			return nil, err
		}
	}
	return g, nil
}
