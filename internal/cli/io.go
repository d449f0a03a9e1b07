package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"vqvdb/internal/common/fsutil"
	"vqvdb/internal/grid"
	"vqvdb/internal/store"
)

// readInput reads a file argument; "-" is stdin.
func (o *options) readInput(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(o.stdin)
	}
	return os.ReadFile(name)
}

// writeOutput writes a file argument atomically; "-" is stdout.
func (o *options) writeOutput(name string, data []byte) error {
	if name == "-" {
		_, err := o.stdout.Write(data)
		return err
	}
	return fsutil.WriteFileAtomic(name, data, 0o644)
}

// readContainer loads a container from the store when one is configured,
// otherwise from the file argument.
func (o *options) readContainer(ctx context.Context, st store.Store, name string) ([]byte, error) {
	if st != nil {
		return st.Get(ctx, name)
	}
	return o.readInput(name)
}

func (o *options) readGrid(name string) (*grid.Grid, error) {
	data, err := o.readInput(name)
	if err != nil {
		return nil, err
	}
	g, err := grid.ReadDump(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return g, nil
}

func (o *options) writeGrid(name string, g *grid.Grid) error {
	var buf bytes.Buffer
	if err := grid.WriteDump(&buf, g); err != nil {
		return err
	}
	return o.writeOutput(name, buf.Bytes())
}
