// Package container reads and writes VQVDB v1 files: a self-describing
// header (model identity, grid metadata, active-region topology) followed by
// the packed token stream and an xxhash64 checksum.
//
// All integers are little-endian. Field order is fixed:
//
//	magic "VQVDB\x00\r\n" | version u16 | flags u16 | model_id (u16 len) |
//	patch_size u32 | token_length u32 | alphabet_size u32 | channels u8 |
//	name (u16 len) | class u8 | voxel_size 3xf64 | background Cxf32 |
//	cell_min 3xi32 | cell_dims 3xu32 | cells (u32 len, roaring64) |
//	voxels (u32 len, roaring64) | patch_count u64 | compression u8 |
//	stream_len u64 | stream | xxhash64 u64
package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/cespare/xxhash/v2"

	"vqvdb/internal/backend"
	"vqvdb/internal/codecerr"
	"vqvdb/internal/grid"
	"vqvdb/internal/tiler"
)

// Magic opens every container.
const Magic = "VQVDB\x00\r\n"

// Version is the newest format this package reads and the one it writes.
const Version uint16 = 1

const checksumSize = 8

// Header is everything in a container except the token stream.
type Header struct {
	Version      uint16
	ModelID      string
	PatchSize    int
	TokenLength  int
	AlphabetSize int
	Channels     int
	Meta         grid.Meta
	Region       *tiler.Region
	PatchCount   int
	// Compression requested on write; on read, the one the stream uses.
	Compression Compression
}

// File is a fully decoded container.
type File struct {
	Header
	Tokens [][]backend.Token
}

// Info is a header plus stream statistics, available without unpacking tokens.
type Info struct {
	Header
	TokenWidth  int
	StoredBytes int64
	RawBytes    int64
	FileBytes   int64
}

// Ratio returns raw token bytes per stored byte.
func (i *Info) Ratio() float64 {
	if i.StoredBytes == 0 {
		return 1
	}
	return float64(i.RawBytes) / float64(i.StoredBytes)
}

func (h *Header) validateForWrite(tokens [][]backend.Token) error {
	const op = "container.write"
	switch {
	case len(h.ModelID) > math.MaxUint16:
		return codecerr.New(codecerr.ShapeMismatch, op, "model id longer than %d bytes", math.MaxUint16)
	case len(h.Meta.Name) > math.MaxUint16:
		return codecerr.New(codecerr.ShapeMismatch, op, "grid name longer than %d bytes", math.MaxUint16)
	case h.Channels <= 0 || h.Channels > math.MaxUint8:
		return codecerr.New(codecerr.ShapeMismatch, op, "channels %d out of range", h.Channels)
	case len(h.Meta.Background) != h.Channels:
		return codecerr.New(codecerr.ShapeMismatch, op, "background has %d values for %d channels", len(h.Meta.Background), h.Channels)
	case h.PatchSize <= 0 || h.TokenLength <= 0 || h.AlphabetSize <= 0:
		return codecerr.New(codecerr.ShapeMismatch, op, "invalid model shape")
	case h.Region == nil:
		return codecerr.New(codecerr.ShapeMismatch, op, "missing region")
	case h.Region.PatchSize != h.PatchSize:
		return codecerr.New(codecerr.ShapeMismatch, op, "region patch size %d, header %d", h.Region.PatchSize, h.PatchSize)
	case h.Region.PatchCount() != len(tokens):
		return codecerr.New(codecerr.ShapeMismatch, op, "region has %d patches, got %d token arrays", h.Region.PatchCount(), len(tokens))
	}
	if err := h.Region.Validate(); err != nil {
		return codecerr.Wrap(codecerr.ShapeMismatch, op, err, "region would not read back")
	}
	return backend.ValidateTokens(op, backend.Descriptor{
		TokenLength:  h.TokenLength,
		AlphabetSize: h.AlphabetSize,
		ModelID:      h.ModelID,
	}, tokens)
}

// Marshal encodes a container. The returned header records the compression
// actually used, which is none when compressing would not shrink the stream.
func Marshal(h Header, tokens [][]backend.Token) ([]byte, Header, error) {
	const op = "container.write"
	if err := h.validateForWrite(tokens); err != nil {
		return nil, h, err
	}
	cells, err := h.Region.Cells.MarshalBinary()
	if err != nil {
		return nil, h, codecerr.Wrap(codecerr.Unknown, op, err, "cell bitmap")
	}
	voxels, err := h.Region.Voxels.MarshalBinary()
	if err != nil {
		return nil, h, codecerr.Wrap(codecerr.Unknown, op, err, "voxel bitmap")
	}
	raw := packTokens(tokens, TokenWidth(uint32(h.AlphabetSize)))
	stream, used, err := compress(raw, h.Compression)
	if err != nil {
		return nil, h, codecerr.Wrap(codecerr.Unknown, op, err, "compress token stream")
	}
	h.Version = Version
	h.PatchCount = len(tokens)
	h.Compression = used

	le := binary.LittleEndian
	b := make([]byte, 0, 128+len(h.ModelID)+len(h.Meta.Name)+len(cells)+len(voxels)+len(stream))
	b = append(b, Magic...)
	b = le.AppendUint16(b, Version)
	b = le.AppendUint16(b, 0)
	b = le.AppendUint16(b, uint16(len(h.ModelID)))
	b = append(b, h.ModelID...)
	b = le.AppendUint32(b, uint32(h.PatchSize))
	b = le.AppendUint32(b, uint32(h.TokenLength))
	b = le.AppendUint32(b, uint32(h.AlphabetSize))
	b = append(b, uint8(h.Channels))
	b = le.AppendUint16(b, uint16(len(h.Meta.Name)))
	b = append(b, h.Meta.Name...)
	b = append(b, uint8(h.Meta.Class))
	for _, v := range h.Meta.VoxelSize {
		b = le.AppendUint64(b, math.Float64bits(v))
	}
	for _, v := range h.Meta.Background {
		b = le.AppendUint32(b, math.Float32bits(v))
	}
	r := h.Region
	for _, v := range [3]int32{r.CellMin.X, r.CellMin.Y, r.CellMin.Z} {
		b = le.AppendUint32(b, uint32(v))
	}
	for _, v := range r.CellDims {
		b = le.AppendUint32(b, v)
	}
	b = le.AppendUint32(b, uint32(len(cells)))
	b = append(b, cells...)
	b = le.AppendUint32(b, uint32(len(voxels)))
	b = append(b, voxels...)
	b = le.AppendUint64(b, uint64(h.PatchCount))
	b = append(b, uint8(used))
	b = le.AppendUint64(b, uint64(len(stream)))
	b = append(b, stream...)
	b = le.AppendUint64(b, xxhash.Sum64(b))
	return b, h, nil
}

// Write marshals a container to w.
func Write(w io.Writer, h Header, tokens [][]backend.Token) (Header, error) {
	data, h, err := Marshal(h, tokens)
	if err != nil {
		return h, err
	}
	if _, err := w.Write(data); err != nil {
		return h, codecerr.Wrap(codecerr.Unknown, "container.write", err, "write")
	}
	return h, nil
}

// Limits bound what Read is willing to expand from a container. Encoded size
// says little about decoded size: run-length bitmaps and a uniform token
// stream let a small file describe a huge grid. Zero fields take the
// DefaultLimits value.
type Limits struct {
	// MaxRawBytes caps the unpacked token stream.
	MaxRawBytes int64
	// MaxPatches caps the number of patches.
	MaxPatches int
	// MaxVoxels caps the active voxels the region describes.
	MaxVoxels uint64
}

// DefaultLimits admit a grid of about a million 8^3 patches.
var DefaultLimits = Limits{
	MaxRawBytes: 256 << 20,
	MaxPatches:  1 << 20,
	MaxVoxels:   1 << 28,
}

func (l Limits) withDefaults() Limits {
	if l.MaxRawBytes <= 0 {
		l.MaxRawBytes = DefaultLimits.MaxRawBytes
	}
	if l.MaxPatches <= 0 {
		l.MaxPatches = DefaultLimits.MaxPatches
	}
	if l.MaxVoxels == 0 {
		l.MaxVoxels = DefaultLimits.MaxVoxels
	}
	return l
}

func (l Limits) check(info *Info) error {
	l = l.withDefaults()
	switch {
	case info.PatchCount > l.MaxPatches:
		return corrupt("%d patches exceed the reader limit of %d", info.PatchCount, l.MaxPatches)
	case info.RawBytes > l.MaxRawBytes:
		return corrupt("token stream of %d bytes exceeds the reader limit of %d", info.RawBytes, l.MaxRawBytes)
	case info.Region.ActiveVoxels() > l.MaxVoxels:
		return corrupt("%d active voxels exceed the reader limit of %d", info.Region.ActiveVoxels(), l.MaxVoxels)
	}
	return nil
}

// Read decodes and validates a whole container under DefaultLimits.
func Read(data []byte) (*File, error) {
	return ReadLimited(data, DefaultLimits)
}

// ReadLimited is Read with explicit limits. They are checked before any
// buffer sized from the header is allocated.
func ReadLimited(data []byte, lim Limits) (*File, error) {
	info, stream, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := lim.check(info); err != nil {
		return nil, err
	}
	raw, err := decompress(stream, info.Compression, int(info.RawBytes))
	if err != nil {
		kind := codecerr.CorruptFile
		if errors.Is(err, errSizeMismatch) {
			kind = codecerr.TruncatedFile
		}
		return nil, codecerr.Wrap(kind, "container.read", err, "token stream (%s)", info.Compression)
	}
	tokens := unpackTokens(raw, info.TokenWidth, info.PatchCount, info.TokenLength)
	if err := backend.ValidateTokens("container.read", backend.Descriptor{
		ModelID:      info.ModelID,
		TokenLength:  info.TokenLength,
		AlphabetSize: info.AlphabetSize,
	}, tokens); err != nil {
		return nil, err
	}
	return &File{Header: info.Header, Tokens: tokens}, nil
}

// ReadFrom reads all of r and decodes it.
func ReadFrom(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, codecerr.Wrap(codecerr.Unknown, "container.read", err, "read")
	}
	return Read(data)
}

// ReadHeader validates a container and returns its header and stream
// statistics without decompressing tokens.
func ReadHeader(data []byte) (*Info, error) {
	info, _, err := parse(data)
	return info, err
}

// CheckCompatible fails with ModelMismatch unless the container was written by
// a model with the same identity and shape as d.
func CheckCompatible(h *Header, d backend.Descriptor) error {
	type field struct {
		name      string
		file, got any
	}
	for _, f := range []field{
		{"model id", h.ModelID, d.ModelID},
		{"patch size", h.PatchSize, d.PatchSize},
		{"token length", h.TokenLength, d.TokenLength},
		{"alphabet size", h.AlphabetSize, d.AlphabetSize},
		{"channels", h.Channels, d.Channels},
	} {
		if f.file != f.got {
			return codecerr.New(codecerr.ModelMismatch, "container.check",
				"%s: file has %v, loaded model has %v", f.name, f.file, f.got)
		}
	}
	return nil
}

// cursor reads fixed-width little-endian fields; the first short read makes
// every later read a no-op and is reported as TruncatedFile.
type cursor struct {
	b   []byte
	off int
	err error
}

func (c *cursor) take(n int, what string) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || len(c.b)-c.off < n {
		c.err = codecerr.New(codecerr.TruncatedFile, "container.read",
			"%s needs %d bytes at offset %d, %d remain", what, n, c.off, len(c.b)-c.off)
		return nil
	}
	s := c.b[c.off : c.off+n]
	c.off += n
	return s
}

func (c *cursor) u8(what string) uint8 {
	if s := c.take(1, what); s != nil {
		return s[0]
	}
	return 0
}

func (c *cursor) u16(what string) uint16 {
	if s := c.take(2, what); s != nil {
		return binary.LittleEndian.Uint16(s)
	}
	return 0
}

func (c *cursor) u32(what string) uint32 {
	if s := c.take(4, what); s != nil {
		return binary.LittleEndian.Uint32(s)
	}
	return 0
}

func (c *cursor) u64(what string) uint64 {
	if s := c.take(8, what); s != nil {
		return binary.LittleEndian.Uint64(s)
	}
	return 0
}

func corrupt(format string, args ...any) error {
	return codecerr.New(codecerr.CorruptFile, "container.read", format, args...)
}

// parse validates everything but the token stream contents, in order:
// magic, version, truncation, trailing bytes, checksum, structure.
func parse(data []byte) (*Info, []byte, error) {
	if len(data) < len(Magic) {
		if bytes.HasPrefix([]byte(Magic), data) {
			return nil, nil, codecerr.New(codecerr.TruncatedFile, "container.read", "%d bytes is shorter than the magic", len(data))
		}
		return nil, nil, corrupt("not a VQVDB container")
	}
	if string(data[:len(Magic)]) != Magic {
		return nil, nil, corrupt("not a VQVDB container (bad magic)")
	}
	c := &cursor{b: data, off: len(Magic)}
	version := c.u16("version")
	if c.err != nil {
		return nil, nil, c.err
	}
	if version > Version {
		return nil, nil, codecerr.New(codecerr.UnsupportedVersion, "container.read",
			"format version %d is newer than supported version %d", version, Version)
	}
	if version == 0 {
		return nil, nil, corrupt("format version 0")
	}

	info := &Info{Header: Header{Version: version}}
	h := &info.Header
	flags := c.u16("flags")
	h.ModelID = string(c.take(int(c.u16("model id length")), "model id"))
	h.PatchSize = int(c.u32("patch size"))
	h.TokenLength = int(c.u32("token length"))
	alphabet := c.u32("alphabet size")
	h.AlphabetSize = int(alphabet)
	h.Channels = int(c.u8("channels"))
	h.Meta.Name = string(c.take(int(c.u16("name length")), "name"))
	class := c.u8("class")
	for i := range h.Meta.VoxelSize {
		h.Meta.VoxelSize[i] = math.Float64frombits(c.u64("voxel size"))
	}
	h.Meta.Background = make([]float32, h.Channels)
	for i := range h.Meta.Background {
		h.Meta.Background[i] = math.Float32frombits(c.u32("background"))
	}
	var cellMin [3]int32
	for i := range cellMin {
		cellMin[i] = int32(c.u32("cell box min"))
	}
	var cellDims [3]uint32
	for i := range cellDims {
		cellDims[i] = c.u32("cell box dims")
	}
	cellBytes := c.take(int(c.u32("cell bitmap length")), "cell bitmap")
	voxelBytes := c.take(int(c.u32("voxel mask length")), "voxel mask")
	patchCount := c.u64("patch count")
	comp := Compression(c.u8("compression"))
	streamLen := c.u64("stream length")
	if c.err == nil && streamLen > uint64(len(data)) {
		c.take(len(data)+1, "token stream")
	}
	stream := c.take(int(streamLen), "token stream")
	sum := c.u64("checksum")
	if c.err != nil {
		return nil, nil, c.err
	}
	if c.off != len(data) {
		return nil, nil, corrupt("%d trailing bytes after checksum", len(data)-c.off)
	}
	if got := xxhash.Sum64(data[:len(data)-checksumSize]); got != sum {
		return nil, nil, corrupt("checksum mismatch: stored %016x, computed %016x", sum, got)
	}

	switch {
	case flags != 0:
		return nil, nil, corrupt("reserved flags %#04x set", flags)
	case h.Channels == 0:
		return nil, nil, corrupt("zero channels")
	case h.PatchSize == 0 || h.TokenLength == 0 || alphabet == 0:
		return nil, nil, corrupt("zero model dimension")
	case class > uint8(grid.ClassLevelSet):
		return nil, nil, corrupt("unknown grid class %d", class)
	case comp > CompressionZSTD:
		return nil, nil, corrupt("unknown compression %d", comp)
	}
	h.Meta.Class = grid.Class(class)
	h.Compression = comp

	region := &tiler.Region{
		PatchSize: h.PatchSize,
		CellMin:   grid.Coord{X: cellMin[0], Y: cellMin[1], Z: cellMin[2]},
		CellDims:  cellDims,
		Cells:     roaring64.New(),
		Voxels:    roaring64.New(),
	}
	if err := region.Cells.UnmarshalBinary(cellBytes); err != nil {
		return nil, nil, codecerr.Wrap(codecerr.CorruptFile, "container.read", err, "cell bitmap")
	}
	if err := region.Voxels.UnmarshalBinary(voxelBytes); err != nil {
		return nil, nil, codecerr.Wrap(codecerr.CorruptFile, "container.read", err, "voxel mask")
	}
	if err := region.Validate(); err != nil {
		return nil, nil, err
	}
	if uint64(region.PatchCount()) != patchCount {
		return nil, nil, corrupt("patch count %d, region has %d cells", patchCount, region.PatchCount())
	}
	h.Region = region
	h.PatchCount = int(patchCount)

	width := TokenWidth(alphabet)
	rawBytes := uint64(width) * uint64(h.TokenLength) * patchCount
	if patchCount != 0 && rawBytes/patchCount != uint64(width)*uint64(h.TokenLength) || rawBytes > math.MaxInt32*64 {
		return nil, nil, corrupt("token stream of %d patches x %d tokens is too large", patchCount, h.TokenLength)
	}
	if comp == CompressionNone && streamLen != rawBytes {
		if streamLen < rawBytes {
			return nil, nil, codecerr.New(codecerr.TruncatedFile, "container.read",
				"token stream has %d bytes, %d patches need %d", streamLen, patchCount, rawBytes)
		}
		return nil, nil, corrupt("token stream has %d bytes, %d patches need %d", streamLen, patchCount, rawBytes)
	}
	info.TokenWidth = width
	info.StoredBytes = int64(streamLen)
	info.RawBytes = int64(rawBytes)
	info.FileBytes = int64(len(data))
	return info, stream, nil
}
