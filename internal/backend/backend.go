// Package backend defines the contract every neural inference engine must
// implement to be driven by the orchestrator, plus the registry that maps
// backend identifiers compiled into the binary to their constructors.
//
// Backends register themselves from package init. Import
// "vqvdb/internal/backend/all" to link every backend the build supports; the
// cgo ONNX Runtime backend additionally requires `-tags=onnx`.
package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"vqvdb/internal/codecerr"
)

// Token is a codebook index.
type Token = uint32

// DeviceKind selects where inference runs.
type DeviceKind uint8

const (
	CPU DeviceKind = iota
	CUDA
)

// Device is a parsed device preference, e.g. "cpu", "cuda" or "cuda:1".
type Device struct {
	Kind  DeviceKind
	Index int
}

func (d Device) String() string {
	if d.Kind == CUDA {
		return "cuda:" + strconv.Itoa(d.Index)
	}
	return "cpu"
}

// ParseDevice parses a device preference. The empty string means cpu.
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == "cpu":
		return Device{Kind: CPU}, nil
	case s == "cuda" || s == "gpu":
		return Device{Kind: CUDA}, nil
	case strings.HasPrefix(s, "cuda:"):
		n, err := strconv.Atoi(s[len("cuda:"):])
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid cuda device %q", s)
		}
		return Device{Kind: CUDA, Index: n}, nil
	}
	return Device{}, fmt.Errorf("unknown device %q (want cpu, cuda or cuda:N)", s)
}

// Descriptor is what a loaded model declares about itself.
type Descriptor struct {
	ModelID      string
	PatchSize    int
	TokenLength  int
	AlphabetSize int
	Channels     int
	Device       Device
	// ConcurrentSafe reports whether Encode/Decode may be called from several
	// goroutines at once on the same handle.
	ConcurrentSafe bool
}

// PatchValues returns the number of float32 values per patch.
func (d Descriptor) PatchValues() int {
	return d.PatchSize * d.PatchSize * d.PatchSize * d.Channels
}

// Codec is an opened, ready-to-run model on a device.
type Codec interface {
	// Describe returns the model's shape and identity.
	Describe() Descriptor
	// Encode maps patches (each Descriptor.PatchValues long, laid out
	// ((z*N+y)*N+x)*C+c) to token arrays, one per patch and in the same order.
	Encode(ctx context.Context, patches [][]float32) ([][]Token, error)
	// Decode is the inverse of Encode.
	Decode(ctx context.Context, tokens [][]Token) ([][]float32, error)
	// Shutdown releases device and session resources. It is idempotent.
	Shutdown() error
}

// ValidatePatches checks a batch against the descriptor.
func ValidatePatches(op string, d Descriptor, patches [][]float32) error {
	want := d.PatchValues()
	for i, p := range patches {
		if len(p) != want {
			return codecerr.New(codecerr.ShapeMismatch, op,
				"patch %d has %d values, model %q expects %d (%d^3 x %d channels)",
				i, len(p), d.ModelID, want, d.PatchSize, d.Channels)
		}
	}
	return nil
}

// ValidateTokens checks token array lengths and alphabet bounds.
func ValidateTokens(op string, d Descriptor, tokens [][]Token) error {
	for i, arr := range tokens {
		if len(arr) != d.TokenLength {
			return codecerr.New(codecerr.ShapeMismatch, op,
				"token array %d has length %d, model %q expects %d", i, len(arr), d.ModelID, d.TokenLength)
		}
		for j, tok := range arr {
			if int64(tok) >= int64(d.AlphabetSize) {
				return codecerr.New(codecerr.InvalidToken, op,
					"token %d at position %d of array %d outside alphabet of %d", tok, j, i, d.AlphabetSize)
			}
		}
	}
	return nil
}

// CheckMemory fails with ResourceExhausted when need exceeds a positive limit.
func CheckMemory(op string, limit, need int64) error {
	if limit > 0 && need > limit {
		return codecerr.New(codecerr.ResourceExhausted, op, "batch needs %d bytes, device limit is %d", need, limit)
	}
	return nil
}

// ErrShutdown is returned by a codec used after Shutdown.
func ErrShutdown(op string) error {
	return codecerr.New(codecerr.ModelLoad, op, "codec is shut down")
}
