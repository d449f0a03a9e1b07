// Package model loads model manifests: the small descriptor file a backend's
// model path points to. A manifest names the model, its patch geometry and
// alphabet, and the artifacts (weights, ONNX graphs) the backend loads.
package model

import (
	"fmt"
	"path/filepath"
	"strings"

	"vqvdb/internal/codecerr"
	"vqvdb/internal/config"
)

// Manifest describes one pretrained model.
type Manifest struct {
	ID           string `json:"id" yaml:"id" toml:"id"`
	Kind         string `json:"kind" yaml:"kind" toml:"kind"`
	PatchSize    int    `json:"patch_size" yaml:"patch_size" toml:"patch_size"`
	Channels     int    `json:"channels" yaml:"channels" toml:"channels"`
	AlphabetSize int    `json:"alphabet_size" yaml:"alphabet_size" toml:"alphabet_size"`
	// LatentStride is the edge of the voxel block mapped to one token.
	// Token length is (PatchSize/LatentStride)^3.
	LatentStride int `json:"latent_stride" yaml:"latent_stride" toml:"latent_stride"`

	// identity quantizer: token = round((v - Offset) / Scale)
	Scale  float64 `json:"scale" yaml:"scale" toml:"scale"`
	Offset float64 `json:"offset" yaml:"offset" toml:"offset"`

	// native backend weight file (msgpack)
	Weights string `json:"weights" yaml:"weights" toml:"weights"`

	// onnx graphs and tensor names
	Encoder       string `json:"encoder" yaml:"encoder" toml:"encoder"`
	Decoder       string `json:"decoder" yaml:"decoder" toml:"decoder"`
	EncoderInput  string `json:"encoder_input" yaml:"encoder_input" toml:"encoder_input"`
	EncoderOutput string `json:"encoder_output" yaml:"encoder_output" toml:"encoder_output"`
	DecoderInput  string `json:"decoder_input" yaml:"decoder_input" toml:"decoder_input"`
	DecoderOutput string `json:"decoder_output" yaml:"decoder_output" toml:"decoder_output"`
	// InputDType is float32 (default) or float16 for half precision graphs.
	InputDType string `json:"input_dtype" yaml:"input_dtype" toml:"input_dtype"`

	// Path is the manifest location; artifact paths resolve relative to it.
	Path string `json:"-" yaml:"-" toml:"-"`
}

// Load reads and validates the manifest at path for the given backend kind.
// Every failure is a ModelLoad error.
func Load(path, kind string) (*Manifest, error) {
	const op = "model.load"
	if strings.TrimSpace(path) == "" {
		return nil, codecerr.New(codecerr.ModelLoad, op, "model path is empty")
	}
	var m Manifest
	if err := config.LoadFile(path, &m); err != nil {
		return nil, codecerr.Wrap(codecerr.ModelLoad, op, err, "manifest %q", path)
	}
	m.Path = path
	m.applyDefaults()
	if err := m.Validate(kind); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Channels == 0 {
		m.Channels = 1
	}
	if m.LatentStride == 0 {
		m.LatentStride = 1
	}
	if m.Scale == 0 {
		m.Scale = 1
	}
	if m.EncoderInput == "" {
		m.EncoderInput = "patches"
	}
	if m.EncoderOutput == "" {
		m.EncoderOutput = "tokens"
	}
	if m.DecoderInput == "" {
		m.DecoderInput = "tokens"
	}
	if m.DecoderOutput == "" {
		m.DecoderOutput = "patches"
	}
	if m.InputDType == "" {
		m.InputDType = "float32"
	}
}

// Validate checks the manifest geometry and that it was written for kind.
func (m *Manifest) Validate(kind string) error {
	fail := func(format string, args ...any) error {
		return codecerr.New(codecerr.ModelLoad, "model.validate", "manifest %q: %s", m.Path, fmt.Sprintf(format, args...))
	}
	switch {
	case m.ID == "":
		return fail("missing id")
	case kind != "" && m.Kind != kind:
		return fail("kind %q cannot be loaded by the %q backend", m.Kind, kind)
	case m.PatchSize <= 0 || m.PatchSize > 256:
		return fail("patch_size %d out of range", m.PatchSize)
	case m.Channels <= 0 || m.Channels > 255:
		return fail("channels %d out of range", m.Channels)
	case m.AlphabetSize < 2 || int64(m.AlphabetSize) > 1<<32:
		return fail("alphabet_size %d out of range", m.AlphabetSize)
	case m.LatentStride <= 0 || m.PatchSize%m.LatentStride != 0:
		return fail("latent_stride %d does not divide patch_size %d", m.LatentStride, m.PatchSize)
	case m.InputDType != "float32" && m.InputDType != "float16":
		return fail("input_dtype %q is not float32 or float16", m.InputDType)
	}
	return nil
}

// TokenLength returns tokens per patch.
func (m *Manifest) TokenLength() int {
	g := m.PatchSize / m.LatentStride
	return g * g * g
}

// Resolve returns an artifact path relative to the manifest directory.
func (m *Manifest) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(m.Path), p)
}
