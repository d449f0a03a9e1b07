package native

import (
	"bufio"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// Weights is the serialized native model: a linear encoder into a D-dim
// latent, a K-entry codebook in that space and a linear decoder back to one
// latent block of In = stride^3 * channels values.
type Weights struct {
	ModelID  string    `msgpack:"model_id"`
	In       int       `msgpack:"in"`
	Dim      int       `msgpack:"dim"`
	K        int       `msgpack:"k"`
	EncoderW []float64 `msgpack:"encoder_w"` // In x Dim, row major
	EncoderB []float64 `msgpack:"encoder_b"` // Dim
	Codebook []float64 `msgpack:"codebook"`  // K x Dim
	DecoderW []float64 `msgpack:"decoder_w"` // Dim x In
	DecoderB []float64 `msgpack:"decoder_b"` // In
}

func (w *Weights) check() error {
	switch {
	case w.In <= 0 || w.Dim <= 0 || w.K <= 1:
		return fmt.Errorf("invalid dimensions in=%d dim=%d k=%d", w.In, w.Dim, w.K)
	case len(w.EncoderW) != w.In*w.Dim:
		return fmt.Errorf("encoder_w has %d values, want %d", len(w.EncoderW), w.In*w.Dim)
	case len(w.EncoderB) != w.Dim:
		return fmt.Errorf("encoder_b has %d values, want %d", len(w.EncoderB), w.Dim)
	case len(w.Codebook) != w.K*w.Dim:
		return fmt.Errorf("codebook has %d values, want %d", len(w.Codebook), w.K*w.Dim)
	case len(w.DecoderW) != w.Dim*w.In:
		return fmt.Errorf("decoder_w has %d values, want %d", len(w.DecoderW), w.Dim*w.In)
	case len(w.DecoderB) != w.In:
		return fmt.Errorf("decoder_b has %d values, want %d", len(w.DecoderB), w.In)
	}
	return nil
}

// SaveWeights writes w to path in msgpack form.
func SaveWeights(path string, w *Weights) error {
	if err := w.check(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := msgpack.NewEncoder(bw).Encode(w); err != nil {
		f.Close()
		return fmt.Errorf("encode weights: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadWeights reads and checks a weights file.
func LoadWeights(path string) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var w Weights
	if err := msgpack.NewDecoder(bufio.NewReader(f)).Decode(&w); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	if err := w.check(); err != nil {
		return nil, err
	}
	return &w, nil
}

// ProjectionWeights builds an untrained model whose encoder and decoder are
// the identity map (Dim = In) and whose codebook entries are drawn uniformly
// from [lo, hi). Useful for smoke tests and as a starting point for
// imported codebooks.
func ProjectionWeights(id string, in, k int, lo, hi float64, seed uint64) *Weights {
	w := &Weights{
		ModelID:  id,
		In:       in,
		Dim:      in,
		K:        k,
		EncoderW: make([]float64, in*in),
		EncoderB: make([]float64, in),
		Codebook: make([]float64, k*in),
		DecoderW: make([]float64, in*in),
		DecoderB: make([]float64, in),
	}
	for i := 0; i < in; i++ {
		w.EncoderW[i*in+i] = 1
		w.DecoderW[i*in+i] = 1
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range w.Codebook {
		w.Codebook[i] = lo + rng.Float64()*(hi-lo)
	}
	return w
}
