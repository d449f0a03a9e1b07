//go:build onnx

package onnx

import (
	"context"
	"encoding/binary"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"

	"vqvdb/internal/backend"
	"vqvdb/internal/codecerr"
	"vqvdb/internal/model"
)

// ID is the registry identifier.
const ID = "onnx"

func init() { backend.Register(ID, New) }

// ONNX Runtime has one process-wide environment; it is created by the first
// opened codec and destroyed with the last one.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnv(lib string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if lib == "" {
			lib = os.Getenv("ONNXRUNTIME_LIB")
		}
		if lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return err
		}
	}
	envRefs++
	return nil
}

func releaseEnv() error {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

type codec struct {
	desc   backend.Descriptor
	grid   int64
	half   bool
	enc    *ort.DynamicAdvancedSession
	dec    *ort.DynamicAdvancedSession
	limit  int64
	once   sync.Once
	closed atomic.Bool
}

// New opens the encoder and decoder graphs named by an onnx manifest.
func New(modelPath string, dev backend.Device, opts backend.Options) (backend.Codec, error) {
	const op = "onnx.open"
	m, err := model.Load(modelPath, ID)
	if err != nil {
		return nil, err
	}
	if m.Encoder == "" || m.Decoder == "" {
		return nil, codecerr.New(codecerr.ModelLoad, op, "manifest %q must name encoder and decoder graphs", modelPath)
	}
	for _, p := range []string{m.Resolve(m.Encoder), m.Resolve(m.Decoder)} {
		if _, err := os.Stat(p); err != nil {
			return nil, codecerr.Wrap(codecerr.ModelLoad, op, err, "graph %q", p)
		}
	}
	if err := acquireEnv(opts.SharedLibrary); err != nil {
		return nil, codecerr.Wrap(codecerr.ModelLoad, op, err, "initialize onnx runtime")
	}
	so, err := sessionOptions(dev, opts)
	if err != nil {
		releaseEnv()
		return nil, codecerr.Wrap(codecerr.ModelLoad, op, err, "session options for %s", dev)
	}
	defer so.Destroy()

	enc, err := ort.NewDynamicAdvancedSession(m.Resolve(m.Encoder), []string{m.EncoderInput}, []string{m.EncoderOutput}, so)
	if err != nil {
		releaseEnv()
		return nil, codecerr.Wrap(codecerr.ModelLoad, op, err, "load encoder")
	}
	dec, err := ort.NewDynamicAdvancedSession(m.Resolve(m.Decoder), []string{m.DecoderInput}, []string{m.DecoderOutput}, so)
	if err != nil {
		enc.Destroy()
		releaseEnv()
		return nil, codecerr.Wrap(codecerr.ModelLoad, op, err, "load decoder")
	}
	return &codec{
		desc: backend.Descriptor{
			ModelID:        m.ID,
			PatchSize:      m.PatchSize,
			TokenLength:    m.TokenLength(),
			AlphabetSize:   m.AlphabetSize,
			Channels:       m.Channels,
			Device:         dev,
			ConcurrentSafe: true,
		},
		grid:  int64(m.PatchSize / m.LatentStride),
		half:  m.InputDType == "float16",
		enc:   enc,
		dec:   dec,
		limit: opts.MemoryLimit,
	}, nil
}

func sessionOptions(dev backend.Device, opts backend.Options) (*ort.SessionOptions, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if opts.Threads > 0 {
		if err := so.SetIntraOpNumThreads(opts.Threads); err != nil {
			so.Destroy()
			return nil, err
		}
	}
	if dev.Kind == backend.CUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			so.Destroy()
			return nil, err
		}
		defer cuda.Destroy()
		settings := map[string]string{"device_id": strconv.Itoa(dev.Index)}
		if opts.MemoryLimit > 0 {
			settings["gpu_mem_limit"] = strconv.FormatInt(opts.MemoryLimit, 10)
		}
		if err := cuda.Update(settings); err != nil {
			so.Destroy()
			return nil, err
		}
		if err := so.AppendExecutionProviderCUDA(cuda); err != nil {
			so.Destroy()
			return nil, err
		}
	}
	return so, nil
}

func (c *codec) Describe() backend.Descriptor { return c.desc }

func (c *codec) elemSize() int64 {
	if c.half {
		return 2
	}
	return 4
}

func (c *codec) need(n int) int64 {
	return int64(n) * (int64(c.desc.PatchValues())*c.elemSize() + int64(c.desc.TokenLength)*8)
}

func (c *codec) patchShape(n int) ort.Shape {
	p := int64(c.desc.PatchSize)
	return ort.NewShape(int64(n), int64(c.desc.Channels), p, p, p)
}

func (c *codec) tokenShape(n int) ort.Shape {
	return ort.NewShape(int64(n), c.grid, c.grid, c.grid)
}

// toNCDHW converts channel-last patches into one channel-first buffer.
func (c *codec) toNCDHW(patches [][]float32) []float32 {
	ch := c.desc.Channels
	vox := c.desc.PatchValues() / ch
	out := make([]float32, len(patches)*c.desc.PatchValues())
	for i, p := range patches {
		base := i * c.desc.PatchValues()
		for v := 0; v < vox; v++ {
			for k := 0; k < ch; k++ {
				out[base+k*vox+v] = p[v*ch+k]
			}
		}
	}
	return out
}

func (c *codec) fromNCDHW(buf []float32, n int) [][]float32 {
	ch := c.desc.Channels
	pv := c.desc.PatchValues()
	vox := pv / ch
	out := make([][]float32, n)
	for i := range out {
		p := make([]float32, pv)
		base := i * pv
		for v := 0; v < vox; v++ {
			for k := 0; k < ch; k++ {
				p[v*ch+k] = buf[base+k*vox+v]
			}
		}
		out[i] = p
	}
	return out
}

func halfBytes(vals []float32) []byte {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(v).Bits())
	}
	return b
}

func halfFloats(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
	}
	return out
}

// runErr maps runtime failures; allocation failures become ResourceExhausted.
func runErr(op string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"out of memory", "failed to allocate", "cudaerrormemoryallocation", "bad_alloc"} {
		if strings.Contains(msg, s) {
			return codecerr.Wrap(codecerr.ResourceExhausted, op, err, "device allocation failed")
		}
	}
	return codecerr.Wrap(codecerr.ModelLoad, op, err, "inference failed")
}

func (c *codec) Encode(ctx context.Context, patches [][]float32) ([][]backend.Token, error) {
	const op = "onnx.encode"
	if c.closed.Load() {
		return nil, backend.ErrShutdown(op)
	}
	if err := backend.ValidatePatches(op, c.desc, patches); err != nil {
		return nil, err
	}
	if err := backend.CheckMemory(op, c.limit, c.need(len(patches))); err != nil {
		return nil, err
	}
	if len(patches) == 0 {
		return [][]backend.Token{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(patches)
	data := c.toNCDHW(patches)
	var in ort.Value
	if c.half {
		t, err := ort.NewCustomDataTensor(c.patchShape(n), halfBytes(data), ort.TensorElementDataTypeFloat16)
		if err != nil {
			return nil, runErr(op, err)
		}
		defer t.Destroy()
		in = t
	} else {
		t, err := ort.NewTensor(c.patchShape(n), data)
		if err != nil {
			return nil, runErr(op, err)
		}
		defer t.Destroy()
		in = t
	}
	out, err := ort.NewEmptyTensor[int64](c.tokenShape(n))
	if err != nil {
		return nil, runErr(op, err)
	}
	defer out.Destroy()
	if err := c.enc.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, runErr(op, err)
	}
	raw := out.GetData()
	l := c.desc.TokenLength
	res := make([][]backend.Token, n)
	for i := range res {
		toks := make([]backend.Token, l)
		for j, v := range raw[i*l : (i+1)*l] {
			if v < 0 || v >= int64(c.desc.AlphabetSize) {
				return nil, codecerr.New(codecerr.InvalidToken, op, "encoder produced token %d outside alphabet of %d", v, c.desc.AlphabetSize)
			}
			toks[j] = backend.Token(v)
		}
		res[i] = toks
	}
	return res, nil
}

func (c *codec) Decode(ctx context.Context, tokens [][]backend.Token) ([][]float32, error) {
	const op = "onnx.decode"
	if c.closed.Load() {
		return nil, backend.ErrShutdown(op)
	}
	if err := backend.ValidateTokens(op, c.desc, tokens); err != nil {
		return nil, err
	}
	if err := backend.CheckMemory(op, c.limit, c.need(len(tokens))); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return [][]float32{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(tokens)
	flat := make([]int64, 0, n*c.desc.TokenLength)
	for _, arr := range tokens {
		for _, t := range arr {
			flat = append(flat, int64(t))
		}
	}
	in, err := ort.NewTensor(c.tokenShape(n), flat)
	if err != nil {
		return nil, runErr(op, err)
	}
	defer in.Destroy()

	if c.half {
		buf := make([]byte, n*c.desc.PatchValues()*2)
		out, err := ort.NewCustomDataTensor(c.patchShape(n), buf, ort.TensorElementDataTypeFloat16)
		if err != nil {
			return nil, runErr(op, err)
		}
		defer out.Destroy()
		if err := c.dec.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
			return nil, runErr(op, err)
		}
		return c.fromNCDHW(halfFloats(out.GetData()), n), nil
	}
	out, err := ort.NewEmptyTensor[float32](c.patchShape(n))
	if err != nil {
		return nil, runErr(op, err)
	}
	defer out.Destroy()
	if err := c.dec.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, runErr(op, err)
	}
	return c.fromNCDHW(out.GetData(), n), nil
}

func (c *codec) Shutdown() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		if e := c.enc.Destroy(); e != nil {
			err = e
		}
		if e := c.dec.Destroy(); e != nil && err == nil {
			err = e
		}
		if e := releaseEnv(); e != nil && err == nil {
			err = e
		}
	})
	return err
}
