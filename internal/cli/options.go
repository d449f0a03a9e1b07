package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"vqvdb/internal/backend"
	"vqvdb/internal/common/fsutil"
	"vqvdb/internal/config"
	"vqvdb/internal/container"
	"vqvdb/internal/model"
	"vqvdb/internal/orchestrator"
	"vqvdb/internal/store"
)

// flagValues mirrors config.Config for the persistent flags. A flag only
// overrides the config file when it was set on the command line.
type flagValues struct {
	backend     string
	model       string
	device      string
	batchSize   int
	workers     int
	memoryMB    int
	threads     int
	compression string
	onnxLib     string
	modelsDir   string
	logLevel    string
	logFormat   string
	storeURL    string
	corsOrigins string
	addr        string
	maxBodyMB   int
}

type options struct {
	configPath string
	flags      flagValues
	quiet      bool

	cfg config.Config
	log zerolog.Logger
	// explicitBackend is set when the backend came from a flag or the config
	// file rather than the default.
	explicitBackend bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newOptions(stdin io.Reader, stdout, stderr io.Writer) *options {
	return &options{stdin: stdin, stdout: stdout, stderr: stderr, log: zerolog.Nop()}
}

func (o *options) bind(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", os.Getenv("VQVDB_CONFIG"), "Config file (.yaml, .json or .toml); defaults to VQVDB_CONFIG")
	pf.StringVarP(&o.flags.backend, "backend", "b", "", "Backend identifier (identity, native, onnx)")
	pf.StringVarP(&o.flags.model, "model", "m", "", "Model manifest path, or a model id from --models-dir")
	pf.StringVar(&o.flags.device, "device", "", "Device: cpu, cuda or cuda:N")
	pf.IntVar(&o.flags.batchSize, "batch-size", 0, "Patches per inference batch")
	pf.IntVar(&o.flags.workers, "workers", 0, "Concurrent batches for concurrency safe backends")
	pf.IntVar(&o.flags.memoryMB, "memory-limit-mb", 0, "Device memory budget in MiB (0 = unlimited)")
	pf.IntVar(&o.flags.threads, "threads", 0, "Backend compute threads")
	pf.StringVar(&o.flags.compression, "compression", "", "Token stream compression: none, lz4 or zstd")
	pf.StringVar(&o.flags.onnxLib, "onnx-library", "", "Path to the onnxruntime shared library")
	pf.StringVar(&o.flags.modelsDir, "models-dir", "", "Directory of model manifests")
	pf.StringVar(&o.flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&o.flags.logFormat, "log-format", "", "Log format: console or json")
	pf.StringVar(&o.flags.storeURL, "store", "", "Blob store URL; container arguments become keys")
	pf.BoolVarP(&o.quiet, "quiet", "q", false, "Disable progress bars and summaries")
}

// resolve loads the config file, applies changed flags over it and fills
// defaults. It runs before every subcommand.
func (o *options) resolve(cmd *cobra.Command) error {
	var cfg config.Config
	if o.configPath != "" {
		c, err := config.Load(o.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("backend", func() { cfg.Backend = o.flags.backend })
	set("model", func() { cfg.ModelPath = o.flags.model })
	set("device", func() { cfg.Device = o.flags.device })
	set("batch-size", func() { cfg.BatchSize = o.flags.batchSize })
	set("workers", func() { cfg.Workers = o.flags.workers })
	set("memory-limit-mb", func() { cfg.MemoryLimitMB = o.flags.memoryMB })
	set("threads", func() { cfg.Threads = o.flags.threads })
	set("compression", func() { cfg.Compression = o.flags.compression })
	set("onnx-library", func() { cfg.OnnxLibrary = o.flags.onnxLib })
	set("models-dir", func() { cfg.ModelsDir = o.flags.modelsDir })
	set("log-level", func() { cfg.LogLevel = o.flags.logLevel })
	set("log-format", func() { cfg.LogFormat = o.flags.logFormat })
	set("store", func() { cfg.Store.URL = o.flags.storeURL })
	set("addr", func() { cfg.Addr = o.flags.addr })
	set("cors-origins", func() { cfg.CORSOrigins = splitCSV(o.flags.corsOrigins) })
	set("max-body-mb", func() { cfg.MaxBodyMB = o.flags.maxBodyMB })
	o.explicitBackend = cfg.Backend != ""
	cfg.ApplyDefaults()

	l, err := newLogger(cfg, o.stderr)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.log = l
	return nil
}

func newLogger(cfg config.Config, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	var out io.Writer
	switch cfg.LogFormat {
	case "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	case "json":
		out = w
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q (want console or json)", cfg.LogFormat)
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// modelPath resolves --model: an existing file is used as is, otherwise the
// value is looked up as an id in the models directory.
func (o *options) modelPath() (string, error) {
	p := o.cfg.ModelPath
	if p == "" || o.cfg.ModelsDir == "" {
		return p, nil
	}
	if exp, err := fsutil.ExpandHome(p); err == nil && fsutil.IsRegularFile(exp) {
		return exp, nil
	}
	entries, err := model.LoadDir(o.cfg.ModelsDir)
	if err != nil {
		return "", err
	}
	i := slices.IndexFunc(entries, func(e model.Entry) bool { return e.ID == p })
	if i < 0 {
		return "", fmt.Errorf("model %q not found in %s", p, o.cfg.ModelsDir)
	}
	if !o.explicitBackend {
		o.cfg.Backend = entries[i].Kind
	}
	return entries[i].Path, nil
}

func (o *options) request() (orchestrator.Request, error) {
	p, err := o.modelPath()
	if err != nil {
		return orchestrator.Request{}, err
	}
	// Unknown backends fail before any input is read or store opened.
	if err := backend.Lookup(o.cfg.Backend); err != nil {
		return orchestrator.Request{}, err
	}
	req := orchestrator.Request{
		Backend:   o.cfg.Backend,
		ModelPath: p,
		Device:    o.cfg.Device,
		BatchSize: o.cfg.BatchSize,
	}
	if o.cfg.MemoryLimitMB > 0 {
		req.Options = append(req.Options, backend.WithMemoryLimit(int64(o.cfg.MemoryLimitMB)<<20))
	}
	if o.cfg.Threads > 0 {
		req.Options = append(req.Options, backend.WithThreads(o.cfg.Threads))
	}
	if o.cfg.OnnxLibrary != "" {
		req.Options = append(req.Options, backend.WithSharedLibrary(o.cfg.OnnxLibrary))
	}
	return req, nil
}

func (o *options) orchestrator(progress orchestrator.ProgressFunc, onStats func(orchestrator.Stats)) (*orchestrator.Orchestrator, error) {
	comp, err := container.ParseCompression(o.cfg.Compression)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(orchestrator.Config{
		Workers:     o.cfg.Workers,
		Compression: comp,
		Logger:      &o.log,
		Progress:    progress,
		OnStats:     onStats,
		Limits: container.Limits{
			MaxRawBytes: int64(o.cfg.MaxDecodeMB) << 20,
			MaxPatches:  o.cfg.MaxPatches,
			MaxVoxels:   uint64(max(o.cfg.MaxVoxels, 0)),
		},
	}), nil
}

// openStore returns the configured blob store, or nil when arguments are
// plain file paths.
func (o *options) openStore(ctx context.Context) (store.Store, error) {
	if o.cfg.Store.URL == "" {
		return nil, nil
	}
	return store.Open(ctx, o.cfg.Store)
}
