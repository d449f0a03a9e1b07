package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"vqvdb/internal/common/fsutil"
)

// StoreConfig selects where containers are read from and written to.
type StoreConfig struct {
	// URL is file:///dir, mem://, s3://bucket/prefix or minio://host/bucket/prefix.
	URL       string `json:"url" yaml:"url" toml:"url"`
	Region    string `json:"region" yaml:"region" toml:"region"`
	Endpoint  string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key" toml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key" toml:"secret_key"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl" toml:"use_ssl"`
}

// Config holds runtime parameters for the CLI and the HTTP service.
// Zero values mean "unspecified" and are replaced by Defaults.
type Config struct {
	Backend       string      `json:"backend" yaml:"backend" toml:"backend"`
	ModelPath     string      `json:"model_path" yaml:"model_path" toml:"model_path"`
	Device        string      `json:"device" yaml:"device" toml:"device"`
	BatchSize     int         `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Workers       int         `json:"workers" yaml:"workers" toml:"workers"`
	MemoryLimitMB int         `json:"memory_limit_mb" yaml:"memory_limit_mb" toml:"memory_limit_mb"`
	Threads       int         `json:"threads" yaml:"threads" toml:"threads"`
	Compression   string      `json:"compression" yaml:"compression" toml:"compression"`
	OnnxLibrary   string      `json:"onnx_library" yaml:"onnx_library" toml:"onnx_library"`
	ModelsDir     string      `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	LogLevel      string      `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat     string      `json:"log_format" yaml:"log_format" toml:"log_format"`
	Addr          string      `json:"addr" yaml:"addr" toml:"addr"`
	MaxBodyMB     int         `json:"max_body_mb" yaml:"max_body_mb" toml:"max_body_mb"`
	CORSOrigins   []string    `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	MaxInstances  int         `json:"max_instances" yaml:"max_instances" toml:"max_instances"`
	MaxQueueDepth int         `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	QueueTimeoutS int         `json:"queue_timeout_s" yaml:"queue_timeout_s" toml:"queue_timeout_s"`
	MaxDecodeMB   int         `json:"max_decode_mb" yaml:"max_decode_mb" toml:"max_decode_mb"`
	MaxPatches    int         `json:"max_patches" yaml:"max_patches" toml:"max_patches"`
	MaxVoxels     int         `json:"max_voxels" yaml:"max_voxels" toml:"max_voxels"`
	Store         StoreConfig `json:"store" yaml:"store" toml:"store"`
}

// Defaults applied by ApplyDefaults when the corresponding field is unset.
const (
	DefaultBackend     = "native"
	DefaultDevice      = "cpu"
	DefaultBatchSize   = 64
	DefaultWorkers     = 4
	DefaultCompression = "zstd"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "console"
	DefaultAddr        = ":8790"
	DefaultMaxBodyMB   = 512
)

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Compression == "" {
		c.Compression = DefaultCompression
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.MaxBodyMB <= 0 {
		c.MaxBodyMB = DefaultMaxBodyMB
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if err := LoadFile(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile decodes the file at path into v, picking the format from the
// extension. A leading '~' is expanded.
func LoadFile(path string, v any) error {
	if path == "" {
		return fmt.Errorf("empty config path")
	}
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	return nil
}
