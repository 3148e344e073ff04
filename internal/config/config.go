package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultConfigPath = "~/.config/matting/config.json"
	defaultParallel   = 1
)

// Config holds user-editable settings for the decomposer.
type Config struct {
	Processing Processing       `json:"processing"`
	Logging    Logging          `json:"logging"`
	Paths      Paths            `json:"paths"`
	Matting    MattingConfig    `json:"matting"`
	Foreground ForegroundConfig `json:"foreground"`
	Plugin     PluginConfig     `json:"plugin"`
	Server     ServerConfig     `json:"server"`
	Codec      CodecConfig      `json:"codec"`
	Watch      WatchConfig      `json:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"` // host commands run one at a time by default
	QueueSize    int    `json:"queue_size"`
	JobTimeout   string `json:"job_timeout"` // Go duration, empty for none
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// MattingConfig tunes the closed-form alpha solver.
type MattingConfig struct {
	Epsilon             float64 `json:"epsilon"`
	Radius              int     `json:"radius"`
	ForegroundThreshold float64 `json:"foreground_threshold"`
	BackgroundThreshold float64 `json:"background_threshold"`
	Tolerance           float64 `json:"tolerance"`
	MaxIterations       int     `json:"max_iterations"`
	Preconditioner      string  `json:"preconditioner"` // jacobi, none
}

// ForegroundConfig tunes the multi-level foreground estimator.
type ForegroundConfig struct {
	Regularization  float64 `json:"regularization"`
	SmallIterations int     `json:"small_iterations"`
	BigIterations   int     `json:"big_iterations"`
	SmallSize       int     `json:"small_size"`
	GradientWeight  float64 `json:"gradient_weight"`
}

// PluginConfig controls procedure registration.
type PluginConfig struct {
	ProcedureName string `json:"procedure_name"`
	TrimapMarker  string `json:"trimap_marker"` // substring identifying untyped trimap layers
	I18nDomain    string `json:"i18n_domain"`
	GRPCAddr      string `json:"grpc_addr"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr           string `json:"addr"`
	MaxUploadBytes int64  `json:"max_upload_bytes"`
}

// CodecConfig selects output encodings.
type CodecConfig struct {
	OutputFormat        string `json:"output_format"` // png, tiff
	ImageMagickFallback bool   `json:"imagemagick_fallback"`
}

// WatchConfig configures the hot folder.
type WatchConfig struct {
	Directories  []string `json:"directories"`
	TrimapSuffix string   `json:"trimap_suffix"` // <name><suffix>.<ext> pairs with <name>.<ext>
	Debounce     string   `json:"debounce"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("MATTING_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	return cfg, nil
}

// Validate reports every setting that the solver or services would reject.
func (c *Config) Validate() error {
	var errs []error
	m := c.Matting
	if m.Radius < 0 {
		errs = append(errs, fmt.Errorf("matting.radius must be positive, got %d", m.Radius))
	}
	if m.Epsilon < 0 {
		errs = append(errs, fmt.Errorf("matting.epsilon must be positive, got %g", m.Epsilon))
	}
	if m.ForegroundThreshold != 0 && m.BackgroundThreshold != 0 && m.BackgroundThreshold >= m.ForegroundThreshold {
		errs = append(errs, fmt.Errorf("matting.background_threshold %g must be below foreground_threshold %g", m.BackgroundThreshold, m.ForegroundThreshold))
	}
	switch m.Preconditioner {
	case "", "jacobi", "none":
	default:
		errs = append(errs, fmt.Errorf("matting.preconditioner %q is not one of jacobi, none", m.Preconditioner))
	}
	switch c.Codec.OutputFormat {
	case "", "png", "tiff", "tif":
	default:
		errs = append(errs, fmt.Errorf("codec.output_format %q is not one of png, tiff", c.Codec.OutputFormat))
	}
	for name, d := range map[string]string{"processing.job_timeout": c.Processing.JobTimeout, "watch.debounce": c.Watch.Debounce} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    64,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "matting.db"),
		},
		Matting: MattingConfig{
			Epsilon:             1e-7,
			Radius:              1,
			ForegroundThreshold: 0.9,
			BackgroundThreshold: 0.1,
			Tolerance:           1e-7,
			MaxIterations:       10000,
			Preconditioner:      "jacobi",
		},
		Foreground: ForegroundConfig{
			Regularization:  1e-5,
			SmallIterations: 10,
			BigIterations:   2,
			SmallSize:       32,
			GradientWeight:  1.0,
		},
		Plugin: PluginConfig{
			ProcedureName: "plug-in-matting",
			TrimapMarker:  "trimap",
			I18nDomain:    "gimp30-python",
			GRPCAddr:      "127.0.0.1:50551",
		},
		Server: ServerConfig{
			Addr:           ":8080",
			MaxUploadBytes: 64 << 20,
		},
		Codec: CodecConfig{
			OutputFormat:        "png",
			ImageMagickFallback: true,
		},
		Watch: WatchConfig{
			TrimapSuffix: ".trimap",
			Debounce:     "500ms",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
