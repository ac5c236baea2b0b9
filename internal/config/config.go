package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/banshee-data/posesync/internal/frames"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/posesync.defaults.json"

// ErrMissingEyeParameters is returned when the default view is enabled but
// no eye pose is configured.
var ErrMissingEyeParameters = errors.New("default view enabled without eye parameters")

// Config is the server configuration. Every field is optional; the Get*
// accessors supply defaults for fields left unset.
type Config struct {
	ListenAddr         *string  `json:"listen_addr,omitempty"`
	FrameRateHz        *float64 `json:"frame_rate_hz,omitempty"`
	DatabasePath       *string  `json:"database_path,omitempty"`
	PositionEpsilon    *float64 `json:"position_epsilon,omitempty"`
	OrientationEpsilon *float64 `json:"orientation_epsilon,omitempty"`
	SessionBuffer      *int     `json:"session_buffer,omitempty"`
	StatsInterval      *string  `json:"stats_interval,omitempty"` // duration string like "30s"
	MetricsAddr        *string  `json:"metrics_addr,omitempty"`
	SampleRetention    *string  `json:"sample_retention,omitempty"` // duration string, "0s" keeps everything
	RecordUpstream     *bool    `json:"record_upstream,omitempty"`

	DefaultView *DefaultView `json:"default_view,omitempty"`
}

// DefaultView describes the viewer entity created at startup.
type DefaultView struct {
	Enabled bool     `json:"enabled"`
	Eye     *EyePose `json:"eye,omitempty"`
}

// EyePose is the pose of the default eye entity.
type EyePose struct {
	ID             string     `json:"id,omitempty"`
	Position       [3]float64 `json:"position"`
	Orientation    [4]float64 `json:"orientation"` // x, y, z, w
	ReferenceFrame string     `json:"reference_frame,omitempty"`
}

// envOverrides holds the values that may be set from the environment.
type envOverrides struct {
	ListenAddr   string  `env:"POSESYNC_LISTEN_ADDR"`
	FrameRateHz  float64 `env:"POSESYNC_FRAME_RATE_HZ"`
	DatabasePath string  `env:"POSESYNC_DATABASE_PATH"`
	MetricsAddr  string  `env:"POSESYNC_METRICS_ADDR"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrBool(v bool) *bool          { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Default returns a Config with every field set to its default value.
func Default() *Config {
	c := Empty()
	return &Config{
		ListenAddr:         ptrString(c.GetListenAddr()),
		FrameRateHz:        ptrFloat64(c.GetFrameRateHz()),
		DatabasePath:       ptrString(c.GetDatabasePath()),
		PositionEpsilon:    ptrFloat64(c.GetPositionEpsilon()),
		OrientationEpsilon: ptrFloat64(c.GetOrientationEpsilon()),
		SessionBuffer:      ptrInt(c.GetSessionBuffer()),
		StatsInterval:      ptrString(c.GetStatsInterval().String()),
		MetricsAddr:        ptrString(c.GetMetricsAddr()),
		SampleRetention:    ptrString(c.GetSampleRetention().String()),
		RecordUpstream:     ptrBool(c.GetRecordUpstream()),
	}
}

// Load reads a Config from a JSON file. The file must have a .json
// extension and be under 1MB. Fields omitted from the file fall back to
// their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefault loads DefaultConfigPath from the current directory or a
// parent. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefault() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// ApplyEnv overrides fields from POSESYNC_* environment variables. Unset
// variables leave the field as it is.
func (c *Config) ApplyEnv() error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if ov.ListenAddr != "" {
		c.ListenAddr = ptrString(ov.ListenAddr)
	}
	if ov.FrameRateHz != 0 {
		c.FrameRateHz = ptrFloat64(ov.FrameRateHz)
	}
	if ov.DatabasePath != "" {
		c.DatabasePath = ptrString(ov.DatabasePath)
	}
	if ov.MetricsAddr != "" {
		c.MetricsAddr = ptrString(ov.MetricsAddr)
	}
	return c.Validate()
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.FrameRateHz != nil && *c.FrameRateHz <= 0 {
		return fmt.Errorf("frame_rate_hz must be positive, got %f", *c.FrameRateHz)
	}
	if c.PositionEpsilon != nil && *c.PositionEpsilon < 0 {
		return fmt.Errorf("position_epsilon must be non-negative, got %g", *c.PositionEpsilon)
	}
	if c.OrientationEpsilon != nil && *c.OrientationEpsilon < 0 {
		return fmt.Errorf("orientation_epsilon must be non-negative, got %g", *c.OrientationEpsilon)
	}
	if c.SessionBuffer != nil && *c.SessionBuffer < 1 {
		return fmt.Errorf("session_buffer must be at least 1, got %d", *c.SessionBuffer)
	}
	if c.StatsInterval != nil && *c.StatsInterval != "" {
		if _, err := time.ParseDuration(*c.StatsInterval); err != nil {
			return fmt.Errorf("invalid stats_interval '%s': %w", *c.StatsInterval, err)
		}
	}
	if c.SampleRetention != nil && *c.SampleRetention != "" {
		d, err := time.ParseDuration(*c.SampleRetention)
		if err != nil {
			return fmt.Errorf("invalid sample_retention '%s': %w", *c.SampleRetention, err)
		}
		if d < 0 {
			return fmt.Errorf("sample_retention must be non-negative, got %s", d)
		}
	}

	if v := c.DefaultView; v != nil && v.Enabled {
		if v.Eye == nil {
			return ErrMissingEyeParameters
		}
		if v.Eye.ReferenceFrame != "" {
			if _, err := frames.ParseReferenceFrame(v.Eye.ReferenceFrame); err != nil {
				return fmt.Errorf("default_view.eye.reference_frame: %w", err)
			}
		}
		if v.Eye.Orientation == ([4]float64{}) {
			return fmt.Errorf("default_view.eye.orientation must be a non-zero quaternion")
		}
	}
	return nil
}

// GetListenAddr returns the gRPC listen address or the default.
func (c *Config) GetListenAddr() string {
	if c.ListenAddr == nil || *c.ListenAddr == "" {
		return "localhost:50061"
	}
	return *c.ListenAddr
}

// GetFrameRateHz returns the frame rate or the default.
func (c *Config) GetFrameRateHz() float64 {
	if c.FrameRateHz == nil {
		return 30
	}
	return *c.FrameRateHz
}

// GetFrameInterval returns the period between frames.
func (c *Config) GetFrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.GetFrameRateHz())
}

// GetDatabasePath returns the catalogue path or the default. An empty
// string in the file disables persistence.
func (c *Config) GetDatabasePath() string {
	if c.DatabasePath == nil {
		return "posesync.db"
	}
	return *c.DatabasePath
}

// GetPositionEpsilon returns the CHANGED position threshold in metres.
func (c *Config) GetPositionEpsilon() float64 {
	if c.PositionEpsilon == nil {
		return 1e-6
	}
	return *c.PositionEpsilon
}

// GetOrientationEpsilon returns the CHANGED orientation threshold in radians.
func (c *Config) GetOrientationEpsilon() float64 {
	if c.OrientationEpsilon == nil {
		return 1e-6
	}
	return *c.OrientationEpsilon
}

// GetSessionBuffer returns the per-session outbound queue length.
func (c *Config) GetSessionBuffer() int {
	if c.SessionBuffer == nil {
		return 64
	}
	return *c.SessionBuffer
}

// GetStatsInterval parses and returns StatsInterval.
func (c *Config) GetStatsInterval() time.Duration {
	if c.StatsInterval == nil || *c.StatsInterval == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(*c.StatsInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetMetricsAddr returns the metrics listen address. Empty disables it.
func (c *Config) GetMetricsAddr() string {
	if c.MetricsAddr == nil {
		return "localhost:9161"
	}
	return *c.MetricsAddr
}

// GetSampleRetention returns how much sampled pose history the frame loop
// keeps. Zero keeps everything.
func (c *Config) GetSampleRetention() time.Duration {
	if c.SampleRetention == nil || *c.SampleRetention == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(*c.SampleRetention)
	if err != nil {
		return time.Hour
	}
	return d
}

// GetRecordUpstream reports whether a nested manager records the states it
// receives from its parent into the catalogue.
func (c *Config) GetRecordUpstream() bool {
	return c.RecordUpstream != nil && *c.RecordUpstream
}

// Eye returns the configured eye entity id, frame and transform, and false
// when the default view is disabled.
func (c *Config) Eye() (string, frames.ReferenceFrame, frames.Transform, bool) {
	v := c.DefaultView
	if v == nil || !v.Enabled || v.Eye == nil {
		return "", frames.ReferenceFrame{}, frames.Transform{}, false
	}
	id := v.Eye.ID
	if id == "" {
		id = "eye"
	}
	frame := frames.Fixed(frames.FixedGlobal)
	if v.Eye.ReferenceFrame != "" {
		if f, err := frames.ParseReferenceFrame(v.Eye.ReferenceFrame); err == nil {
			frame = f
		}
	}
	return id, frame, frames.NewTransform(v.Eye.Position, v.Eye.Orientation), true
}
