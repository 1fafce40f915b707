package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/serialmux"
	"github.com/banshee-data/handtrack/internal/source"
)

// Config is the root configuration of the handtrack daemon. Every field is
// optional; the Get* methods supply defaults for fields left out of the
// file, so partial configs are safe.
type Config struct {
	// Servers
	Listen     *string `json:"listen,omitempty"`
	GRPCListen *string `json:"grpc_listen,omitempty"`

	// Storage
	DBPath        *string `json:"db_path,omitempty"`
	RecordingsDir *string `json:"recordings_dir,omitempty"`

	// Serial transport. An empty port disables the serial feed.
	SerialPort *string `json:"serial_port,omitempty"`
	SerialBaud *int    `json:"serial_baud,omitempty"`

	// Sessions
	GeometryFile    *string `json:"geometry_file,omitempty"`
	SmoothingWindow *int    `json:"smoothing_window,omitempty"`

	// Simulation. A non-empty SimulateDevice opens a session driven by
	// the signal generator.
	SimulateDevice *string  `json:"simulate_device,omitempty"`
	SimulateHand   *string  `json:"simulate_hand,omitempty"`
	SimulateMode   *string  `json:"simulate_mode,omitempty"`
	SimulateRate   *float64 `json:"simulate_rate,omitempty"`

	// Tracing
	OTelEndpoint *string `json:"otel_endpoint,omitempty"`

	// gRPC streaming
	StreamInterval *string `json:"stream_interval,omitempty"` // duration string like "10ms"
}

// Helper functions to create pointers
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// EmptyConfig returns a Config with all fields set to nil.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.SerialBaud != nil {
		if _, err := (serialmux.PortOptions{BaudRate: *c.SerialBaud}).Normalise(); err != nil {
			return fmt.Errorf("serial_baud: %w", err)
		}
	}
	if c.SmoothingWindow != nil && *c.SmoothingWindow < 0 {
		return fmt.Errorf("smoothing_window must be non-negative, got %d", *c.SmoothingWindow)
	}
	if c.SimulateHand != nil && *c.SimulateHand != "" {
		if _, err := glove.ParseHand(*c.SimulateHand); err != nil {
			return fmt.Errorf("simulate_hand: %w", err)
		}
	}
	if c.SimulateMode != nil && *c.SimulateMode != "" {
		if _, err := source.ParseMode(*c.SimulateMode); err != nil {
			return fmt.Errorf("simulate_mode: %w", err)
		}
	}
	if c.SimulateRate != nil && *c.SimulateRate <= 0 {
		return fmt.Errorf("simulate_rate must be positive, got %f", *c.SimulateRate)
	}
	if c.StreamInterval != nil && *c.StreamInterval != "" {
		d, err := time.ParseDuration(*c.StreamInterval)
		if err != nil {
			return fmt.Errorf("invalid stream_interval '%s': %w", *c.StreamInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("stream_interval must be positive, got %s", d)
		}
	}
	return nil
}

// GetListen returns the HTTP listen address or the default.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}

// GetGRPCListen returns the gRPC listen address or the default.
func (c *Config) GetGRPCListen() string {
	if c.GRPCListen == nil || *c.GRPCListen == "" {
		return ":50051"
	}
	return *c.GRPCListen
}

// GetDBPath returns the sqlite database path or the default.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "handtrack.db"
	}
	return *c.DBPath
}

// GetRecordingsDir returns the recordings directory or the default.
func (c *Config) GetRecordingsDir() string {
	if c.RecordingsDir == nil || *c.RecordingsDir == "" {
		return "recordings"
	}
	return *c.RecordingsDir
}

// GetSerialPort returns the serial device path. Empty means disabled.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetSerialBaud returns the serial baud rate or the default.
func (c *Config) GetSerialBaud() int {
	if c.SerialBaud == nil || *c.SerialBaud == 0 {
		return serialmux.DefaultBaudRate
	}
	return *c.SerialBaud
}

// GetGeometryFile returns the geometry profile path. Empty means the
// built-in v05 geometry.
func (c *Config) GetGeometryFile() string {
	if c.GeometryFile == nil {
		return ""
	}
	return *c.GeometryFile
}

// GetSmoothingWindow returns the median window. Zero disables smoothing.
func (c *Config) GetSmoothingWindow() int {
	if c.SmoothingWindow == nil {
		return 0
	}
	return *c.SmoothingWindow
}

// GetSimulateDevice returns the simulated device id. Empty disables it.
func (c *Config) GetSimulateDevice() string {
	if c.SimulateDevice == nil {
		return ""
	}
	return *c.SimulateDevice
}

// GetSimulateHand returns the simulated hand, right unless configured.
func (c *Config) GetSimulateHand() glove.Hand {
	if c.SimulateHand == nil || *c.SimulateHand == "" {
		return glove.Right
	}
	h, err := glove.ParseHand(*c.SimulateHand)
	if err != nil {
		return glove.Right
	}
	return h
}

// GetSimulateMode returns the generator mode or the default.
func (c *Config) GetSimulateMode() source.Mode {
	if c.SimulateMode == nil || *c.SimulateMode == "" {
		return source.ModeOpenClose
	}
	m, err := source.ParseMode(*c.SimulateMode)
	if err != nil {
		return source.ModeOpenClose
	}
	return m
}

// GetSimulateRate returns the generator tick rate in Hz or the default.
func (c *Config) GetSimulateRate() float64 {
	if c.SimulateRate == nil || *c.SimulateRate <= 0 {
		return 1000
	}
	return *c.SimulateRate
}

// GetOTelEndpoint returns the OTLP HTTP endpoint. Empty disables tracing.
func (c *Config) GetOTelEndpoint() string {
	if c.OTelEndpoint == nil {
		return ""
	}
	return *c.OTelEndpoint
}

// GetStreamInterval returns the minimum spacing between streamed frames.
func (c *Config) GetStreamInterval() time.Duration {
	if c.StreamInterval == nil || *c.StreamInterval == "" {
		return 10 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.StreamInterval)
	if err != nil || d <= 0 {
		return 10 * time.Millisecond
	}
	return d
}
