package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env holds the HANDTRACK_* environment overrides. Unset variables leave
// the file configuration untouched.
type Env struct {
	Listen          string  `env:"HANDTRACK_LISTEN"`
	GRPCListen      string  `env:"HANDTRACK_GRPC_LISTEN"`
	DBPath          string  `env:"HANDTRACK_DB_PATH"`
	RecordingsDir   string  `env:"HANDTRACK_RECORDINGS_DIR"`
	SerialPort      string  `env:"HANDTRACK_SERIAL_PORT"`
	SerialBaud      int     `env:"HANDTRACK_SERIAL_BAUD"`
	SmoothingWindow *int    `env:"HANDTRACK_SMOOTHING_WINDOW"`
	SimulateDevice  string  `env:"HANDTRACK_SIMULATE_DEVICE"`
	SimulateHand    string  `env:"HANDTRACK_SIMULATE_HAND"`
	SimulateMode    string  `env:"HANDTRACK_SIMULATE_MODE"`
	SimulateRate    float64 `env:"HANDTRACK_SIMULATE_RATE"`
	OTelEndpoint    string  `env:"HANDTRACK_OTEL_ENDPOINT"`
}

// ParseEnv reads the HANDTRACK_* variables from the process environment.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Apply overlays the set variables onto c and revalidates it.
func (e Env) Apply(c *Config) error {
	setString := func(dst **string, v string) {
		if v != "" {
			*dst = ptrString(v)
		}
	}
	setString(&c.Listen, e.Listen)
	setString(&c.GRPCListen, e.GRPCListen)
	setString(&c.DBPath, e.DBPath)
	setString(&c.RecordingsDir, e.RecordingsDir)
	setString(&c.SerialPort, e.SerialPort)
	setString(&c.SimulateDevice, e.SimulateDevice)
	setString(&c.SimulateHand, e.SimulateHand)
	setString(&c.SimulateMode, e.SimulateMode)
	setString(&c.OTelEndpoint, e.OTelEndpoint)
	if e.SerialBaud != 0 {
		c.SerialBaud = ptrInt(e.SerialBaud)
	}
	if e.SmoothingWindow != nil {
		c.SmoothingWindow = ptrInt(*e.SmoothingWindow)
	}
	if e.SimulateRate != 0 {
		c.SimulateRate = ptrFloat64(e.SimulateRate)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid environment override: %w", err)
	}
	return nil
}
