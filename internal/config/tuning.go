package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// FleetTuning holds knobs for mirror orchestration read from the optional
// TOML file.
type FleetTuning struct {
	BootstrapConcurrency int
	LivenessTimeout      time.Duration
	SendTimeout          time.Duration
	ShutdownTimeout      time.Duration
}

// DefaultFleetTuning returns the values used when no tuning file is supplied.
func DefaultFleetTuning() FleetTuning {
	return FleetTuning{
		BootstrapConcurrency: 4,
		LivenessTimeout:      10 * time.Second,
		SendTimeout:          10 * time.Second,
		ShutdownTimeout:      10 * time.Second,
	}
}

type tuningFile struct {
	Fleet struct {
		BootstrapConcurrency int      `toml:"bootstrap_concurrency"`
		LivenessTimeout      duration `toml:"liveness_timeout"`
		SendTimeout          duration `toml:"send_timeout"`
		ShutdownTimeout      duration `toml:"shutdown_timeout"`
	} `toml:"fleet"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func loadFleetTuning(path string, base FleetTuning) (FleetTuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FleetTuning{}, fmt.Errorf("read %s: %w", KeyConfigFile, err)
	}

	var file tuningFile
	if _, err := toml.Decode(string(data), &file); err != nil {
		return FleetTuning{}, fmt.Errorf("parse %s: %w", KeyConfigFile, err)
	}

	out := base
	if file.Fleet.BootstrapConcurrency < 0 {
		return FleetTuning{}, fmt.Errorf("fleet.bootstrap_concurrency must not be negative")
	}
	if file.Fleet.BootstrapConcurrency > 0 {
		out.BootstrapConcurrency = file.Fleet.BootstrapConcurrency
	}
	if file.Fleet.LivenessTimeout.Duration > 0 {
		out.LivenessTimeout = file.Fleet.LivenessTimeout.Duration
	}
	if file.Fleet.SendTimeout.Duration > 0 {
		out.SendTimeout = file.Fleet.SendTimeout.Duration
	}
	if file.Fleet.ShutdownTimeout.Duration > 0 {
		out.ShutdownTimeout = file.Fleet.ShutdownTimeout.Duration
	}

	return out, nil
}
