// Package brokerconfig loads /etc/spi-hub.json. Spec.md calls this
// mapping "trivial": a typed struct and json.Unmarshal are the right
// tool here rather than a third-party decoder (see DESIGN.md) — the
// ambient rule about using the teacher's libraries applies to logging,
// errors, and tests, not to a deliberately thin, explicitly
// out-of-scope config format.
package brokerconfig

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// DefaultSpeedHz is used for a bus whose config omits "speed".
const DefaultSpeedHz = 1_000_000

// DefaultPath is where the broker looks for its config file when no
// positional bus paths were given on the command line.
const DefaultPath = "/etc/spi-hub.json"

// BusConfig describes one physical SPI bus the broker should open.
type BusConfig struct {
	Path      string `json:"path"`
	Speed     int64  `json:"speed,omitempty"`
	IRQPin    string `json:"irqPin,omitempty"`
	IRQActive string `json:"irqActive,omitempty"`
}

// Config is the top-level shape of /etc/spi-hub.json.
type Config struct {
	Buses []BusConfig `json:"buses"`

	// LogFile, if set, additionally rotates JSON log lines to this path
	// (see logging.NewFileLogger). Empty means console-only logging.
	LogFile string `json:"logFile,omitempty"`
}

// Load reads and parses path, applying defaults via WithDefaults.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg.WithDefaults(), nil
}

// WithDefaults returns a copy of c with zero-valued optional fields
// filled in.
func (c Config) WithDefaults() Config {
	out := Config{Buses: make([]BusConfig, len(c.Buses)), LogFile: c.LogFile}
	for i, b := range c.Buses {
		if b.Speed == 0 {
			b.Speed = DefaultSpeedHz
		}
		out.Buses[i] = b
	}
	return out
}

// ActiveLow reports whether a bus's IRQActive field selects the
// falling edge ("low"); any other value (including empty) means rising.
func (b BusConfig) ActiveLow() bool {
	return b.IRQActive == "low"
}
