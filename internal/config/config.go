// Package config loads rig configuration from a TOML file and serves a
// live view of it to the workers.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/pelletier/go-toml/v2"

	"relayctl/internal/macro"
	"relayctl/internal/screen"
)

type Config struct {
	Serial SerialConfig `toml:"serial"`
	Screen ScreenConfig `toml:"screen"`
	Macro  MacroConfig  `toml:"macro"`
	Queue  QueueConfig  `toml:"queue"`
	Cycle  CycleConfig  `toml:"cycle"`
	Delay  DelayConfig  `toml:"delay"`
	OCR    OCRConfig    `toml:"ocr"`
}

type SerialConfig struct {
	Port string `toml:"port"`
	Baud int    `toml:"baud"`
}

type ScreenConfig struct {
	X                int `toml:"x"`
	Y                int `toml:"y"`
	W                int `toml:"w"`
	H                int `toml:"h"`
	PollIntervalMs   int `toml:"poll_interval_ms"`
	ChangeTimeoutSec int `toml:"change_timeout_sec"`
}

type Offset struct {
	DX int `toml:"dx"`
	DY int `toml:"dy"`
}

type Point struct {
	X int `toml:"x"`
	Y int `toml:"y"`
}

type MacroConfig struct {
	Origin Point    `toml:"origin"`
	Steps  []Offset `toml:"steps"`
}

type QueueConfig struct {
	Hotkey         string `toml:"hotkey"`
	PollIntervalMs int    `toml:"poll_interval_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
}

type CycleConfig struct {
	Names  []string `toml:"names"`
	Point1 Point    `toml:"point1"`
	Point2 Point    `toml:"point2"`
	Hotkey string   `toml:"hotkey"`
}

type DelayConfig struct {
	MinMs int `toml:"min_ms"`
	MaxMs int `toml:"max_ms"`
}

type OCRConfig struct {
	Binary string `toml:"binary"`
	Lang   string `toml:"lang"`
}

// Default returns a config with sensible defaults; the serial port has no
// default and must come from the file.
func Default() Config {
	return Config{
		Serial: SerialConfig{Baud: 115200},
		Screen: ScreenConfig{PollIntervalMs: 500, ChangeTimeoutSec: 60},
		Queue:  QueueConfig{Hotkey: "CTRL+ENTER", PollIntervalMs: 1000, MaxAttempts: 3},
		Cycle:  CycleConfig{Hotkey: "CTRL+ENTER"},
		Delay:  DelayConfig{MinMs: 1000, MaxMs: 2000},
		OCR:    OCRConfig{Binary: "tesseract", Lang: "eng"},
	}
}

// Load reads and validates the TOML file at path, applying defaults for
// omitted fields.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive")
	}
	if c.Screen.W <= 0 || c.Screen.H <= 0 {
		return fmt.Errorf("screen region must have positive size")
	}
	if len(c.Macro.Steps) == 0 {
		return fmt.Errorf("macro.steps must not be empty")
	}
	if c.Delay.MinMs < 0 || c.Delay.MaxMs < c.Delay.MinMs {
		return fmt.Errorf("delay bounds invalid: min=%d max=%d", c.Delay.MinMs, c.Delay.MaxMs)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	return nil
}

// Region converts the screen section to a capture region.
func (c Config) Region() screen.Region {
	return screen.Region{X: c.Screen.X, Y: c.Screen.Y, W: c.Screen.W, H: c.Screen.H}
}

// MacroSteps converts the offset table.
func (c Config) MacroSteps() []macro.Offset {
	steps := make([]macro.Offset, len(c.Macro.Steps))
	for i, s := range c.Macro.Steps {
		steps[i] = macro.Offset{DX: s.DX, DY: s.DY}
	}
	return steps
}

// DelayBounds returns the randomized wait interval.
func (c Config) DelayBounds() (time.Duration, time.Duration) {
	return time.Duration(c.Delay.MinMs) * time.Millisecond,
		time.Duration(c.Delay.MaxMs) * time.Millisecond
}

// Store is the live configuration handle. Readers always see a complete,
// validated snapshot; Watch swaps snapshots atomically on file change.
type Store struct {
	v atomic.Pointer[Config]
}

func NewStore(cfg Config) *Store {
	s := &Store{}
	s.v.Store(&cfg)
	return s
}

// Get returns the current snapshot.
func (s *Store) Get() Config { return *s.v.Load() }

// Set replaces the snapshot.
func (s *Store) Set(cfg Config) { s.v.Store(&cfg) }

// CycleNames returns the current cycle name list; reload-safe.
func (s *Store) CycleNames() []string { return s.Get().Cycle.Names }
