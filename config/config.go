// Package config holds pfman's supervisor settings, read from settings.toml.
//
// Every field has a default; a missing file or a missing key means the
// default. Example:
//
//	poll_interval = "2s"
//	start_grace = "1500ms"
//	log_max_bytes = 1048576
//
//	[tools]
//	ssh = "/usr/local/bin/ssh"
//
//	[retry]
//	enabled = true
//	max_attempts = 5
//
//	[hooks]
//	on_crash = ["notify-send \"pfman\" \"$PFMAN_SESSION_NAME crashed\""]
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/zhubert/pfman/paths"
	"github.com/zhubert/pfman/session"
)

// Duration wraps time.Duration so settings read and write as "2s".
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration {
	return Duration{d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Tools overrides the binaries used for tunnels.
type Tools struct {
	SSH     string `toml:"ssh,omitempty"`
	Kubectl string `toml:"kubectl,omitempty"`
}

// Retry is the retry policy applied to sessions that do not set their own.
type Retry struct {
	Enabled     bool     `toml:"enabled"`
	MaxAttempts int      `toml:"max_attempts"`
	Window      Duration `toml:"window"`
	Backoff     Duration `toml:"backoff"`
	MaxBackoff  Duration `toml:"max_backoff"`
}

// Policy converts the settings into a session retry policy.
func (r Retry) Policy() session.RetryPolicy {
	return session.RetryPolicy{
		Enabled:     r.Enabled,
		MaxAttempts: r.MaxAttempts,
		Window:      r.Window.Duration,
		Backoff:     r.Backoff.Duration,
		MaxBackoff:  r.MaxBackoff.Duration,
	}
}

// Hooks are shell commands "pfman supervise" runs when a session enters a
// state. They run in order; a failing hook does not stop the next one.
type Hooks struct {
	OnRunning []string `toml:"on_running,omitempty"`
	OnCrash   []string `toml:"on_crash,omitempty"`
	OnStopped []string `toml:"on_stopped,omitempty"`
	Timeout   Duration `toml:"timeout"` // per command
}

// For returns the commands to run when a session enters state.
func (h Hooks) For(state session.State) []string {
	switch state {
	case session.StateRunning:
		return h.OnRunning
	case session.StateCrashed:
		return h.OnCrash
	case session.StateStopped:
		return h.OnStopped
	}
	return nil
}

// Config holds the supervisor settings
type Config struct {
	PollInterval       Duration `toml:"poll_interval"`        // monitor loop cadence
	StartGrace         Duration `toml:"start_grace"`          // a tunnel must survive this long to count as running
	StopGrace          Duration `toml:"stop_grace"`           // SIGTERM → SIGKILL escalation delay
	KillWait           Duration `toml:"kill_wait"`            // bounded wait after SIGKILL
	StartTimeTolerance Duration `toml:"start_time_tolerance"` // pid identity check slack
	TailInterval       Duration `toml:"tail_interval"`        // follow-mode poll cadence for log readers
	LogMaxBytes        int64    `toml:"log_max_bytes"`        // per-session log size before rotation
	SpoolMaxBytes      int64    `toml:"spool_max_bytes"`      // raw capture size before it is compacted
	Debug              bool     `toml:"debug"`

	Tools Tools `toml:"tools"`
	Retry Retry `toml:"retry"`
	Hooks Hooks `toml:"hooks"`

	mu       sync.RWMutex
	filePath string
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		PollInterval:       D(2 * time.Second),
		StartGrace:         D(1500 * time.Millisecond),
		StopGrace:          D(5 * time.Second),
		KillWait:           D(2 * time.Second),
		StartTimeTolerance: D(2 * time.Second),
		TailInterval:       D(250 * time.Millisecond),
		LogMaxBytes:        1 << 20,
		SpoolMaxBytes:      4 << 20,
		Retry: Retry{
			MaxAttempts: 5,
			Window:      D(10 * time.Minute),
			Backoff:     D(2 * time.Second),
			MaxBackoff:  D(time.Minute),
		},
		Hooks: Hooks{Timeout: D(30 * time.Second)},
	}
}

// Load reads settings.toml from the default location.
func Load() (*Config, error) {
	path, err := paths.SettingsFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads settings from path over the defaults. A missing file yields
// the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	cfg.filePath = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse %s: unknown settings %v", path, undecoded)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that durations and sizes are usable.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	durations := []struct {
		name string
		d    Duration
	}{
		{"poll_interval", c.PollInterval},
		{"start_grace", c.StartGrace},
		{"stop_grace", c.StopGrace},
		{"kill_wait", c.KillWait},
		{"start_time_tolerance", c.StartTimeTolerance},
		{"tail_interval", c.TailInterval},
		{"hooks.timeout", c.Hooks.Timeout},
	}
	for _, d := range durations {
		if d.d.Duration <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}
	if c.LogMaxBytes < 1024 {
		return fmt.Errorf("log_max_bytes must be at least 1024, got %d", c.LogMaxBytes)
	}
	if c.SpoolMaxBytes < 1024 {
		return fmt.Errorf("spool_max_bytes must be at least 1024, got %d", c.SpoolMaxBytes)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	return nil
}

// SessionTools returns the tool overrides in the form session.Command takes.
func (c *Config) SessionTools() session.Tools {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return session.Tools{SSH: c.Tools.SSH, Kubectl: c.Tools.Kubectl}
}

// HookSettings returns a copy of the hook commands.
func (c *Config) HookSettings() Hooks {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.Hooks
	h.OnRunning = slices.Clone(h.OnRunning)
	h.OnCrash = slices.Clone(h.OnCrash)
	h.OnStopped = slices.Clone(h.OnStopped)
	return h
}

// RetryFor returns the session's own policy if it has one configured, else
// the global default.
func (c *Config) RetryFor(s session.Session) session.RetryPolicy {
	c.mu.RLock()
	def := c.Retry.Policy()
	c.mu.RUnlock()

	if s.Retry == (session.RetryPolicy{}) {
		return def
	}
	p := s.Retry
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Window == 0 {
		p.Window = def.Window
	}
	if p.Backoff == 0 {
		p.Backoff = def.Backoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	return p
}

// Save writes the settings to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filePath == "" {
		path, err := paths.SettingsFilePath()
		if err != nil {
			return err
		}
		c.filePath = path
	}
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return err
	}
	return os.WriteFile(c.filePath, buf.Bytes(), 0644)
}

// SetFilePath sets the settings file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}
