// Package config loads the dicomlink YAML configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the dicomlink configuration file.
type Config struct {
	AETitle        string     `yaml:"ae_title"`
	Listen         string     `yaml:"listen"`
	MaxPDUSize     int        `yaml:"max_pdu_size,omitempty"`
	ReadBufferSize int        `yaml:"read_buffer_size,omitempty"`
	Timeouts       Timeouts   `yaml:"timeouts,omitempty"`
	RemoteAETitles []string   `yaml:"remote_ae_titles,omitempty"`
	Endpoints      []Endpoint `yaml:"endpoints"`
	Remotes        []Remote   `yaml:"remotes,omitempty"`

	LogLevel          string `yaml:"log_level,omitempty"`
	ProtocolVerbosity int    `yaml:"protocol_verbosity,omitempty"`
}

// Timeouts are parsed with time.ParseDuration, e.g. "30s".
type Timeouts struct {
	Read  time.Duration `yaml:"read,omitempty"`
	Write time.Duration `yaml:"write,omitempty"`
	ARTIM time.Duration `yaml:"artim,omitempty"`
	Dial  time.Duration `yaml:"dial,omitempty"`
}

// Endpoint is one served called AE title and where its images go.
type Endpoint struct {
	AETitle    string `yaml:"ae_title"`
	DepositDir string `yaml:"deposit_dir"`
	WatchDir   string `yaml:"watch_dir"`
	Extension  string `yaml:"extension,omitempty"`
}

// Remote is a peer the echo and store commands can connect to.
type Remote struct {
	Name    string `yaml:"name"`
	AETitle string `yaml:"ae_title"`
	Address string `yaml:"address"`
}

// Defaults for settings left out of the file.
const (
	DefaultAETitle        = "DICOMLINK"
	DefaultListen         = ":204"
	DefaultMaxPDUSize     = 16384
	DefaultReadBufferSize = 16384
	DefaultLogLevel       = "info"
	DefaultReadTimeout    = 30 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
	DefaultARTIMTimeout   = 10 * time.Second
	DefaultDialTimeout    = 10 * time.Second
)

// maxAETitle is the length limit of an AE title.
const maxAETitle = 16

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s (use --config <path>)", path)
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.AETitle = strings.TrimSpace(c.AETitle)
	if c.AETitle == "" {
		c.AETitle = DefaultAETitle
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.MaxPDUSize == 0 {
		c.MaxPDUSize = DefaultMaxPDUSize
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Timeouts.Read == 0 {
		c.Timeouts.Read = DefaultReadTimeout
	}
	if c.Timeouts.Write == 0 {
		c.Timeouts.Write = DefaultWriteTimeout
	}
	if c.Timeouts.ARTIM == 0 {
		c.Timeouts.ARTIM = DefaultARTIMTimeout
	}
	if c.Timeouts.Dial == 0 {
		c.Timeouts.Dial = DefaultDialTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	for i := range c.Endpoints {
		e := &c.Endpoints[i]
		e.AETitle = strings.TrimSpace(e.AETitle)
		if e.AETitle == "" {
			e.AETitle = c.AETitle
		}
	}
}

// Validate checks a defaulted configuration.
func (c *Config) Validate() error {
	if err := validateAETitle("ae_title", c.AETitle); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if c.MaxPDUSize < 0 || c.ReadBufferSize < 0 {
		return fmt.Errorf("max_pdu_size and read_buffer_size must be >= 0")
	}
	if c.Timeouts.Read < 0 || c.Timeouts.Write < 0 || c.Timeouts.ARTIM < 0 || c.Timeouts.Dial < 0 {
		return fmt.Errorf("timeouts must be >= 0")
	}
	if c.ProtocolVerbosity < 0 {
		return fmt.Errorf("protocol_verbosity must be >= 0")
	}
	switch strings.ToLower(c.LogLevel) {
	case "panic", "fatal", "error", "warn", "warning", "info", "debug", "trace":
	default:
		return fmt.Errorf("log_level %q is not a logrus level", c.LogLevel)
	}
	for i, ae := range c.RemoteAETitles {
		if err := validateAETitle(fmt.Sprintf("remote_ae_titles[%d]", i), strings.TrimSpace(ae)); err != nil {
			return err
		}
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("endpoints must have at least one entry")
	}
	seen := map[string]bool{}
	for i, e := range c.Endpoints {
		if err := validateAETitle(fmt.Sprintf("endpoints[%d].ae_title", i), e.AETitle); err != nil {
			return err
		}
		if seen[e.AETitle] {
			return fmt.Errorf("endpoints[%d]: duplicate ae_title %q", i, e.AETitle)
		}
		seen[e.AETitle] = true
		if e.DepositDir == "" || e.WatchDir == "" {
			return fmt.Errorf("endpoints[%d]: deposit_dir and watch_dir are required", i)
		}
	}
	names := map[string]bool{}
	for i, r := range c.Remotes {
		if r.Name == "" {
			return fmt.Errorf("remotes[%d]: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("remotes[%d]: duplicate name %q", i, r.Name)
		}
		names[r.Name] = true
		if err := validateAETitle(fmt.Sprintf("remotes[%d].ae_title", i), r.AETitle); err != nil {
			return err
		}
		if _, _, err := net.SplitHostPort(r.Address); err != nil {
			return fmt.Errorf("remotes[%d].address: %w", i, err)
		}
	}
	return nil
}

// Remote returns the remote with the given name.
func (c *Config) Remote(name string) (Remote, error) {
	for _, r := range c.Remotes {
		if r.Name == name {
			return r, nil
		}
	}
	return Remote{}, fmt.Errorf("no remote named %q", name)
}

func validateAETitle(field, ae string) error {
	if ae == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(ae) > maxAETitle {
		return fmt.Errorf("%s %q is longer than %d characters", field, ae, maxAETitle)
	}
	return nil
}
