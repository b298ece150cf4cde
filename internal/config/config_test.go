package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
ae_title: ARCHIVE
listen: "127.0.0.1:11112"
max_pdu_size: 32768
timeouts:
  read: 5s
  artim: 2s
remote_ae_titles: [PACS, " MODALITY "]
endpoints:
  - ae_title: ARCHIVE
    deposit_dir: /tmp/deposit
    watch_dir: /tmp/watch
  - ae_title: RESEARCH
    deposit_dir: /tmp/research/deposit
    watch_dir: /tmp/research/watch
    extension: .dicom
remotes:
  - name: pacs
    ae_title: PACS
    address: 10.0.0.2:104
protocol_verbosity: 1
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "ARCHIVE", cfg.AETitle)
	assert.Equal(t, "127.0.0.1:11112", cfg.Listen)
	assert.Equal(t, 32768, cfg.MaxPDUSize)
	assert.Equal(t, DefaultReadBufferSize, cfg.ReadBufferSize)
	assert.Equal(t, Timeouts{
		Read:  5 * time.Second,
		Write: DefaultWriteTimeout,
		ARTIM: 2 * time.Second,
		Dial:  DefaultDialTimeout,
	}, cfg.Timeouts)
	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, ".dicom", cfg.Endpoints[1].Extension)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, 1, cfg.ProtocolVerbosity)

	r, err := cfg.Remote("pacs")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:104", r.Address)
	_, err = cfg.Remote("nope")
	assert.Error(t, err)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
endpoints:
  - deposit_dir: d
    watch_dir: w
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultAETitle, cfg.AETitle)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultMaxPDUSize, cfg.MaxPDUSize)
	assert.Equal(t, DefaultAETitle, cfg.Endpoints[0].AETitle)
	assert.Equal(t, DefaultARTIMTimeout, cfg.Timeouts.ARTIM)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Parse([]byte(sampleConfig))
		require.NoError(t, err)
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid config", func(*Config) {}, ""},
		{"long AE title", func(c *Config) { c.AETitle = "ABCDEFGHIJKLMNOPQ" }, "longer than 16"},
		{"bad listen address", func(c *Config) { c.Listen = "204" }, "listen"},
		{"no endpoints", func(c *Config) { c.Endpoints = nil }, "at least one entry"},
		{"duplicate endpoint", func(c *Config) { c.Endpoints[1].AETitle = "ARCHIVE" }, "duplicate ae_title"},
		{"missing watch dir", func(c *Config) { c.Endpoints[0].WatchDir = "" }, "watch_dir"},
		{"remote without port", func(c *Config) { c.Remotes[0].Address = "10.0.0.2" }, "remotes[0].address"},
		{"remote without AE", func(c *Config) { c.Remotes[0].AETitle = "" }, "remotes[0].ae_title is required"},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"negative timeout", func(c *Config) { c.Timeouts.Read = -time.Second }, "timeouts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "config file not found")

	path := filepath.Join(dir, "dicomlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ARCHIVE", cfg.AETitle)

	require.NoError(t, os.WriteFile(path, []byte("endpoints: ["), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "parse YAML")
}
