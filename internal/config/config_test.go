package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestConfigData tests configuration data, defaults, edge cases, and validation
func TestConfigData(t *testing.T) {
	tests := []struct {
		name       string
		config     *AppConfig
		configTOML string
		setupFunc  func(*AppConfig)
		expectErr  bool
		validate   func(*testing.T, *AppConfig)
	}{
		{
			name:   "default config",
			config: DefaultConfig(),
			validate: func(t *testing.T, c *AppConfig) {
				if c.Agent.OutputFile != "/tmp/threadwatcher.out" {
					t.Errorf("Expected OutputFile '/tmp/threadwatcher.out', got %s", c.Agent.OutputFile)
				}
				if c.Agent.RingBufferSize != 10240 {
					t.Errorf("Expected RingBufferSize 10240, got %d", c.Agent.RingBufferSize)
				}
				if c.Agent.SamplingInterval.Duration != time.Millisecond {
					t.Errorf("Expected SamplingInterval 1ms, got %s", c.Agent.SamplingInterval)
				}
				if c.Agent.WriterInterval.Duration != 100*time.Millisecond {
					t.Errorf("Expected WriterInterval 100ms, got %s", c.Agent.WriterInterval)
				}
				if !c.Agent.ReleaseDurableRefs {
					t.Errorf("Expected ReleaseDurableRefs to default to true")
				}
				if c.Logging.Defaults.Level != "info" {
					t.Errorf("Expected default log level 'info', got %s", c.Logging.Defaults.Level)
				}
				if len(c.Logging.Outputs) != 3 {
					t.Errorf("Expected 3 outputs, got %d", len(c.Logging.Outputs))
				}
			},
		},
		{
			name: "custom agent config",
			configTOML: `
[agent]
output_file = "/var/tmp/tw.out"
ring_buffer_size = 64
sampling_interval = "5ms"
writer_interval = "1s"
compression = "zstd"

[logging.defaults]
level = "debug"
`,
			validate: func(t *testing.T, c *AppConfig) {
				if c.Agent.OutputFile != "/var/tmp/tw.out" {
					t.Errorf("Expected OutputFile '/var/tmp/tw.out', got %s", c.Agent.OutputFile)
				}
				if c.Agent.RingBufferSize != 64 {
					t.Errorf("Expected RingBufferSize 64, got %d", c.Agent.RingBufferSize)
				}
				if c.Agent.SamplingInterval.Duration != 5*time.Millisecond {
					t.Errorf("Expected SamplingInterval 5ms, got %s", c.Agent.SamplingInterval)
				}
				if c.Agent.WriterInterval.Duration != time.Second {
					t.Errorf("Expected WriterInterval 1s, got %s", c.Agent.WriterInterval)
				}
				if c.Agent.Compression != "zstd" {
					t.Errorf("Expected compression zstd, got %s", c.Agent.Compression)
				}
				if c.Logging.Defaults.Level != "debug" {
					t.Errorf("Expected debug level, got %s", c.Logging.Defaults.Level)
				}
				// Untouched sections keep their defaults.
				if c.Server.MetricsPath != "/metrics" {
					t.Errorf("Expected default metrics path, got %s", c.Server.MetricsPath)
				}
			},
		},
		{
			name:       "bad duration",
			configTOML: "[agent]\nsampling_interval = \"soon\"\n",
			expectErr:  true,
		},
		{
			name:      "tiny ring buffer",
			config:    DefaultConfig(),
			setupFunc: func(c *AppConfig) { c.Agent.RingBufferSize = 1 },
			expectErr: true,
		},
		{
			name:      "unknown compression",
			config:    DefaultConfig(),
			setupFunc: func(c *AppConfig) { c.Agent.Compression = "gzip" },
			expectErr: true,
		},
		{
			name:   "no logging outputs",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				for i := range c.Logging.Outputs {
					c.Logging.Outputs[i].Enabled = false
				}
			},
			expectErr: true,
		},
		{
			name:   "empty listen address with server disabled",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Server.Enabled = false
				c.Server.ListenAddress = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			if tt.configTOML != "" {
				path := filepath.Join(t.TempDir(), "config.toml")
				if err := os.WriteFile(path, []byte(tt.configTOML), 0644); err != nil {
					t.Fatalf("Failed to write config: %v", err)
				}
				var err error
				cfg, err = LoadConfig(path)
				if err != nil {
					if !tt.expectErr {
						t.Fatalf("LoadConfig failed: %v", err)
					}
					return
				}
			}
			if tt.setupFunc != nil {
				tt.setupFunc(cfg)
			}

			err := cfg.Validate()
			if tt.expectErr && err == nil {
				t.Fatalf("Expected validation error, got none")
			}
			if !tt.expectErr && err != nil {
				t.Fatalf("Unexpected validation error: %v", err)
			}
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatalf("Expected error for missing config file")
	}
	if cfg == nil || cfg.Agent.RingBufferSize != 10240 {
		t.Errorf("Expected defaults to be returned alongside the error")
	}
}

func TestGenerateExampleConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.toml")
	if err := GenerateExampleConfig(path); err != nil {
		t.Fatalf("GenerateExampleConfig failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read generated config: %v", err)
	}
	if !strings.Contains(string(data), `sampling_interval = "1ms"`) {
		t.Errorf("Expected durations to be written as strings, got:\n%s", data)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig of generated file failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Generated config does not validate: %v", err)
	}
	if cfg.Agent.WriterInterval.Duration != 100*time.Millisecond {
		t.Errorf("Expected WriterInterval 100ms, got %s", cfg.Agent.WriterInterval)
	}
}

func TestParseAgentOptions(t *testing.T) {
	tests := []struct {
		name      string
		options   string
		expectErr bool
		validate  func(*testing.T, AgentConfig)
	}{
		{
			name:    "empty",
			options: "",
			validate: func(t *testing.T, c AgentConfig) {
				if c.OutputFile != "/tmp/threadwatcher.out" || c.Verbose {
					t.Errorf("Expected defaults to be untouched, got %+v", c)
				}
			},
		},
		{
			name:    "all options",
			options: "file=/tmp/x.out,VERBOSE=1,maxdelay=500,buffer=128,compression=lz4",
			validate: func(t *testing.T, c AgentConfig) {
				if c.OutputFile != "/tmp/x.out" {
					t.Errorf("Expected file '/tmp/x.out', got %s", c.OutputFile)
				}
				if !c.Verbose {
					t.Errorf("Expected verbose mode")
				}
				if c.MaxPacingDelay != 500 {
					t.Errorf("Expected maxdelay 500, got %d", c.MaxPacingDelay)
				}
				if c.RingBufferSize != 128 {
					t.Errorf("Expected buffer 128, got %d", c.RingBufferSize)
				}
				if c.Compression != "lz4" {
					t.Errorf("Expected compression lz4, got %s", c.Compression)
				}
			},
		},
		{
			name:    "ignores malformed and unknown pairs",
			options: "verbose,colour=red,verbose=",
			validate: func(t *testing.T, c AgentConfig) {
				if !c.Verbose {
					t.Errorf("Expected 'verbose=' to enable verbose mode")
				}
			},
		},
		{
			name:      "bad number",
			options:   "maxdelay=lots",
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig().Agent
			err := c.ParseAgentOptions(tt.options)
			if tt.expectErr {
				if err == nil {
					t.Fatalf("Expected error for %q", tt.options)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			tt.validate(t, c)
		})
	}
}
