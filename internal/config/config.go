package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Configuration system:
// - config.example.toml can be produced with `threadwatch config generate`
// - Use brief comments here for reference only

// DefaultSamplerThreadName is the runtime thread name of the sampler.
const DefaultSamplerThreadName = "thread-watch-sampler"

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Capture agent configuration
	Agent AgentConfig `toml:"agent"`

	// Metrics server configuration
	Server ServerConfig `toml:"server"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// AgentConfig contains the capture pipeline settings.
type AgentConfig struct {
	// File records are written to (default: "/tmp/threadwatcher.out")
	OutputFile string `toml:"output_file"`

	// Log at debug level and report settings on start (default: false)
	Verbose bool `toml:"verbose"`

	// Pacing delay loop ceiling, carried for the host's delay loop (default: 10000)
	MaxPacingDelay int64 `toml:"max_pacing_delay"`

	// Number of ring buffer slots, one is kept free (default: 10240)
	RingBufferSize int `toml:"ring_buffer_size"`

	// Pause between sampling passes (default: "1ms")
	SamplingInterval Duration `toml:"sampling_interval"`

	// Pause between writer drains (default: "100ms")
	WriterInterval Duration `toml:"writer_interval"`

	// Output stream compression: "none", "zstd" or "lz4" (default: "none")
	Compression string `toml:"compression"`

	// Release durable thread references when a thread ends (default: true)
	ReleaseDurableRefs bool `toml:"release_durable_refs"`

	// Name the sampler thread is attached to the runtime with (default: "thread-watch-sampler")
	SamplerThreadName string `toml:"sampler_thread_name"`
}

// ServerConfig contains HTTP metrics server settings
type ServerConfig struct {
	// Serve Prometheus metrics (default: true)
	Enabled bool `toml:"enabled"`

	// Listen address (default: "localhost:9190")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
	Syslog  *SyslogConfig  `toml:"syslog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt", "glog" (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Include hostname in filename (default: false)
	HostName bool `toml:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "threadwatch")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// Duration is a time.Duration that reads and writes as a TOML string ("1ms").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Agent: AgentConfig{
			OutputFile:         "/tmp/threadwatcher.out",
			Verbose:            false,
			MaxPacingDelay:     10000,
			RingBufferSize:     10240,
			SamplingInterval:   Duration{time.Millisecond},
			WriterInterval:     Duration{100 * time.Millisecond},
			Compression:        "none",
			ReleaseDurableRefs: true,
			SamplerThreadName:  DefaultSamplerThreadName,
		},
		Server: ServerConfig{
			Enabled:       true,
			ListenAddress: "localhost:9190",
			MetricsPath:   "/metrics",
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/threadwatch.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     false,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network:  "udp",
						Address:  "localhost:514",
						Tag:      "threadwatch",
						Hostname: "", // Uses system hostname by default
						Marker:   "@cee:",
						Async:    true,
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If no config file specified, use defaults
	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	// Parse TOML file
	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# threadwatch example configuration
# This file is auto-generated and lists every option with its default value.
# Copy this file to create your own configuration and modify as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.Agent.OutputFile == "" {
		return fmt.Errorf("agent.output_file cannot be empty")
	}
	if c.Agent.RingBufferSize < 2 {
		return fmt.Errorf("agent.ring_buffer_size must be at least 2, got %d", c.Agent.RingBufferSize)
	}
	if c.Agent.SamplingInterval.Duration <= 0 {
		return fmt.Errorf("agent.sampling_interval must be positive")
	}
	if c.Agent.WriterInterval.Duration <= 0 {
		return fmt.Errorf("agent.writer_interval must be positive")
	}
	switch c.Agent.Compression {
	case "", "none", "zstd", "lz4":
	default:
		return fmt.Errorf("agent.compression must be one of none, zstd, lz4, got %q", c.Agent.Compression)
	}
	if c.Agent.SamplerThreadName == "" {
		return fmt.Errorf("agent.sampler_thread_name cannot be empty")
	}

	if c.Server.Enabled {
		if c.Server.ListenAddress == "" {
			return fmt.Errorf("server.listen_address cannot be empty")
		}
		if c.Server.MetricsPath == "" {
			return fmt.Errorf("server.metrics_path cannot be empty")
		}
	}

	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}

// ParseAgentOptions applies an agent option string of comma separated
// name=value pairs, as handed over by the runtime at attach time.
// Recognised names: file, verbose, maxdelay, buffer, compression.
// Names are case-insensitive; pairs without '=' are ignored.
func (c *AgentConfig) ParseAgentOptions(options string) error {
	if options == "" {
		return nil
	}
	for _, pair := range strings.Split(options, ",") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "file":
			c.OutputFile = value
		case "verbose":
			v, err := parseFlag(value)
			if err != nil {
				return fmt.Errorf("option verbose: %w", err)
			}
			c.Verbose = v
		case "maxdelay":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("option maxdelay: %w", err)
			}
			c.MaxPacingDelay = v
		case "buffer":
			v, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("option buffer: %w", err)
			}
			c.RingBufferSize = v
		case "compression":
			c.Compression = value
		}
	}
	return nil
}

// parseFlag accepts the usual boolean spellings plus an empty value meaning true.
func parseFlag(value string) (bool, error) {
	if value == "" {
		return true, nil
	}
	switch strings.ToLower(value) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(value)
}
