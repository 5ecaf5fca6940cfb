// Package logger configures phuslu/log outputs and hands out per-component
// loggers.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"threadwatch/internal/config"

	"github.com/phuslu/log"
)

// parseLogLevel converts string log level to log.Level
func parseLogLevel(levelStr string) log.Level {
	switch levelStr {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// parseTimeLocation parses time location string
func parseTimeLocation(location string) *time.Location {
	switch location {
	case "Local":
		return time.Local
	case "UTC":
		return time.UTC
	default:
		if loc, err := time.LoadLocation(location); err == nil {
			return loc
		}
		return time.Local
	}
}

// mapTimeFormat maps string time format to log.TimeFormat
func mapTimeFormat(format string) string {
	switch format {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	default:
		return format
	}
}

// GlogFormatter renders entries as glog-style lines. The component field
// becomes a "[component]" prefix and thread_id/thread collapse into one
// "thread=name#id" field, so capture logs read as
//
//	I1019 10:00:00.000 12 agent.go:88] [agent] Thread started thread=worker-1#3
type GlogFormatter struct{}

// Formatter builds the log entry in glog format.
func (f GlogFormatter) Formatter(w io.Writer, a *log.FormatterArgs) (int, error) {
	var buf bytes.Buffer

	// Level (e.g., 'I' for info)
	if len(a.Level) > 0 {
		buf.WriteByte(a.Level[0] - 32)
	} else {
		buf.WriteByte('?')
	}

	buf.WriteString(a.Time)
	buf.WriteByte(' ')
	buf.WriteString(a.Goid)
	buf.WriteByte(' ')
	buf.WriteString(a.Caller)
	buf.WriteString("] ")

	component, threadID, threadName := a.Get("component"), a.Get("thread_id"), a.Get("thread")
	if component != "" {
		buf.WriteByte('[')
		buf.WriteString(component)
		buf.WriteString("] ")
	}

	buf.WriteString(a.Message)
	if threadID != "" || threadName != "" {
		buf.WriteString(" thread=")
		if threadName != "" {
			writeValue(&buf, threadName)
		}
		if threadID != "" {
			buf.WriteByte('#')
			buf.WriteString(threadID)
		}
	}
	for _, kv := range a.KeyValues {
		switch kv.Key {
		case "component", "thread_id", "thread":
			continue
		}
		buf.WriteByte(' ')
		buf.WriteString(kv.Key)
		buf.WriteByte('=')
		writeValue(&buf, kv.Value)
	}
	buf.WriteByte('\n')

	return w.Write(buf.Bytes())
}

// writeValue quotes values that would break key=value splitting.
func writeValue(buf *bytes.Buffer, v string) {
	if v == "" || strings.ContainsAny(v, " =\"\t\n") {
		buf.WriteString(strconv.Quote(v))
		return
	}
	buf.WriteString(v)
}

// createConsoleWriter creates a console writer based on configuration
func createConsoleWriter(config *config.ConsoleConfig) (log.Writer, error) {
	var baseWriter io.Writer
	switch config.Writer {
	case "stdout":
		baseWriter = os.Stdout
	default:
		baseWriter = os.Stderr
	}

	var writer log.Writer

	if config.FastIO {
		writer = &log.IOWriter{Writer: baseWriter}
	} else {
		consoleWriter := &log.ConsoleWriter{
			ColorOutput:    config.ColorOutput,
			QuoteString:    config.QuoteString,
			EndWithMessage: true,
			Writer:         baseWriter,
		}

		switch config.Format {
		case "logfmt":
			consoleWriter.Formatter = log.LogfmtFormatter{TimeField: "time"}.Formatter
		case "glog":
			consoleWriter.Formatter = GlogFormatter{}.Formatter
		}
		writer = consoleWriter
	}

	if config.Async {
		return &log.AsyncWriter{
			ChannelSize: 4096,
			Writer:      writer,
		}, nil
	}
	return writer, nil
}

// createFileWriter creates a file writer based on configuration
func createFileWriter(config *config.FileConfig) (log.Writer, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("file output requires a filename")
	}
	if config.EnsureFolder {
		dir := filepath.Dir(config.Filename)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	baseWriter := &log.FileWriter{
		Filename:     config.Filename,
		FileMode:     0644,
		MaxSize:      config.MaxSize * 1024 * 1024, // Convert MB to bytes
		MaxBackups:   config.MaxBackups,
		TimeFormat:   mapTimeFormat(config.TimeFormat),
		LocalTime:    config.LocalTime,
		HostName:     config.HostName,
		ProcessID:    config.ProcessID,
		EnsureFolder: config.EnsureFolder,
	}

	if config.Async {
		return &log.AsyncWriter{
			ChannelSize: 4096,
			Writer:      baseWriter,
		}, nil
	}
	return baseWriter, nil
}

// createSyslogWriter creates a syslog writer based on configuration
func createSyslogWriter(config *config.SyslogConfig) (log.Writer, error) {
	baseWriter := &log.SyslogWriter{
		Network:  config.Network,
		Address:  config.Address,
		Hostname: config.Hostname,
		Tag:      config.Tag,
		Marker:   config.Marker,
	}

	if config.Async {
		return &log.AsyncWriter{
			ChannelSize: 4096,
			Writer:      baseWriter,
		}, nil
	}
	return baseWriter, nil
}

// createWriter creates a log.Writer based on the output configuration
func createWriter(output config.LogOutput) (log.Writer, error) {
	if !output.Enabled {
		return nil, nil
	}

	switch output.Type {
	case "console":
		if output.Console == nil {
			return nil, fmt.Errorf("console output missing console configuration")
		}
		return createConsoleWriter(output.Console)

	case "file":
		if output.File == nil {
			return nil, fmt.Errorf("file output missing file configuration")
		}
		return createFileWriter(output.File)

	case "syslog":
		if output.Syslog == nil {
			return nil, fmt.Errorf("syslog output missing syslog configuration")
		}
		return createSyslogWriter(output.Syslog)

	default:
		return nil, fmt.Errorf("unknown output type: %s", output.Type)
	}
}

// createMultiWriter creates a multi-writer that outputs to multiple destinations
func createMultiWriter(outputs []config.LogOutput) (log.Writer, error) {
	var writers []log.Writer

	for _, output := range outputs {
		writer, err := createWriter(output)
		if err != nil {
			return nil, err
		}
		if writer != nil {
			writers = append(writers, writer)
		}
	}

	if len(writers) == 0 {
		// Fallback to stderr if no writers are configured
		return &log.IOWriter{Writer: os.Stderr}, nil
	}

	if len(writers) == 1 {
		return writers[0], nil
	}

	multiWriter := log.MultiEntryWriter(writers)
	return &multiWriter, nil
}

// ConfigureLogging configures the global DefaultLogger with user configuration.
// verbose forces debug level regardless of the configured default.
func ConfigureLogging(config config.LoggingConfig, verbose bool) error {
	multiWriter, err := createMultiWriter(config.Outputs)
	if err != nil {
		return err
	}

	level := parseLogLevel(config.Defaults.Level)
	if verbose && level > log.DebugLevel {
		level = log.DebugLevel
	}

	log.DefaultLogger = log.Logger{
		Level:        level,
		Caller:       config.Defaults.Caller,
		TimeField:    config.Defaults.TimeField,
		TimeFormat:   mapTimeFormat(config.Defaults.TimeFormat),
		TimeLocation: parseTimeLocation(config.Defaults.TimeLocation),
		Writer:       multiWriter,
	}

	log.Debug().
		Str("app_level", config.Defaults.Level).
		Bool("verbose", verbose).
		Int("outputs", len(config.Outputs)).
		Msg("Loggers configured")

	return nil
}

// NewLoggerWithContext creates a new logger by copying the global DefaultLogger
// (which contains all user configuration) and adding component-specific context.
// This should be called after ConfigureLogging so the copy picks up the
// configured writers.
func NewLoggerWithContext(component string) log.Logger {
	bl := &log.DefaultLogger
	return log.Logger{
		Level:        bl.Level,
		Caller:       0, // Disable caller for component loggers to avoid confusion
		TimeField:    bl.TimeField,
		TimeFormat:   bl.TimeFormat,
		TimeLocation: bl.TimeLocation,
		Writer:       bl.Writer,
		Context:      log.NewContext(bl.Context).Str("component", component).Value(),
	}
}
