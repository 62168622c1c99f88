package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields = logrus.Fields

type LogConfig struct {
	Level      string
	Format     string // json | text
	Output     string // stdout | stderr | file
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is a thin structured wrapper over logrus. The plain methods take a
// message followed by alternating key/value pairs.
type Logger struct {
	base *logrus.Logger
}

func New(cfg LogConfig) (*Logger, error) {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(defaultString(cfg.Level, "info")))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	base.SetLevel(level)

	switch strings.ToLower(defaultString(cfg.Format, "json")) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	output, err := buildOutput(cfg)
	if err != nil {
		return nil, err
	}
	base.SetOutput(output)

	return &Logger{base: base}, nil
}

// NewWithWriter builds a JSON logger writing to w.
func NewWithWriter(w io.Writer, level logrus.Level) *Logger {
	base := logrus.New()
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(level)
	base.SetOutput(w)
	return &Logger{base: base}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return NewWithWriter(io.Discard, logrus.PanicLevel)
}

func buildOutput(cfg LogConfig) (io.Writer, error) {
	switch strings.ToLower(defaultString(cfg.Output, "stdout")) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("log output 'file' requires a file path")
		}
		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    defaultInt(cfg.MaxSizeMB, 100),
			MaxBackups: defaultInt(cfg.MaxBackups, 3),
			MaxAge:     defaultInt(cfg.MaxAgeDays, 28),
			Compress:   true,
		}, nil
	default:
		return nil, fmt.Errorf("invalid log output %q", cfg.Output)
	}
}

func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.base.WithFields(toFields(keysAndValues)).Debug(msg)
}

func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.base.WithFields(toFields(keysAndValues)).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.base.WithFields(toFields(keysAndValues)).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.base.WithFields(toFields(keysAndValues)).Error(msg)
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.base.WithError(err)
}

func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	return l.base.WithFields(fields)
}

// LogService records one call to a backing service.
func (l *Logger) LogService(service, operation string, duration time.Duration, fields map[string]any, err error) {
	entry := l.base.WithFields(Fields{
		"service":     service,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	if err != nil {
		entry.WithError(err).Error("Service operation failed")
		return
	}
	entry.Debug("Service operation completed")
}

// LogWorkflow records a research run lifecycle stage.
func (l *Logger) LogWorkflow(researchID, topic, stage string, duration time.Duration, err error) {
	entry := l.base.WithFields(Fields{
		"research_id": researchID,
		"topic":       topic,
		"stage":       stage,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("Research stage failed")
		return
	}
	entry.Info("Research stage")
}

// LogAgent records one agent's stage within an iteration.
func (l *Logger) LogAgent(agentID, iteration int, stage string, duration time.Duration, err error) {
	entry := l.base.WithFields(Fields{
		"agent_id":    agentID,
		"iteration":   iteration,
		"stage":       stage,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("Agent stage failed")
		return
	}
	entry.Debug("Agent stage")
}

func toFields(keysAndValues []any) Fields {
	fields := make(Fields, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 >= len(keysAndValues) {
			fields[key] = "(MISSING)"
			break
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func defaultInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
