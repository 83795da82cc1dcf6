package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"bookingbot/pkg/config"
)

// Output formats accepted by logging.format.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Entry is one JSON log line. component and trace_id are lifted out of
// fields so a single job can be followed across components.
type Entry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// New builds the process logger: charm text output for terminals or JSON
// lines for collectors. Contact addresses are masked in both.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return build(cfg, os.Stderr)
}

func build(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	switch format {
	case "", FormatText:
		text := charmLog.NewWithOptions(w, charmLog.Options{
			Level:           charmLevel(level),
			ReportTimestamp: true,
			ReportCaller:    cfg.AddSource,
			Formatter:       charmLog.TextFormatter,
		})
		return slog.New(redactingHandler{next: text}), nil
	case FormatJSON:
		return slog.New(&jsonHandler{
			level:     level,
			addSource: cfg.AddSource,
			out:       &lockedWriter{w: w},
			base:      entryState{fields: map[string]any{}},
		}), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
}

// ParseLevel maps debug, info, warn or error to a slog level. Empty means info.
func ParseLevel(input string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", input)
	}
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) writeLine(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.w.Write(append(line, '\n'))
	return err
}

// entryState is what a handler has accumulated through With and WithGroup.
type entryState struct {
	component string
	traceID   string
	prefix    string
	fields    map[string]any
}

func (s entryState) clone() entryState {
	s.fields = maps.Clone(s.fields)
	return s
}

func (s *entryState) add(attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	key := s.prefix + attr.Key
	if attr.Value.Kind() == slog.KindString {
		switch key {
		case "component":
			s.component = attr.Value.String()
			return
		case "trace_id":
			s.traceID = attr.Value.String()
			return
		}
	}
	s.fields[key] = fieldValue(redactAttr(attr).Value)
}

type jsonHandler struct {
	level     slog.Level
	addSource bool
	out       *lockedWriter
	base      entryState
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *jsonHandler) Handle(_ context.Context, record slog.Record) error {
	state := h.base.clone()
	record.Attrs(func(attr slog.Attr) bool {
		state.add(attr)
		return true
	})

	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}
	entry := Entry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Component: state.component,
		TraceID:   state.traceID,
		Message:   record.Message,
	}
	if len(state.fields) > 0 {
		entry.Fields = state.fields
	}
	if h.addSource {
		entry.Caller = caller(record.PC)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return h.out.writeLine(line)
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.base = h.base.clone()
	for _, attr := range attrs {
		next.base.add(attr)
	}
	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.base = h.base.clone()
	next.base.prefix += name + "."
	return &next
}

func caller(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

func fieldValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		out := make(map[string]any, len(group))
		for _, item := range group {
			out[item.Key] = fieldValue(redactAttr(item).Value.Resolve())
		}
		return out
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	default:
		return value.Any()
	}
}
