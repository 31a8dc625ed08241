// Package logger builds the tunnel's slog logger: a colored console
// handler in the style of the original tool, with every rendered line
// teed into the live log stream for dashboard clients.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Sink receives every rendered log line, e.g. the WebSocket hub.
type Sink interface {
	Publish(level, line string)
}

// Config controls the console handler.
type Config struct {
	Level  string // debug, info, warn, error
	Quiet  bool   // drop console output entirely (--nodebug); the sink still sees lines
	Output io.Writer
	Sink   Sink
}

// New creates the tunnel logger.
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	out := cfg.Output
	if cfg.Quiet {
		out = io.Discard
	}
	return slog.New(&consoleHandler{
		out:   out,
		level: parseLevel(cfg.Level),
		sink:  cfg.Sink,
		mu:    &sync.Mutex{},
	})
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// consoleHandler renders "[LEVEL] ts msg key=val ..." lines with the
// level tag colored, mirroring the original tool's console output.
type consoleHandler struct {
	out   io.Writer
	level slog.Level
	sink  Sink
	attrs []slog.Attr
	mu    *sync.Mutex
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	line := b.String()

	levelTag := r.Level.String()
	tinted := colorizeLevel(r.Level)
	ts := r.Time.Format("2006-01-02 15:04:05")

	h.mu.Lock()
	_, err := fmt.Fprintf(h.out, "[%s] %s %s\n", tinted, ts, line)
	h.mu.Unlock()

	if h.sink != nil {
		h.sink.Publish(levelTag, line)
	}
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &consoleHandler{
		out:   h.out,
		level: h.level,
		sink:  h.sink,
		attrs: merged,
		mu:    h.mu,
	}
}

func (h *consoleHandler) WithGroup(string) slog.Handler {
	// Groups are not used by the tunnel's loggers.
	return h
}

func colorizeLevel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return color.RedString("ERROR")
	case level >= slog.LevelWarn:
		return color.YellowString("WARN")
	case level >= slog.LevelInfo:
		return color.GreenString("INFO")
	default:
		return color.CyanString("DEBUG")
	}
}
