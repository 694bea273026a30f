// Package xlog provides the ambient slog setup shared by every avcore-family
// package: JSON/text handler selection, a runtime-adjustable level, and
// redaction of secrets that tend to show up in codec option dictionaries and
// I/O URLs (RTSP/Icecast credentials, signed CDN query strings).
package xlog

import (
	"io"
	"log/slog"
	"os"
	"regexp"

	"github.com/m-mizutani/masq"
)

// GlobalLevel is shared across every component constructed without an
// explicit logger override, so a host application can raise/lower verbosity
// for the whole pipeline at runtime.
var GlobalLevel = &slog.LevelVar{}

// sensitiveURLParam matches query parameters commonly used to carry secrets
// in source/destination URLs (rtsp_transport creds, signed CDN tokens).
var sensitiveURLParam = regexp.MustCompile(`(?i)(password|secret|token|apikey|api_key|credential)=([^&\s"']+)`)

// Format selects the slog handler's output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config controls New's handler construction.
type Config struct {
	Level  string // "debug", "info", "warn", "error"; defaults to "info".
	Format Format // defaults to FormatText.
}

// New builds a *slog.Logger writing to os.Stderr, the way the teacher's
// observability package builds its default logger.
func New(cfg Config) *slog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit writer, used by tests and by
// components that want to capture log output.
func NewWithWriter(cfg Config, w io.Writer) *slog.Logger {
	GlobalLevel.Set(parseLevel(cfg.Level))

	redactor := masq.New(
		masq.WithFieldName("password"),
		masq.WithFieldName("Password"),
		masq.WithFieldName("secret"),
		masq.WithFieldName("Secret"),
		masq.WithFieldName("token"),
		masq.WithFieldName("Token"),
		masq.WithFieldName("credential"),
		masq.WithFieldName("Credential"),
	)

	opts := &slog.HandlerOptions{
		Level: GlobalLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			a = redactor(groups, a)
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(RedactURL(a.Value.String()))
			}
			return a
		},
	}

	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// RedactURL strips sensitive query parameters from a URL-shaped string
// before it reaches a log line (e.g. rtsp://host/stream?password=secret).
func RedactURL(s string) string {
	return sensitiveURLParam.ReplaceAllString(s, "$1=[REDACTED]")
}

func parseLevel(s string) slog.Level {
	switch s {
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

// OrDefault returns logger if non-nil, else slog.Default(). The codec,
// filter, mux and demux constructors (codec.NewDecoder, filter.NewGraph,
// mux.NewMuxer, …) call this once so a nil *slog.Logger in a Config never
// panics; queue.New takes no logger.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}
