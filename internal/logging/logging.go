// Package logging configures the zerolog logger shared by the server and
// the device agent.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "trace", "debug", "info", "warn", "error"
	Component string // optional component name
}

var (
	mu         sync.Mutex
	baseLogger zerolog.Logger

	defaultTimeFmt = time.RFC3339
)

var (
	output  *os.File  = os.Stderr
	warnOut io.Writer = os.Stderr
)

var isTerminalFn = term.IsTerminal

func init() {
	baseLogger = zerolog.New(output).With().Timestamp().Logger()
	log.Logger = baseLogger
}

// Init configures zerolog globals and returns the base logger. It also
// replaces the global log.Logger.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	builder := zerolog.New(selectWriter(cfg.Format)).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		builder = builder.Str("component", component)
	}

	baseLogger = builder.Logger()
	log.Logger = baseLogger
	return baseLogger
}

// ValidLevel reports whether level names a known log level.
func ValidLevel(level string) bool {
	_, ok := levels[normalize(level)]
	return ok
}

// ValidFormat reports whether format names a known output format.
func ValidFormat(format string) bool {
	switch normalize(format) {
	case "", "auto", "json", "console":
		return true
	}
	return false
}

var levels = map[string]zerolog.Level{
	"":         zerolog.InfoLevel,
	"info":     zerolog.InfoLevel,
	"trace":    zerolog.TraceLevel,
	"debug":    zerolog.DebugLevel,
	"warn":     zerolog.WarnLevel,
	"warning":  zerolog.WarnLevel,
	"error":    zerolog.ErrorLevel,
	"disabled": zerolog.Disabled,
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func parseLevel(level string) zerolog.Level {
	if l, ok := levels[normalize(level)]; ok {
		return l
	}
	fmt.Fprintf(warnOut, "logging: invalid level %q; using %q\n", normalize(level), "info")
	return zerolog.InfoLevel
}

func selectWriter(format string) io.Writer {
	switch normalize(format) {
	case "console":
		return newConsoleWriter(output)
	case "json":
		return output
	case "auto", "":
		if isTerminalFn(int(output.Fd())) {
			return newConsoleWriter(output)
		}
		return output
	default:
		fmt.Fprintf(warnOut, "logging: invalid format %q; using %q\n", normalize(format), "json")
		return output
	}
}

func newConsoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: defaultTimeFmt,
	}
}
