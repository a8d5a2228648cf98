// Package actions performs the device-side effects of server commands by
// shelling out to the platform's power and display tools.
package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kallberg/pdt/internal/protocol"
)

// ErrUnsupported is returned for commands the platform has no action for.
var ErrUnsupported = errors.New("action not supported on this platform")

// CommandError reports a failed action. Failures are per command and
// never end the session.
type CommandError struct {
	Kind protocol.Kind
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Invoker carries out a device command.
type Invoker interface {
	Invoke(ctx context.Context, kind protocol.Kind) error
}

// Runner executes an external program.
type Runner func(ctx context.Context, name string, args ...string) error

// commands maps each platform to the program that performs each action.
var commands = map[string]map[protocol.Kind][]string{
	"linux": {
		protocol.ScreenOff: {"xset", "dpms", "force", "off"},
		protocol.ScreenOn:  {"xset", "dpms", "force", "on"},
		protocol.PowerOff:  {"systemctl", "poweroff"},
		protocol.Restart:   {"systemctl", "reboot"},
	},
	"darwin": {
		protocol.ScreenOff: {"pmset", "displaysleepnow"},
		protocol.ScreenOn:  {"caffeinate", "-u", "-t", "1"},
		protocol.PowerOff:  {"shutdown", "-h", "now"},
		protocol.Restart:   {"shutdown", "-r", "now"},
	},
	"windows": {
		protocol.PowerOff: {"shutdown", "/s", "/t", "0"},
		protocol.Restart:  {"shutdown", "/r", "/t", "0"},
	},
}

// ExecInvoker runs the platform command for each action.
type ExecInvoker struct {
	goos string
	run  Runner
	log  zerolog.Logger
}

// NewExecInvoker returns an invoker for the running platform.
func NewExecInvoker(logger zerolog.Logger) *ExecInvoker {
	return &ExecInvoker{goos: runtime.GOOS, run: execRunner, log: logger}
}

// NewExecInvokerFor returns an invoker for goos that runs commands with run.
func NewExecInvokerFor(goos string, run Runner, logger zerolog.Logger) *ExecInvoker {
	return &ExecInvoker{goos: goos, run: run, log: logger}
}

// Supports reports whether kind has an action on this platform.
func (e *ExecInvoker) Supports(kind protocol.Kind) bool {
	_, ok := commands[e.goos][kind]
	return ok
}

// Invoke runs the action for kind and waits for it to finish.
func (e *ExecInvoker) Invoke(ctx context.Context, kind protocol.Kind) error {
	argv, ok := commands[e.goos][kind]
	if !ok {
		return &CommandError{Kind: kind, Err: fmt.Errorf("%w: %s", ErrUnsupported, e.goos)}
	}

	e.log.Info().Stringer("kind", kind).Str("command", strings.Join(argv, " ")).Msg("Running device action")
	if err := e.run(ctx, argv[0], argv[1:]...); err != nil {
		return &CommandError{Kind: kind, Err: err}
	}
	return nil
}

func execRunner(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
