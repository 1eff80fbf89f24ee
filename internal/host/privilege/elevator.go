package privilege

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/spin-stack/corevisor/internal/host/inspect"
)

// CommandElevator runs a single interactive privileged command.
type CommandElevator struct {
	Runner  inspect.Runner
	Command func(binary string) (string, []string)
}

// Elevate implements Elevator.
func (e *CommandElevator) Elevate(ctx context.Context, binary string) error {
	name, args := e.Command(binary)
	out, err := e.Runner.Run(ctx, name, args...)
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// DefaultElevator returns the platform elevator, or nil where none exists.
func DefaultElevator() Elevator {
	switch runtime.GOOS {
	case "darwin":
		return &CommandElevator{Runner: inspect.ExecRunner{}, Command: DarwinCommand}
	case "linux":
		return &CommandElevator{Runner: inspect.ExecRunner{}, Command: LinuxCommand}
	default:
		return nil
	}
}

// DarwinCommand prompts through osascript for the chown and chmod.
func DarwinCommand(binary string) (string, []string) {
	shell := fmt.Sprintf("chown root:admin %s && chmod +sx %s", shellQuote(binary), shellQuote(binary))
	script := fmt.Sprintf(`do shell script "%s" with administrator privileges`, appleScriptEscape(shell))
	return "osascript", []string{"-e", script}
}

// LinuxCommand prompts through pkexec for the chown and chmod.
func LinuxCommand(binary string) (string, []string) {
	shell := fmt.Sprintf("chown root:root %s && chmod +sx %s", shellQuote(binary), shellQuote(binary))
	return "pkexec", []string{"sh", "-c", shell}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func appleScriptEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
