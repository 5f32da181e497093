package machine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCommandFailed matches every *CommandFailure.
	ErrCommandFailed = errors.New("command failed")
	// ErrTimeout matches every *TimeoutFailure.
	ErrTimeout = errors.New("timed out")
	// ErrUnitFailed is returned when a waited-for unit entered the failed state.
	ErrUnitFailed = errors.New("unit entered failed state")
	// ErrTransport wraps errors of the underlying Runner.
	ErrTransport = errors.New("transport error")
)

const maxOutputInError = 2048

// CommandFailure is a one-shot command that exited non-zero.
type CommandFailure struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandFailure) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "command exited with code %d: %s", e.ExitCode, e.Command)
	if out := strings.TrimSpace(e.Stdout); out != "" {
		fmt.Fprintf(&sb, "\nstdout: %s", truncate(out))
	}
	if out := strings.TrimSpace(e.Stderr); out != "" {
		fmt.Fprintf(&sb, "\nstderr: %s", truncate(out))
	}
	return sb.String()
}

func (e *CommandFailure) Is(target error) bool {
	return target == ErrCommandFailed
}

// Output returns stdout followed by stderr.
func (e *CommandFailure) Output() string {
	return e.Stdout + e.Stderr
}

// TimeoutFailure is a polling primitive that never succeeded within its
// budget. Last is the error of the final attempt, if any.
type TimeoutFailure struct {
	Operation string
	Timeout   time.Duration
	Attempts  int
	Last      error
}

func (e *TimeoutFailure) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for %s (%d attempts)", e.Timeout, e.Operation, e.Attempts)
	if e.Last != nil {
		msg += ": last error: " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutFailure) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutFailure) Unwrap() error {
	return e.Last
}

func truncate(s string) string {
	if len(s) <= maxOutputInError {
		return s
	}
	return s[:maxOutputInError] + "...(truncated)"
}
