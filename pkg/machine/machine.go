// Package machine executes commands on a test machine and provides the
// polling primitives scenarios wait on.
package machine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/execcontext"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
)

// DefaultPollInterval is the delay between two polling attempts.
const DefaultPollInterval = time.Second

// Runner runs a shell line. A non-nil err is a transport error; a non-zero
// exitCode is a command failure.
type Runner interface {
	Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)
}

// Dialer is implemented by runners able to open TCP connections from inside
// the machine.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Machine is the command executor scenarios are written against.
type Machine interface {
	// Succeed runs command once and returns its stdout.
	Succeed(ctx context.Context, command string) (string, error)
	// WaitUntilSucceeds polls command until it exits zero.
	WaitUntilSucceeds(ctx context.Context, command string, timeout time.Duration) (string, error)
	// WaitForUnit waits for unit to become active. A non-empty user selects
	// the user's service manager.
	WaitForUnit(ctx context.Context, unit, user string, timeout time.Duration) error
	// WaitForOpenPort waits for a TCP listener on the machine loopback.
	WaitForOpenPort(ctx context.Context, port int, timeout time.Duration) error
}

var _ Machine = &Session{}

// Session is a Machine backed by a Runner.
type Session struct {
	runner   Runner
	interval time.Duration
	logger   logr.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithPollInterval sets the delay between polling attempts.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger commands are traced to at V(1).
func WithLogger(logger logr.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession returns a Session running commands through runner.
func NewSession(runner Runner, opts ...Option) *Session {
	s := &Session{
		runner:   runner,
		interval: DefaultPollInterval,
		logger:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Succeed implements Machine. Trailing newlines are trimmed from stdout.
func (s *Session) Succeed(ctx context.Context, command string) (string, error) {
	s.logger.V(1).Info("running command", "command", command)

	stdout, stderr, exitCode, err := s.runner.Run(ctx, command)
	if err != nil {
		return "", fmt.Errorf("%w: running %q: %w", ErrTransport, command, err)
	}

	if exitCode != 0 {
		return strings.TrimRight(stdout, "\r\n"), &CommandFailure{
			Command:  command,
			ExitCode: exitCode,
			Stdout:   stdout,
			Stderr:   stderr,
		}
	}

	return strings.TrimRight(stdout, "\r\n"), nil
}

// WaitUntilSucceeds implements Machine.
func (s *Session) WaitUntilSucceeds(ctx context.Context, command string, timeout time.Duration) (string, error) {
	var out string
	err := s.poll(ctx, command, timeout, func(ctx context.Context) (bool, error) {
		stdout, err := s.Succeed(ctx, command)
		if err != nil {
			return false, err
		}
		out = stdout
		return true, nil
	})
	return out, err
}

// WaitForUnit implements Machine. A unit reaching the failed state aborts
// the wait with ErrUnitFailed.
func (s *Session) WaitForUnit(ctx context.Context, unit, user string, timeout time.Duration) error {
	cmdCtx := execcontext.New(nil, nil)
	scope := []string{"systemctl"}

	if user != "" {
		uid, err := s.Succeed(ctx, execcontext.FormatCmd(cmdCtx, "id", "-u", user))
		if err != nil {
			return fmt.Errorf("resolving uid of %s: %w", user, err)
		}
		cmdCtx = execcontext.UserSession(user, strings.TrimSpace(uid))
		scope = append(scope, "--user")
	}

	query := execcontext.FormatCmd(cmdCtx, append(scope, "show", unit, "-p", "ActiveState", "--value")...)

	return s.poll(ctx, "unit "+unit, timeout, func(ctx context.Context) (bool, error) {
		out, err := s.Succeed(ctx, query)
		if err != nil {
			return false, err
		}

		switch state := strings.TrimSpace(out); state {
		case "active":
			return true, nil
		case "failed":
			return false, fmt.Errorf("%w: %s", ErrUnitFailed, unit)
		default:
			return false, fmt.Errorf("unit %s is in state %q", unit, state)
		}
	})
}

// WaitForOpenPort implements Machine. Runners implementing Dialer are probed
// with a direct connection; others with nc.
func (s *Session) WaitForOpenPort(ctx context.Context, port int, timeout time.Duration) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	operation := "open port " + strconv.Itoa(port)

	if dialer, ok := s.runner.(Dialer); ok {
		return s.poll(ctx, operation, timeout, func(ctx context.Context) (bool, error) {
			s.logger.V(1).Info("dialing", "addr", addr)
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return false, err
			}
			_ = conn.Close()
			return true, nil
		})
	}

	probe := execcontext.FormatCmd(execcontext.New(nil, nil), "nc", "-z", "127.0.0.1", strconv.Itoa(port))
	return s.poll(ctx, operation, timeout, func(ctx context.Context) (bool, error) {
		if _, err := s.Succeed(ctx, probe); err != nil {
			return false, err
		}
		return true, nil
	})
}

// poll runs attempt immediately and then every interval until it reports
// done or timeout elapses. Attempt errors are retried, except ErrUnitFailed.
func (s *Session) poll(
	ctx context.Context,
	operation string,
	timeout time.Duration,
	attempt func(ctx context.Context) (bool, error),
) error {
	var (
		last     error
		attempts int
	)

	err := wait.PollUntilContextTimeout(ctx, s.interval, timeout, true, func(ctx context.Context) (bool, error) {
		attempts++
		done, err := attempt(ctx)
		if errors.Is(err, ErrUnitFailed) {
			return false, err
		}
		if err != nil {
			last = err
			return false, nil
		}
		return done, nil
	})

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("waiting for %s: %w", operation, ctx.Err())
	case wait.Interrupted(err):
		return &TimeoutFailure{
			Operation: operation,
			Timeout:   timeout,
			Attempts:  attempts,
			Last:      last,
		}
	default:
		return err
	}
}
