package orchestration

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alexandremahdhaoui/openclaw-vmtest/internal/util/ssh"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/execcontext"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/machine"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/scenario"
	"github.com/go-logr/logr"
)

// DefaultSSHTimeout bounds the wait for the SSH server of a booted machine.
const DefaultSSHTimeout = 3 * time.Minute

// ErrBootFailed wraps every error returned by a Booter.
var ErrBootFailed = errors.New("boot failed")

// Cleanup releases what a Booter acquired. It must be safe to call with an
// already cancelled parent context.
type Cleanup func(ctx context.Context) error

func noCleanup(context.Context) error { return nil }

// BootRequest is what a Booter needs to prepare a machine for a scenario.
type BootRequest struct {
	RunID        string
	Scenario     *scenario.Scenario
	PollInterval time.Duration
	Logger       logr.Logger
}

func (r BootRequest) sessionOptions() []machine.Option {
	return []machine.Option{
		machine.WithPollInterval(r.PollInterval),
		machine.WithLogger(r.Logger),
	}
}

// Booter provides a running machine to execute a scenario against.
type Booter interface {
	Boot(ctx context.Context, req BootRequest) (machine.Machine, Cleanup, error)
}

// BooterFunc adapts a function to a Booter.
type BooterFunc func(ctx context.Context, req BootRequest) (machine.Machine, Cleanup, error)

func (f BooterFunc) Boot(ctx context.Context, req BootRequest) (machine.Machine, Cleanup, error) {
	return f(ctx, req)
}

// StaticBooter connects to an already running host over SSH.
type StaticBooter struct {
	Client *ssh.Client
	// AwaitTimeout bounds the wait for the SSH server. Zero means
	// DefaultSSHTimeout.
	AwaitTimeout time.Duration
}

// Boot implements Booter.
func (b *StaticBooter) Boot(ctx context.Context, req BootRequest) (machine.Machine, Cleanup, error) {
	timeout := b.AwaitTimeout
	if timeout == 0 {
		timeout = DefaultSSHTimeout
	}

	slog.Debug("awaiting ssh server", "addr", b.Client.Addr(), "timeout", timeout)
	if err := b.Client.AwaitServer(ctx, timeout); err != nil {
		return nil, nil, errors.Join(ErrBootFailed, err)
	}

	return machine.NewSession(b.Client, req.sessionOptions()...), noCleanup, nil
}

// LocalBooter runs scenarios on the current host, e.g. from inside the
// guest.
type LocalBooter struct {
	// Base is applied to every command. Optional.
	Base execcontext.Context
}

// Boot implements Booter.
func (b *LocalBooter) Boot(_ context.Context, req BootRequest) (machine.Machine, Cleanup, error) {
	return machine.NewSession(machine.NewLocal(b.Base), req.sessionOptions()...), noCleanup, nil
}
