/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gracefulshutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ExitInterrupted is the exit code of a process stopped by a signal.
const ExitInterrupted = 130

// ErrInterrupted is the cause of the context when a signal was received.
var ErrInterrupted = errors.New("interrupted")

// GracefulShutdown holds the context of a command and the wait group of the
// work that must complete before the process exits, such as destroying VMs.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	name   string

	once      sync.Once
	readyOnce sync.Once
	wg        *sync.WaitGroup

	// ready is closed when Ready() is called, signaling that all Add() calls have been made.
	// This prevents a race between WaitGroup.Add() and WaitGroup.Wait().
	ready chan struct{}

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// NewWithExit creates a new GracefulShutdown struct with a custom exit function.
// This is primarily useful for testing where os.Exit() would terminate the test process.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := context.WithCancelCause(context.Background())

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		wg:       &sync.WaitGroup{},
		ready:    make(chan struct{}),
		exitFunc: exitFunc,
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)

	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			gs.Interrupt(sig)
		case <-ctx.Done():
		}
	}()

	// Ensure gs.Shutdown is always called at least once when the context is done.
	go func() {
		select {
		case <-gs.ready:
			<-ctx.Done()
		case <-ctx.Done():
			slog.Warn("GracefulShutdown: context cancelled before Ready() was called - proceeding with shutdown anyway")
		}
		gs.Shutdown(0)
	}()

	return gs
}

// New creates a new GracefulShutdown cancelled by a SIGTERM or a SIGINT.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// Interrupt cancels the context as if sig had been received.
func (s *GracefulShutdown) Interrupt(sig os.Signal) {
	slog.Warn(fmt.Sprintf("received %s, cleaning up %s", sig, s.name))
	s.cancel(fmt.Errorf("%w: %s", ErrInterrupted, sig))
}

// Interrupted reports whether a signal cancelled the context.
func (s *GracefulShutdown) Interrupted() bool {
	return errors.Is(context.Cause(s.ctx), ErrInterrupted)
}

// Shutdown cancels the context, waits for the wait group and exits.
// The exit code is ExitInterrupted when a signal was received.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.DebugContext(s.ctx, fmt.Sprintf("shutting down %s", s.name))

		s.cancel(nil)
		s.wg.Wait()

		if s.Interrupted() {
			exitCode = ExitInterrupted
		}
		s.exitFunc(exitCode)
	})
}

// Context returns the context of the graceful shutdown.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc returns the cancel function of the graceful shutdown.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return func() { s.cancel(nil) }
}

// WaitGroup returns the wait group of the graceful shutdown.
func (s *GracefulShutdown) WaitGroup() *sync.WaitGroup {
	return s.wg
}

// Ready signals that all WaitGroup.Add() calls have been made.
//
// Ready is safe to call multiple times; only the first call has any effect.
func (s *GracefulShutdown) Ready() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}
