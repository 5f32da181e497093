//go:build unit

package machine_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/machine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	stdout, stderr string
	code           int
	err            error
}

// scriptedRunner answers each command with the next queued reply for it,
// repeating the last one once the queue is drained.
type scriptedRunner struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   []string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{replies: map[string][]reply{}}
}

func (r *scriptedRunner) on(cmd string, replies ...reply) *scriptedRunner {
	r.replies[cmd] = append(r.replies[cmd], replies...)
	return r
}

func (r *scriptedRunner) Run(_ context.Context, command string) (string, string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, command)
	queue, ok := r.replies[command]
	if !ok || len(queue) == 0 {
		return "", "unexpected command: " + command, 127, nil
	}

	next := queue[0]
	if len(queue) > 1 {
		r.replies[command] = queue[1:]
	}
	return next.stdout, next.stderr, next.code, next.err
}

func (r *scriptedRunner) count(cmd string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == cmd {
			n++
		}
	}
	return n
}

type dialingRunner struct {
	*scriptedRunner
	dials    int
	openFrom int
}

func (d *dialingRunner) DialContext(_ context.Context, _, addr string) (net.Conn, error) {
	d.dials++
	if d.dials < d.openFrom {
		return nil, errors.New("connection refused: " + addr)
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func newSession(r machine.Runner) *machine.Session {
	return machine.NewSession(r, machine.WithPollInterval(5*time.Millisecond))
}

func TestSession_Succeed(t *testing.T) {
	ctx := context.Background()

	t.Run("returns trimmed stdout", func(t *testing.T) {
		r := newScriptedRunner().on("id -u alice", reply{stdout: "1000\n"})
		out, err := newSession(r).Succeed(ctx, "id -u alice")
		require.NoError(t, err)
		assert.Equal(t, "1000", out)
	})

	t.Run("non-zero exit is a CommandFailure", func(t *testing.T) {
		r := newScriptedRunner().on("test -f /missing", reply{stderr: "nope", code: 1})
		_, err := newSession(r).Succeed(ctx, "test -f /missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, machine.ErrCommandFailed)

		var failure *machine.CommandFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, 1, failure.ExitCode)
		assert.Equal(t, "test -f /missing", failure.Command)
		assert.Equal(t, "nope", failure.Stderr)
		assert.Contains(t, err.Error(), "stderr: nope")
	})

	t.Run("transport error", func(t *testing.T) {
		r := newScriptedRunner().on("true", reply{err: errors.New("connection reset"), code: -1})
		_, err := newSession(r).Succeed(ctx, "true")
		assert.ErrorIs(t, err, machine.ErrTransport)
		assert.NotErrorIs(t, err, machine.ErrCommandFailed)
	})
}

func TestSession_WaitUntilSucceeds(t *testing.T) {
	ctx := context.Background()
	cmd := "test -S /run/user/1000/bus"

	t.Run("retries until success", func(t *testing.T) {
		r := newScriptedRunner().on(cmd,
			reply{code: 1},
			reply{code: 1},
			reply{stdout: "ok\n"},
		)
		out, err := newSession(r).WaitUntilSucceeds(ctx, cmd, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
		assert.Equal(t, 3, r.count(cmd))
	})

	t.Run("times out with the last failure", func(t *testing.T) {
		r := newScriptedRunner().on(cmd, reply{stderr: "no socket", code: 1})
		_, err := newSession(r).WaitUntilSucceeds(ctx, cmd, 30*time.Millisecond)
		require.Error(t, err)
		assert.ErrorIs(t, err, machine.ErrTimeout)
		assert.ErrorIs(t, err, machine.ErrCommandFailed, "last attempt is unwrapped")

		var timeout *machine.TimeoutFailure
		require.ErrorAs(t, err, &timeout)
		assert.Equal(t, cmd, timeout.Operation)
		assert.GreaterOrEqual(t, timeout.Attempts, 1)
	})

	t.Run("parent cancellation is not a timeout", func(t *testing.T) {
		r := newScriptedRunner().on(cmd, reply{code: 1})
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := newSession(r).WaitUntilSucceeds(cctx, cmd, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, machine.ErrTimeout)
	})
}

func TestSession_WaitForUnit(t *testing.T) {
	ctx := context.Background()
	systemQuery := "systemctl show user@1000.service -p ActiveState --value"
	userQuery := "su - alice -c 'DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/1000/bus " +
		"XDG_RUNTIME_DIR=/run/user/1000 systemctl --user show openclaw-gateway.service -p ActiveState --value'"

	t.Run("system unit becomes active", func(t *testing.T) {
		r := newScriptedRunner().on(systemQuery,
			reply{stdout: "inactive\n"},
			reply{stdout: "activating\n"},
			reply{stdout: "active\n"},
		)
		require.NoError(t, newSession(r).WaitForUnit(ctx, "user@1000.service", "", time.Second))
		assert.Equal(t, 3, r.count(systemQuery))
	})

	t.Run("user unit resolves the uid", func(t *testing.T) {
		r := newScriptedRunner().
			on("id -u alice", reply{stdout: "1000\n"}).
			on(userQuery, reply{stdout: "active\n"})
		require.NoError(t, newSession(r).WaitForUnit(ctx, "openclaw-gateway.service", "alice", time.Second))
		assert.Equal(t, []string{"id -u alice", userQuery}, r.calls)
	})

	t.Run("failed unit aborts immediately", func(t *testing.T) {
		r := newScriptedRunner().on(systemQuery, reply{stdout: "failed\n"})
		err := newSession(r).WaitForUnit(ctx, "user@1000.service", "", time.Second)
		assert.ErrorIs(t, err, machine.ErrUnitFailed)
		assert.NotErrorIs(t, err, machine.ErrTimeout)
		assert.Equal(t, 1, r.count(systemQuery))
	})

	t.Run("never active times out", func(t *testing.T) {
		r := newScriptedRunner().on(systemQuery, reply{stdout: "activating\n"})
		err := newSession(r).WaitForUnit(ctx, "user@1000.service", "", 30*time.Millisecond)
		assert.ErrorIs(t, err, machine.ErrTimeout)
		assert.Contains(t, err.Error(), `"activating"`)
	})
}

func TestSession_WaitForOpenPort(t *testing.T) {
	ctx := context.Background()

	t.Run("dials through the runner", func(t *testing.T) {
		r := &dialingRunner{scriptedRunner: newScriptedRunner(), openFrom: 3}
		require.NoError(t, newSession(r).WaitForOpenPort(ctx, 18999, time.Second))
		assert.Equal(t, 3, r.dials)
		assert.Empty(t, r.calls, "no command is run when the runner can dial")
	})

	t.Run("falls back to nc", func(t *testing.T) {
		probe := "nc -z 127.0.0.1 18999"
		r := newScriptedRunner().on(probe, reply{code: 1}, reply{})
		require.NoError(t, newSession(r).WaitForOpenPort(ctx, 18999, time.Second))
		assert.Equal(t, 2, r.count(probe))
	})

	t.Run("closed port times out", func(t *testing.T) {
		r := &dialingRunner{scriptedRunner: newScriptedRunner(), openFrom: 1 << 30}
		err := newSession(r).WaitForOpenPort(ctx, 18999, 30*time.Millisecond)
		var timeout *machine.TimeoutFailure
		require.ErrorAs(t, err, &timeout)
		assert.Equal(t, "open port 18999", timeout.Operation)
		assert.Contains(t, timeout.Last.Error(), "127.0.0.1:18999")
	})
}

func TestLocal_Run(t *testing.T) {
	ctx := context.Background()
	local := machine.NewLocal(nil)

	stdout, stderr, code, err := local.Run(ctx, "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", stdout)
	assert.Equal(t, "err\n", stderr)
	assert.Equal(t, 0, code)

	_, _, code, err = local.Run(ctx, "exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	out, err := machine.NewSession(local).Succeed(ctx, "printf '%s\\n' hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}
