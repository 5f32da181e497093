package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/execcontext"
)

// Local runs commands with sh on the current host, for runs executed from
// inside the guest.
type Local struct {
	ctx execcontext.Context
}

// NewLocal returns a Local runner. ctx may be nil.
func NewLocal(ctx execcontext.Context) *Local {
	if ctx == nil {
		ctx = execcontext.New(nil, nil)
	}
	return &Local{ctx: ctx}
}

// Run implements Runner.
func (l *Local) Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	execcontext.ApplyToCmd(l.ctx, cmd)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return stdoutBuf.String(), stderrBuf.String(), 0, nil
	case ctx.Err() != nil:
		return stdoutBuf.String(), stderrBuf.String(), -1, ctx.Err()
	case errors.As(err, &exitErr):
		return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitCode(), nil
	default:
		return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("running local command: %w", err)
	}
}
