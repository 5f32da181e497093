package execcontext

import (
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/alessio/shellescape"
)

// Context describes the identity and environment a command runs with.
type Context interface {
	Envs() map[string]string
	PrependCmd() []string
	// User is the account the command is switched to. Empty means the
	// identity of the transport (usually root).
	User() string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// NewAsUser returns a Context whose commands run through a login shell of
// user with envs set inside that shell.
func NewAsUser(user string, envs map[string]string) Context {
	return &context{
		envs: envs,
		user: user,
	}
}

// UserSession returns the Context of user's systemd user session, reachable
// once the session manager for uid is running.
func UserSession(user, uid string) Context {
	runtimeDir := RuntimeDir(uid)
	return NewAsUser(user, map[string]string{
		"XDG_RUNTIME_DIR":          runtimeDir,
		"DBUS_SESSION_BUS_ADDRESS": "unix:path=" + SessionBus(uid),
	})
}

// RuntimeDir is the XDG runtime directory of uid.
func RuntimeDir(uid string) string {
	return "/run/user/" + uid
}

// SessionBus is the path of the session bus socket of uid.
func SessionBus(uid string) string {
	return RuntimeDir(uid) + "/bus"
}

// With returns a copy of ctx with envs layered on top of its environment.
func With(ctx Context, envs map[string]string) Context {
	merged := ctx.Envs()
	if merged == nil {
		merged = make(map[string]string, len(envs))
	}
	maps.Copy(merged, envs)

	return &context{
		envs:       merged,
		prependCmd: ctx.PrependCmd(),
		user:       ctx.User(),
	}
}

type context struct {
	envs       map[string]string
	prependCmd []string
	user       string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// User implements Context.
func (c *context) User() string {
	return c.user
}

// ApplyToCmd applies the environment and prepend command of ctx to a local
// command. The user switch is not applied; use FormatCmd for that.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	envs := ctx.Envs()
	for _, k := range sortedKeys(envs) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, envs[k]))
	}

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) < 1 {
		return
	}

	tmpCmd := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = tmpCmd.Path
	cmd.Args = append(tmpCmd.Args, cmd.Args...)
}

// FormatCmd renders cmd as a single POSIX shell line. Every argument is
// quoted except the shell operators listed in unquotable.
func FormatCmd(ctx Context, cmd ...string) string {
	parts := envAssignments(ctx.Envs())

	for _, s := range ctx.PrependCmd() {
		parts = append(parts, quoteArg(s))
	}

	for _, s := range cmd {
		parts = append(parts, quoteArg(s))
	}

	return switchUser(ctx.User(), strings.Join(parts, " "))
}

// FormatScript renders a raw shell script (pipes, globs, redirections) with
// the environment exported beforehand. The script itself is not quoted.
func FormatScript(ctx Context, script string) string {
	inner := script
	if assignments := envAssignments(ctx.Envs()); len(assignments) > 0 {
		inner = fmt.Sprintf("export %s; %s", strings.Join(assignments, " "), script)
	}

	inner = switchUser(ctx.User(), inner)

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) == 0 {
		return inner
	}

	parts := make([]string, 0, len(prependCmd)+3)
	for _, s := range prependCmd {
		parts = append(parts, quoteArg(s))
	}
	parts = append(parts, "sh", "-c", shellescape.Quote(inner))

	return strings.Join(parts, " ")
}

var unquotable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"|":  {},
	"&":  {},
}

func quoteArg(s string) string {
	if _, ok := unquotable[s]; ok {
		return s
	}
	return shellescape.Quote(s)
}

func envAssignments(envs map[string]string) []string {
	out := make([]string, 0, len(envs))
	for _, k := range sortedKeys(envs) {
		out = append(out, fmt.Sprintf("%s=%s", k, shellescape.Quote(envs[k])))
	}
	return out
}

func switchUser(user, inner string) string {
	if user == "" {
		return inner
	}
	return fmt.Sprintf("su - %s -c %s", shellescape.Quote(user), shellescape.Quote(inner))
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
