package diagnostics

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/alessio/shellescape"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/execcontext"
)

const tailLines = "200"

var plain = execcontext.New(nil, nil)

// GatewayTarget describes the user service the gateway batteries inspect.
type GatewayTarget struct {
	Unit string
	// Session is the context of the user owning Unit.
	Session    execcontext.Context
	ScratchDir string
	// LogFiles are file names relative to ScratchDir.
	LogFiles []string
	// ProcessNames are grepped out of the process table.
	ProcessNames []string
}

// GatewayBattery is the full battery run when the service never opens its
// port.
func GatewayBattery(t GatewayTarget) Battery {
	scratch := shellescape.Quote(t.ScratchDir)

	battery := Battery{
		statusProbe(t),
		propsProbe(t),
		{
			Description: "unit definition",
			Command:     t.userScript(execcontext.FormatCmd(plain, "systemctl", "--user", "cat", t.Unit, "--no-pager") + " 2>&1"),
		},
		{
			Description: "user manager environment",
			Command:     t.userScript("systemctl --user show-environment 2>&1"),
		},
		journalProbe(t),
	}

	for _, name := range t.LogFiles {
		file := path.Join(t.ScratchDir, name)
		battery = append(battery,
			Probe{
				Description: "log file " + name,
				Command:     execcontext.FormatCmd(plain, "ls", "-la", file),
			},
			Probe{
				Description: "log tail " + name,
				Command:     execcontext.FormatCmd(plain, "tail", "-n", tailLines, file),
			},
		)
	}

	battery = append(battery,
		Probe{
			Description: "scratch directory",
			Command:     execcontext.FormatCmd(plain, "ls", "-la", t.ScratchDir),
		},
		Probe{
			Description: "process table",
			Command:     "ps -eo pid,ppid,cmd | grep -E " + shellescape.Quote(processPattern(t.ProcessNames)),
		},
		Probe{
			Description: "node reports",
			Command:     "ls -la " + scratch + "/node-report*",
		},
		Probe{
			Description: "node report tail",
			Command:     "tail -n " + tailLines + " " + scratch + "/node-report*",
		},
		Probe{
			Description: "core dumps",
			Command:     "coredumpctl info --no-pager | tail -n " + tailLines,
		},
	)

	return battery
}

// MinimalBattery only inspects the unit state and its journal.
func MinimalBattery(t GatewayTarget) Battery {
	return Battery{statusProbe(t), propsProbe(t), journalProbe(t)}
}

func statusProbe(t GatewayTarget) Probe {
	return Probe{
		Description: "service status",
		Command: t.userScript(execcontext.FormatCmd(plain,
			"systemctl", "--user", "status", t.Unit, "--no-pager", "-n", tailLines) + " 2>&1"),
	}
}

func propsProbe(t GatewayTarget) Probe {
	return Probe{
		Description: "unit state",
		Command: t.userScript(execcontext.FormatCmd(plain,
			"systemctl", "--user", "show", t.Unit,
			"-p", "ActiveState", "-p", "SubState", "-p", "ExecMainCode", "-p", "ExecMainStatus", "-p", "MainPID",
			"--no-pager") + " 2>&1"),
	}
}

func journalProbe(t GatewayTarget) Probe {
	return Probe{
		Description: "user journal",
		Command: t.userScript(execcontext.FormatCmd(plain,
			"journalctl", "--user", "-u", t.Unit, "--no-pager", "-n", tailLines) + " 2>&1"),
	}
}

func (t GatewayTarget) userScript(script string) string {
	if t.Session == nil {
		return script
	}
	return execcontext.FormatScript(t.Session, script)
}

// processPattern turns names into an extended regexp that does not match the
// grep process itself, e.g. [o]penclaw|[n]ode.
func processPattern(names []string) string {
	alternatives := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		first, size := utf8.DecodeRuneInString(name)
		alternatives = append(alternatives, "["+string(first)+"]"+name[size:])
	}
	if len(alternatives) == 0 {
		return "[o]penclaw"
	}
	return strings.Join(alternatives, "|")
}

// AddonTarget describes a native add-on module the application loads.
type AddonTarget struct {
	// Label names the probe that failed.
	Label string
	// LibDir is the application's library directory.
	LibDir      string
	NodeModules string
	// Module is the add-on module name, e.g. @mariozechner/clipboard.
	Module string
	// EnvKey is the variable carrying Module into the probe scripts.
	EnvKey string
	// Runtime is the resolved runtime binary.
	Runtime string
	// Session is the probe context, including NODE_PATH and EnvKey.
	Session execcontext.Context
}

// AddonBattery inspects how the add-on is installed when a pre-flight probe
// fails.
func AddonBattery(t AddonTarget) Battery {
	nodeModules := shellescape.Quote(t.NodeModules)
	artifact := shellescape.Quote(path.Base(t.Module) + "*.node")

	resolve := fmt.Sprintf("console.log(require.resolve(process.env.%s))", t.EnvKey)
	session := t.Session
	if session == nil {
		session = plain
	}

	return Battery{
		{
			Description: "failed probe",
			Command:     execcontext.FormatCmd(plain, "echo", "fail-fast probe: "+t.Label),
		},
		{
			Description: "application library directory",
			Command:     execcontext.FormatCmd(plain, "ls", "-la", t.LibDir),
		},
		{
			Description: "add-on module directory",
			Command:     execcontext.FormatCmd(plain, "ls", "-la", path.Join(t.NodeModules, moduleScope(t.Module))),
		},
		{
			Description: "native add-on artifacts",
			Command: "command -v find >/dev/null && find " + nodeModules +
				" -maxdepth 5 -name " + artifact + " -print",
		},
		{
			Description: "native add-on dependencies",
			Command: "command -v find >/dev/null && find " + nodeModules +
				" -maxdepth 5 -name " + artifact +
				` -exec sh -c 'echo --- $1; ldd "$1" || true' _ {} \;`,
		},
		{
			Description: "add-on resolution",
			Command:     execcontext.FormatCmd(session, t.Runtime, "-e", resolve) + " 2>&1",
		},
	}
}

// moduleScope returns the scope directory of a scoped module, or the module
// itself.
func moduleScope(module string) string {
	if scope, _, ok := strings.Cut(module, "/"); ok && strings.HasPrefix(scope, "@") {
		return scope
	}
	return module
}
