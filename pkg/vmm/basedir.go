package vmm

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

const libvirtQEMUConf = "/etc/libvirt/qemu.conf"

// PrepareBaseDir creates dir so that the qemu process spawned by libvirt can
// read and write the overlays, seeds and console logs placed in it.
//
// Ancestors are made traversable up to /tmp and, for each libvirt-related
// group found on the host, an access ACL and a default ACL are set with
// setfacl. ACL failures are logged and otherwise ignored.
func PrepareBaseDir(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating base directory %q: %w", dir, err)
	}

	for current := dir; ; {
		if err := os.Chmod(current, 0o755); err != nil {
			slog.Debug("failed to chmod directory", "path", current, "error", err.Error())
		}
		if current == "/tmp" || current == "/" {
			break
		}
		next := filepath.Dir(current)
		if next == current {
			break
		}
		current = next
	}

	for _, group := range detectLibvirtGroups(libvirtQEMUConf) {
		acl := fmt.Sprintf("g:%s:rwx", group)
		if output, err := exec.Command("sudo", "setfacl", "-m", acl, dir).CombinedOutput(); err != nil {
			slog.Warn("failed to set ACL", "path", dir, "group", group, "error", err.Error(), "output", string(output))
			continue
		}
		if output, err := exec.Command("sudo", "setfacl", "-d", "-m", acl, dir).CombinedOutput(); err != nil {
			slog.Warn("failed to set default ACL", "path", dir, "group", group, "error", err.Error(), "output", string(output))
			continue
		}
		slog.Debug("granted group access to base directory", "path", dir, "group", group)
	}

	return dir, nil
}

// detectLibvirtGroups returns the group configured in qemuConf together with
// the common libvirt-related groups that exist on the host, sorted.
func detectLibvirtGroups(qemuConf string) []string {
	groups := make(map[string]struct{})

	for _, g := range parseQEMUConfGroups(qemuConf) {
		groups[g] = struct{}{}
	}

	for _, g := range []string{"libvirt", "libvirt-qemu", "kvm", "qemu"} {
		if err := exec.Command("getent", "group", g).Run(); err == nil {
			groups[g] = struct{}{}
		}
	}

	out := make([]string, 0, len(groups))
	for g := range groups {
		out = append(out, g)
	}
	sort.Strings(out)

	if len(out) == 0 {
		slog.Debug("no libvirt group detected, relying on permissions only")
	}
	return out
}

func parseQEMUConfGroups(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var groups []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "group") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "group" {
			continue
		}
		if g := strings.Trim(strings.TrimSpace(value), `"`); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}
