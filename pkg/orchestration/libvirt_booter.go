package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexandremahdhaoui/openclaw-vmtest/internal/util/ssh"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/cloudinit"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/execcontext"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/machine"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/vmm"
	"k8s.io/utils/ptr"
)

const (
	// DefaultIPTimeout bounds the wait for the DHCP lease of a new domain.
	DefaultIPTimeout = 3 * time.Minute

	vmNamePrefix = "openclaw-vmtest-"
)

// Hypervisor manages the lifecycle of test domains. *vmm.VMM satisfies it.
type Hypervisor interface {
	CreateVM(ctx context.Context, cfg vmm.VMConfig) (*vmm.VMMetadata, error)
	GetDomainIP(ctx context.Context, name string, timeout time.Duration) (string, error)
	GetConsoleOutput(ctx context.Context, name string) (string, error)
	DestroyVM(ctx context.Context, name string) error
}

var _ Hypervisor = &vmm.VMM{}

// LibvirtBooter boots a fresh domain from a qcow2 image per scenario and
// logs into it with an ephemeral key injected through cloud-init.
type LibvirtBooter struct {
	Hypervisor Hypervisor
	ImagePath  string
	Network    string
	MemoryMB   uint
	VCPUs      uint
	DiskSize   string

	// LoginUser is the account the key is installed for. Default root;
	// other users run every command through sudo.
	LoginUser string
	SSHPort   string

	IPTimeout  time.Duration
	SSHTimeout time.Duration

	// ArtifactDir receives <scenario>/console.log before the domain is
	// destroyed. Optional.
	ArtifactDir string
}

// Boot implements Booter.
func (b *LibvirtBooter) Boot(ctx context.Context, req BootRequest) (machine.Machine, Cleanup, error) {
	name := VMName(req.RunID)
	login := b.LoginUser
	if login == "" {
		login = "root"
	}

	keys, err := ssh.GenerateKeyPair(name)
	if err != nil {
		return nil, nil, errors.Join(ErrBootFailed, err)
	}

	userData := cloudinit.UserData{
		Hostname:    name,
		DisableRoot: ptr.To(false),
		SSHPwAuth:   ptr.To(false),
		Users:       []cloudinit.User{cloudinit.NewUser(login, keys.AuthorizedKey)},
	}

	cfg := vmm.NewVMConfig(name, b.ImagePath, userData)
	if b.Network != "" {
		cfg.Network = b.Network
	}
	if b.MemoryMB != 0 {
		cfg.MemoryMB = b.MemoryMB
	}
	if b.VCPUs != 0 {
		cfg.VCPUs = b.VCPUs
	}
	if b.DiskSize != "" {
		cfg.DiskSize = b.DiskSize
	}

	req.Logger.Info("creating VM", "vmName", name, "image", b.ImagePath)
	if _, err := b.Hypervisor.CreateVM(ctx, cfg); err != nil {
		return nil, nil, errors.Join(ErrBootFailed, err)
	}

	cleanup := func(ctx context.Context) error {
		b.saveConsole(ctx, req, name)
		if err := b.Hypervisor.DestroyVM(ctx, name); err != nil {
			return fmt.Errorf("destroying %s: %w", name, err)
		}
		return nil
	}

	ipTimeout := b.IPTimeout
	if ipTimeout == 0 {
		ipTimeout = DefaultIPTimeout
	}
	ip, err := b.Hypervisor.GetDomainIP(ctx, name, ipTimeout)
	if err != nil {
		return nil, nil, errors.Join(ErrBootFailed, err, cleanup(context.WithoutCancel(ctx)))
	}
	req.Logger.Info("VM is up", "vmName", name, "ip", ip)

	client := ssh.NewClientFromKey(ip, login, keys.PrivateKey, b.SSHPort)
	if login != "root" {
		client.Base = execcontext.New(nil, []string{"sudo", "-n"})
	}

	sshTimeout := b.SSHTimeout
	if sshTimeout == 0 {
		sshTimeout = DefaultSSHTimeout
	}
	if err := client.AwaitServer(ctx, sshTimeout); err != nil {
		return nil, nil, errors.Join(ErrBootFailed, err, cleanup(context.WithoutCancel(ctx)))
	}

	return machine.NewSession(client, req.sessionOptions()...), cleanup, nil
}

func (b *LibvirtBooter) saveConsole(ctx context.Context, req BootRequest, name string) {
	if b.ArtifactDir == "" || req.Scenario == nil {
		return
	}

	out, err := b.Hypervisor.GetConsoleOutput(ctx, name)
	if err != nil {
		slog.Warn("failed to read console output", "vmName", name, "error", err.Error())
		return
	}

	dir := filepath.Join(b.ArtifactDir, req.Scenario.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("failed to create artifact directory", "path", dir, "error", err.Error())
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "console.log"), []byte(out), 0o644); err != nil {
		slog.Warn("failed to write console output", "path", dir, "error", err.Error())
	}
}

// VMName returns the domain name used for runID.
func VMName(runID string) string {
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return vmNamePrefix + runID
}
