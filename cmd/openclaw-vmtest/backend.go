package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexandremahdhaoui/openclaw-vmtest/internal/util/ssh"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/execcontext"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/network"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/orchestration"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/vmm"
)

// newBooter returns the Booter of the configured backend and a function
// releasing what it holds.
func newBooter(ctx context.Context, cfg *Config) (orchestration.Booter, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case BackendLibvirt:
		baseDir, err := vmm.PrepareBaseDir(cfg.BaseDir)
		if err != nil {
			return nil, nil, fmt.Errorf("preparing base dir: %w", err)
		}

		hv, err := vmm.NewVMM(vmm.WithURI(cfg.LibvirtURI), vmm.WithBaseDir(baseDir))
		if err != nil {
			return nil, nil, err
		}
		slog.Debug("connected to libvirt", "uri", cfg.LibvirtURI, "baseDir", baseDir)

		if _, err := hv.EnsureNetwork(ctx, network.Config{Name: cfg.Network, Gateway: cfg.NetworkGateway}); err != nil {
			_ = hv.Close()
			return nil, nil, fmt.Errorf("preparing network %s: %w", cfg.Network, err)
		}

		return &orchestration.LibvirtBooter{
			Hypervisor:  hv,
			ImagePath:   cfg.ImagePath,
			Network:     cfg.Network,
			MemoryMB:    cfg.MemoryMB,
			VCPUs:       cfg.VCPUs,
			DiskSize:    cfg.DiskSize,
			LoginUser:   cfg.SSHUser,
			SSHPort:     cfg.SSHPort,
			ArtifactDir: cfg.ArtifactDir,
		}, hv.Close, nil

	case BackendSSH:
		client, err := ssh.NewClient(cfg.SSHHost, cfg.SSHUser, cfg.SSHKeyPath, cfg.SSHPort)
		if err != nil {
			return nil, nil, err
		}
		if cfg.SSHUser != "root" {
			client.Base = execcontext.New(nil, []string{"sudo", "-n"})
		}
		return &orchestration.StaticBooter{Client: client}, noop, nil

	case BackendLocal:
		return &orchestration.LocalBooter{}, noop, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend '%s'", cfg.Backend)
	}
}
