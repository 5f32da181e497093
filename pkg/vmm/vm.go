package vmm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/cloudinit"
	"k8s.io/apimachinery/pkg/util/wait"
	"libvirt.org/go/libvirt"
)

var (
	errInvalidConfig         = errors.New("invalid VM config")
	errGenerateCloudInitISO  = errors.New("failed to generate cloud-init ISO")
	errCreateVMDisk          = errors.New("failed to create VM disk")
	errDefineDomain          = errors.New("failed to define domain")
	errCreateDomain          = errors.New("failed to create domain")
	errLibvirtNotInitialized = errors.New("libvirt connection is not initialized")
	errTimeoutWaitingIP      = errors.New("timed out waiting for VM IP address")
	errGetDomainState        = errors.New("failed to get domain state")
	errDestroyDomain         = errors.New("failed to destroy domain")
	errUndefineDomain        = errors.New("failed to undefine domain")
	errDeleteVMDisk          = errors.New("failed to delete VM disk")
	errCreateStream          = errors.New("failed to create new stream")
	errOpenConsole           = errors.New("failed to open console")
	errLookupDomain          = errors.New("failed to lookup domain")

	// ErrVMNotFound is returned for domains unknown to libvirt.
	ErrVMNotFound = errors.New("VM not found")
)

const (
	defaultMemoryMB = 2048
	defaultVCPUs    = 2
	defaultDiskSize = "20G"
	defaultNetwork  = "default"

	ipPollInterval     = 2 * time.Second
	consoleReadTimeout = 5 * time.Second
)

type VMConfig struct {
	Name string
	// ImagePath is the qcow2 base image; it is never written to.
	ImagePath  string
	DiskSize   string
	MemoryMB   uint
	VCPUs      uint
	Network    string
	MACAddress string
	UserData   cloudinit.UserData
}

func NewVMConfig(name, imagePath string, userData cloudinit.UserData) VMConfig {
	return VMConfig{
		Name:      name,
		ImagePath: imagePath,
		DiskSize:  defaultDiskSize,
		MemoryMB:  defaultMemoryMB,
		VCPUs:     defaultVCPUs,
		Network:   defaultNetwork,
		UserData:  userData,
	}
}

func (c VMConfig) withDefaults() VMConfig {
	if c.DiskSize == "" {
		c.DiskSize = defaultDiskSize
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if c.VCPUs == 0 {
		c.VCPUs = defaultVCPUs
	}
	if c.Network == "" {
		c.Network = defaultNetwork
	}
	return c
}

func (v *VMM) files(name string) domainFiles {
	dir := v.tempDir()
	return domainFiles{
		Disk:       filepath.Join(dir, name+".qcow2"),
		Seed:       filepath.Join(dir, name+"-cloud-init.iso"),
		ConsoleLog: filepath.Join(dir, name+"-console.log"),
	}
}

// CreateVM creates a copy-on-write overlay of the base image, a NoCloud seed
// and starts a domain booting from them. The IP address is not awaited; see
// GetDomainIP.
func (v *VMM) CreateVM(ctx context.Context, cfg VMConfig) (*VMMetadata, error) {
	if v.conn == nil {
		return nil, errLibvirtNotInitialized
	}
	cfg = cfg.withDefaults()
	if cfg.Name == "" || cfg.ImagePath == "" {
		return nil, fmt.Errorf("%w: name and image path are required", errInvalidConfig)
	}
	if cfg.MACAddress == "" {
		mac, err := generateRandomMAC()
		if err != nil {
			return nil, fmt.Errorf("generate MAC address: %w", err)
		}
		cfg.MACAddress = mac
	}

	files := v.files(cfg.Name)
	createdFiles := make([]string, 0, 2)
	removeCreated := func() {
		for _, f := range createdFiles {
			_ = os.Remove(f)
		}
	}

	userData, err := cfg.UserData.Render()
	if err != nil {
		return nil, err
	}
	metaData, err := cloudinit.MetaData{InstanceID: cfg.Name, LocalHostname: cfg.Name}.Render()
	if err != nil {
		return nil, err
	}

	if err := generateCloudInitISO(ctx, files.Seed, userData, metaData); err != nil {
		return nil, fmt.Errorf("%w: %w", errGenerateCloudInitISO, err)
	}
	createdFiles = append(createdFiles, files.Seed)

	qemuImgCmd := exec.CommandContext(ctx,
		"qemu-img", "create",
		"-f", "qcow2",
		"-F", "qcow2",
		"-b", cfg.ImagePath,
		files.Disk,
		cfg.DiskSize,
	)
	if output, err := qemuImgCmd.CombinedOutput(); err != nil {
		removeCreated()
		return nil, fmt.Errorf("%w: %w: output: %s", errCreateVMDisk, err, output)
	}
	createdFiles = append(createdFiles, files.Disk)

	vmXML, err := generateDomainXML(cfg, files)
	if err != nil {
		removeCreated()
		return nil, err
	}

	dom, err := v.conn.DomainDefineXML(vmXML)
	if err != nil {
		removeCreated()
		return nil, fmt.Errorf("%w: vmName=%s: %w", errDefineDomain, cfg.Name, err)
	}

	if err := dom.Create(); err != nil {
		_ = dom.Undefine()
		_ = dom.Free()
		removeCreated()
		return nil, fmt.Errorf("%w: vmName=%s: %w", errCreateDomain, cfg.Name, err)
	}

	v.mu.Lock()
	v.domains[cfg.Name] = dom
	v.mu.Unlock()

	uuid, err := dom.GetUUIDString()
	if err != nil {
		slog.Debug("failed to get domain UUID", "vmName", cfg.Name, "error", err.Error())
	}

	domXML, err := dom.GetXMLDesc(0)
	if err != nil {
		slog.Debug("failed to get domain XML", "vmName", cfg.Name, "error", err.Error())
		domXML = vmXML
	}

	slog.Info("successfully created VM", "vmName", cfg.Name, "uuid", uuid, "mac", cfg.MACAddress)

	return &VMMetadata{
		Name:         cfg.Name,
		UUID:         uuid,
		MACAddress:   cfg.MACAddress,
		DomainXML:    domXML,
		ConsoleLog:   files.ConsoleLog,
		MemoryMB:     cfg.MemoryMB,
		VCPUs:        cfg.VCPUs,
		CreatedFiles: append(createdFiles, files.ConsoleLog),
	}, nil
}

// lookup returns the domain handle, checking memory first then libvirt.
// It returns nil when the domain does not exist.
func (v *VMM) lookup(name string) (*libvirt.Domain, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if dom, ok := v.domains[name]; ok && dom != nil {
		return dom, nil
	}

	if v.conn == nil {
		return nil, errLibvirtNotInitialized
	}

	dom, err := v.conn.LookupDomainByName(name)
	if isNoDomain(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: vmName=%s: %w", errLookupDomain, name, err)
	}
	v.domains[name] = dom
	return dom, nil
}

func isNoDomain(err error) bool {
	var libvirtErr libvirt.Error
	return errors.As(err, &libvirtErr) && libvirtErr.Code == libvirt.ERR_NO_DOMAIN
}

// DomainExists checks if a VM domain exists in libvirt.
func (v *VMM) DomainExists(name string) (bool, error) {
	dom, err := v.lookup(name)
	if err != nil {
		return false, err
	}
	return dom != nil, nil
}

// GetDomainIP polls the DHCP leases of the domain network until an IPv4
// address shows up or timeout elapses.
func (v *VMM) GetDomainIP(ctx context.Context, name string, timeout time.Duration) (string, error) {
	dom, err := v.lookup(name)
	if err != nil {
		return "", err
	}
	if dom == nil {
		return "", fmt.Errorf("%w: vmName=%s", ErrVMNotFound, name)
	}

	var ip string
	err = wait.PollUntilContextTimeout(ctx, ipPollInterval, timeout, true, func(context.Context) (bool, error) {
		ifaces, err := dom.ListAllInterfaceAddresses(libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
		if err != nil {
			slog.Debug("error listing interface addresses", "vmName", name, "error", err.Error())
			return false, nil
		}

		for _, iface := range ifaces {
			for _, addr := range iface.Addrs {
				if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
					ip = strings.Split(addr.Addr, "/")[0]
					return true, nil
				}
			}
		}

		slog.Debug("VM IP address not found, retrying...", "vmName", name)
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: vmName=%s: %w", errTimeoutWaitingIP, name, err)
	}

	return ip, nil
}

// GetConsoleOutput returns the serial console output of a VM. The console
// log file is preferred; without it, the console stream is read until it
// goes quiet.
func (v *VMM) GetConsoleOutput(ctx context.Context, name string) (string, error) {
	if b, err := os.ReadFile(v.files(name).ConsoleLog); err == nil {
		return string(b), nil
	}

	dom, err := v.lookup(name)
	if err != nil {
		return "", err
	}
	if dom == nil {
		return "", fmt.Errorf("%w: vmName=%s", ErrVMNotFound, name)
	}

	stream, err := v.conn.NewStream(0)
	if err != nil {
		return "", fmt.Errorf("%w: vmName=%s: %w", errCreateStream, name, err)
	}
	defer func() { _ = stream.Free() }()

	if err := dom.OpenConsole("", stream, libvirt.DOMAIN_CONSOLE_FORCE); err != nil {
		return "", fmt.Errorf("%w: vmName=%s: %w", errOpenConsole, name, err)
	}

	var consoleOutput bytes.Buffer
	done := make(chan struct{})

	go func() {
		defer close(done)
		buffer := make([]byte, 4096)
		for {
			n, err := stream.Recv(buffer)
			if n > 0 {
				consoleOutput.Write(buffer[:n])
			}
			if err != nil || n == 0 {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(consoleReadTimeout):
		_ = stream.Abort()
		<-done
	case <-ctx.Done():
		_ = stream.Abort()
		<-done
	}

	return consoleOutput.String(), nil
}

// DestroyVM stops the VM, undefines it and deletes its files. Destroying a
// VM that does not exist is not an error.
func (v *VMM) DestroyVM(ctx context.Context, name string) error {
	files := v.files(name)
	removeFiles := func() error {
		if err := os.Remove(files.Disk); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: vmDiskPath=%s: %w", errDeleteVMDisk, files.Disk, err)
		}
		for _, f := range []string{files.Seed, files.ConsoleLog} {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				slog.Debug("failed to delete VM file", "path", f, "error", err.Error())
			}
		}
		return nil
	}

	dom, err := v.lookup(name)
	if err != nil {
		return err
	}

	if dom == nil {
		slog.Info("VM not found in libvirt, skipping destroy", "vmName", name)
		return removeFiles()
	}

	state, _, err := dom.GetState()
	if err != nil {
		return fmt.Errorf("%w: vmName=%s: %w", errGetDomainState, name, err)
	}

	if state == libvirt.DOMAIN_RUNNING || state == libvirt.DOMAIN_PAUSED {
		if err := dom.Destroy(); err != nil {
			return fmt.Errorf("%w: vmName=%s: %w", errDestroyDomain, name, err)
		}
	}

	if err := dom.Undefine(); err != nil {
		return fmt.Errorf("%w: vmName=%s: %w", errUndefineDomain, name, err)
	}

	_ = dom.Free()
	v.mu.Lock()
	delete(v.domains, name)
	v.mu.Unlock()

	return removeFiles()
}

func generateCloudInitISO(ctx context.Context, isoPath, userData, metaData string) error {
	cloudInitDir, err := os.MkdirTemp(filepath.Dir(isoPath), "cloud-init-config-")
	if err != nil {
		return fmt.Errorf("failed to create cloud-init config directory: %w", err)
	}
	defer os.RemoveAll(cloudInitDir)

	if err := os.WriteFile(filepath.Join(cloudInitDir, "user-data"), []byte(userData), 0o644); err != nil {
		return fmt.Errorf("failed to write user-data file: %w", err)
	}

	if err := os.WriteFile(filepath.Join(cloudInitDir, "meta-data"), []byte(metaData), 0o644); err != nil {
		return fmt.Errorf("failed to write meta-data file: %w", err)
	}

	xorrisoCmd := exec.CommandContext(ctx,
		"xorriso",
		"-as", "mkisofs",
		"-o", isoPath,
		"-V", "cidata",
		"-J", "-R",
		cloudInitDir,
	)
	if output, err := xorrisoCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create cloud-init ISO with xorriso: %w: output: %s", err, output)
	}

	return nil
}
