package network

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

// Error variables for libvirt network operations
var (
	ErrNetworkNameRequired = errors.New("network name is required")
	ErrConnNil             = errors.New("libvirt connection is nil")
	ErrDefineNetwork       = errors.New("failed to define libvirt network")
	ErrStartNetwork        = errors.New("failed to start libvirt network")
	ErrDestroyNetwork      = errors.New("failed to destroy libvirt network")
	ErrUndefineNetwork     = errors.New("failed to undefine libvirt network")
	ErrCheckNetwork        = errors.New("failed to check if network exists")
	ErrMarshalNetworkXML   = errors.New("failed to marshal network XML")
	ErrNetworkNotFound     = errors.New("libvirt network not found")
	ErrInvalidGateway      = errors.New("invalid gateway")
)

// Config describes the network test domains are attached to.
type Config struct {
	Name string

	// Gateway is the host address and prefix of the NAT network created
	// when Name does not exist, e.g. 192.168.150.1/24. Guests lease the
	// rest of the subnet. Empty means the network must already exist.
	Gateway string
}

// Info contains information about a libvirt network
type Info struct {
	Name       string
	BridgeName string
	Mode       string
	IsActive   bool
	Autostart  bool
}

// Manager manages libvirt virtual networks
type Manager struct {
	conn *libvirt.Connect
}

// NewManager creates a new Manager
func NewManager(conn *libvirt.Connect) *Manager {
	return &Manager{
		conn: conn,
	}
}

// Ensure makes sure the network exists and is active. A missing network is
// created from config.Gateway. It reports whether the network was created.
func (m *Manager) Ensure(ctx context.Context, config Config) (bool, error) {
	if m.conn == nil {
		return false, ErrConnNil
	}
	if config.Name == "" {
		return false, ErrNetworkNameRequired
	}

	info, err := m.Get(ctx, config.Name)
	if err != nil && !errors.Is(err, ErrNetworkNotFound) {
		return false, err
	}
	if info != nil {
		if info.IsActive {
			return false, nil
		}
		slog.Info("starting inactive libvirt network", "network", config.Name)
		return false, m.start(config.Name)
	}

	if config.Gateway == "" {
		return false, fmt.Errorf("%w: %s", ErrNetworkNotFound, config.Name)
	}

	networkXML, err := GenerateNetworkXML(config)
	if err != nil {
		return false, err
	}

	network, err := m.conn.NetworkDefineXML(networkXML)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDefineNetwork, err)
	}
	defer func() { _ = network.Free() }()

	if err := network.Create(); err != nil {
		_ = network.Undefine()
		return false, fmt.Errorf("%w: %v", ErrStartNetwork, err)
	}

	slog.Info("created libvirt network", "network", config.Name, "gateway", config.Gateway)
	return true, nil
}

func (m *Manager) start(name string) error {
	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		return fmt.Errorf("failed to lookup network: %v", err)
	}
	defer func() { _ = network.Free() }()

	if err := network.Create(); err != nil {
		return fmt.Errorf("%w: %v", ErrStartNetwork, err)
	}
	return nil
}

// Get retrieves information about a libvirt network
// Returns ErrNetworkNotFound if the network doesn't exist
func (m *Manager) Get(ctx context.Context, name string) (*Info, error) {
	if name == "" {
		return nil, ErrNetworkNameRequired
	}
	if m.conn == nil {
		return nil, ErrConnNil
	}

	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		var libvirtErr libvirt.Error
		if errors.As(err, &libvirtErr) && libvirtErr.Code == libvirt.ERR_NO_NETWORK {
			return nil, ErrNetworkNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	defer func() { _ = network.Free() }()

	isActive, err := network.IsActive()
	if err != nil {
		return nil, fmt.Errorf("failed to check network state: %v", err)
	}

	autostart, err := network.GetAutostart()
	if err != nil {
		return nil, fmt.Errorf("failed to check autostart: %v", err)
	}

	xmlDesc, err := network.GetXMLDesc(0)
	if err != nil {
		return nil, fmt.Errorf("failed to get network XML: %v", err)
	}

	var networkXML libvirtxml.Network
	if err := networkXML.Unmarshal(xmlDesc); err != nil {
		return nil, fmt.Errorf("failed to parse network XML: %v", err)
	}

	bridgeName := ""
	if networkXML.Bridge != nil {
		bridgeName = networkXML.Bridge.Name
	}

	mode := "isolated"
	if networkXML.Forward != nil {
		mode = networkXML.Forward.Mode
	}

	return &Info{
		Name:       name,
		BridgeName: bridgeName,
		Mode:       mode,
		IsActive:   isActive,
		Autostart:  autostart,
	}, nil
}

// Delete removes a libvirt network
// Idempotent - returns nil if network doesn't exist
func (m *Manager) Delete(ctx context.Context, name string) error {
	if name == "" {
		return ErrNetworkNameRequired
	}
	if m.conn == nil {
		return ErrConnNil
	}

	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		var libvirtErr libvirt.Error
		if errors.As(err, &libvirtErr) && libvirtErr.Code == libvirt.ERR_NO_NETWORK {
			return nil
		}
		return fmt.Errorf("failed to lookup network: %v", err)
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("failed to check network state: %v", err)
	}

	if active {
		if err := network.Destroy(); err != nil {
			return fmt.Errorf("%w: %v", ErrDestroyNetwork, err)
		}
	}

	if err := network.Undefine(); err != nil {
		return fmt.Errorf("%w: %v", ErrUndefineNetwork, err)
	}

	return nil
}

// GenerateNetworkXML renders a NAT network whose DHCP range covers the
// gateway subnet, gateway and broadcast addresses excluded.
func GenerateNetworkXML(config Config) (string, error) {
	gateway, start, end, err := dhcpRange(config.Gateway)
	if err != nil {
		return "", err
	}

	network := &libvirtxml.Network{
		Name: config.Name,
		Forward: &libvirtxml.NetworkForward{
			Mode: "nat",
		},
		Bridge: &libvirtxml.NetworkBridge{
			STP: "on",
		},
		IPs: []libvirtxml.NetworkIP{
			{
				Address: gateway.Addr().String(),
				Prefix:  uint(gateway.Bits()),
				DHCP: &libvirtxml.NetworkDHCP{
					Ranges: []libvirtxml.NetworkDHCPRange{
						{Start: start.String(), End: end.String()},
					},
				},
			},
		},
	}

	xml, err := network.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMarshalNetworkXML, err)
	}

	return xml, nil
}

func dhcpRange(gateway string) (netip.Prefix, netip.Addr, netip.Addr, error) {
	prefix, err := netip.ParsePrefix(gateway)
	if err != nil {
		return netip.Prefix{}, netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: %w", ErrInvalidGateway, err)
	}
	if !prefix.Addr().Is4() || prefix.Bits() > 30 {
		return netip.Prefix{}, netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: %s: want an IPv4 prefix of at most /30", ErrInvalidGateway, gateway)
	}

	network := prefix.Masked().Addr().As4()
	hostBits := uint32(1)<<(32-prefix.Bits()) - 1
	var last [4]byte
	binary.BigEndian.PutUint32(last[:], binary.BigEndian.Uint32(network[:])|hostBits)
	end := netip.AddrFrom4(last).Prev()

	if prefix.Addr() == prefix.Masked().Addr() || prefix.Addr().Compare(end) > 0 {
		return netip.Prefix{}, netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: %s is not a host address", ErrInvalidGateway, gateway)
	}

	start := prefix.Addr().Next()
	if prefix.Addr() == end {
		return netip.Prefix{}, netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: %s leaves no address to lease", ErrInvalidGateway, gateway)
	}

	return prefix, start, end, nil
}
