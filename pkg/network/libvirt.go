// Package network manages the isolated libvirt network that carries a
// test suite's private segment: guest-to-guest traffic with no forwarding
// to the host's networks.
package network

import (
	"errors"
	"fmt"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

var (
	ErrNetworkNameRequired = errors.New("network name is required")
	ErrConnNil             = errors.New("libvirt connection is nil")
	ErrDefineNetwork       = errors.New("failed to define libvirt network")
	ErrStartNetwork        = errors.New("failed to start libvirt network")
	ErrDestroyNetwork      = errors.New("failed to destroy libvirt network")
	ErrUndefineNetwork     = errors.New("failed to undefine libvirt network")
	ErrMarshalNetworkXML   = errors.New("failed to marshal network XML")
	ErrNetworkNotFound     = errors.New("libvirt network not found")
)

// Manager manages libvirt virtual networks for a test suite.
type Manager struct {
	conn *libvirt.Connect
}

// NewManager creates a Manager on an existing libvirt connection.
func NewManager(conn *libvirt.Connect) *Manager {
	return &Manager{conn: conn}
}

// PrivateConfig describes an isolated suite network.
type PrivateConfig struct {
	Name string
	// Address and Netmask for the segment's bridge, e.g.
	// "10.11.12.1" / "255.255.255.0". Guests address themselves
	// statically; the segment runs no DHCP.
	Address string
	Netmask string
}

// EnsurePrivate defines and starts an isolated network for the suite.
// Idempotent: an existing network of that name is started if inactive.
func (m *Manager) EnsurePrivate(cfg PrivateConfig) error {
	if m.conn == nil {
		return ErrConnNil
	}
	if cfg.Name == "" {
		return ErrNetworkNameRequired
	}

	existing, err := m.lookup(cfg.Name)
	if err != nil && !errors.Is(err, ErrNetworkNotFound) {
		return err
	}
	if existing != nil {
		defer func() { _ = existing.Free() }()
		return ensureActive(existing)
	}

	xml, err := privateNetworkXML(cfg)
	if err != nil {
		return err
	}

	network, err := m.conn.NetworkDefineXML(xml)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDefineNetwork, err)
	}
	defer func() { _ = network.Free() }()

	if err := network.Create(); err != nil {
		_ = network.Undefine()
		return fmt.Errorf("%w: %v", ErrStartNetwork, err)
	}
	return nil
}

// Delete stops and removes a suite network. Idempotent: a missing network
// is not an error.
func (m *Manager) Delete(name string) error {
	if m.conn == nil {
		return ErrConnNil
	}
	if name == "" {
		return ErrNetworkNameRequired
	}

	network, err := m.lookup(name)
	if err != nil {
		if errors.Is(err, ErrNetworkNotFound) {
			return nil
		}
		return err
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

func (m *Manager) lookup(name string) (*libvirt.Network, error) {
	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		libvirtErr, ok := err.(libvirt.Error)
		if ok && libvirtErr.Code == libvirt.ERR_NO_NETWORK {
			return nil, ErrNetworkNotFound
		}
		return nil, fmt.Errorf("failed to lookup network: %v", err)
	}
	return network, nil
}

func ensureActive(network *libvirt.Network) error {
	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("failed to check network state: %v", err)
	}
	if !active {
		if err := network.Create(); err != nil {
			return fmt.Errorf("%w: %v", ErrStartNetwork, err)
		}
	}
	return nil
}

// privateNetworkXML renders an isolated network: no forward element, so
// traffic stays between the attached guests.
func privateNetworkXML(cfg PrivateConfig) (string, error) {
	address := cfg.Address
	if address == "" {
		address = "10.11.12.1"
	}
	netmask := cfg.Netmask
	if netmask == "" {
		netmask = "255.255.255.0"
	}

	network := &libvirtxml.Network{
		Name:   cfg.Name,
		Bridge: &libvirtxml.NetworkBridge{STP: "on"},
		IPs: []libvirtxml.NetworkIP{
			{Address: address, Netmask: netmask},
		},
	}

	xml, err := network.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMarshalNetworkXML, err)
	}
	return xml, nil
}
