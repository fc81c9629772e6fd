// Copyright 2025 The vmharness authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vm manages ephemeral libvirt guests for integration tests: disk
// clone ownership, the Defined/Running/Stopped/Undefined lifecycle,
// snapshots, guest file injection, and the SSH binding of each guest.
package vm

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"libvirt.org/go/libvirt"

	"github.com/virtlab/vmharness/pkg/cloudinit"
	"github.com/virtlab/vmharness/pkg/imagestore"
	"github.com/virtlab/vmharness/pkg/sshexec"
)

var (
	// ErrState indicates an operation invalid for the VM's current
	// lifecycle state. Never retried: it is a programming error.
	ErrState = errors.New("operation invalid for current VM state")

	// ErrTimeout indicates a bounded wait on the VM exceeded its budget.
	ErrTimeout = errors.New("timed out waiting for VM")

	errConnectLibvirt = errors.New("failed to connect to libvirt")
	errDefineDomain   = errors.New("failed to define domain")
	errStartDomain    = errors.New("failed to start domain")
	errGetDomainState = errors.New("failed to get domain state")
	errGetDomainIP    = errors.New("failed to get domain IP")
)

// State is a VM lifecycle state.
type State string

const (
	// StateDefined: registered with libvirt, disk clone allocated, never
	// started.
	StateDefined State = "defined"
	StateRunning State = "running"
	StateStopped State = "stopped"
	// StateUndefined is terminal: domain deregistered, disk released.
	StateUndefined State = "undefined"
)

// Manager holds the libvirt connection and the working directory that owns
// per-VM artifacts (disk clones, seed ISOs).
type Manager struct {
	conn    *libvirt.Connect
	workDir string
}

// NewManager connects to libvirt. An empty uri means qemu:///system.
func NewManager(uri, workDir string) (*Manager, error) {
	if uri == "" {
		uri = "qemu:///system"
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConnectLibvirt, err)
	}
	return &Manager{conn: conn, workDir: workDir}, nil
}

// Conn exposes the libvirt connection for collaborators (network setup).
func (m *Manager) Conn() *libvirt.Connect { return m.conn }

// Close closes the libvirt connection. VMs must be undefined first.
func (m *Manager) Close() error {
	if m.conn == nil {
		return nil
	}
	_, err := m.conn.Close()
	return err
}

// NetworkConfig describes how a guest is attached and reached.
type NetworkConfig struct {
	// Network is the libvirt network providing SSH access.
	// Defaults to "default" (NAT).
	Network string
	// PrivateNetwork optionally attaches a second interface to an
	// isolated segment shared by the suite's VMs.
	PrivateNetwork string
	// PrivateMAC pins the MAC on the private segment; generated when empty.
	PrivateMAC string
	// SSHPort and SSHUser default to "22" and "root".
	SSHPort string
	SSHUser string
}

func (c *NetworkConfig) applyDefaults() {
	if c.Network == "" {
		c.Network = "default"
	}
	if c.SSHPort == "" {
		c.SSHPort = "22"
	}
	if c.SSHUser == "" {
		c.SSHUser = "root"
	}
	if c.PrivateNetwork != "" && c.PrivateMAC == "" {
		c.PrivateMAC = RandomMAC()
	}
}

// VM is one ephemeral guest. It exclusively owns its disk clone and its
// generated key pair. All operations are serialized per VM.
type VM struct {
	name   string
	mgr    *Manager
	dom    *libvirt.Domain
	disk   *imagestore.Image
	seed   string
	netCfg NetworkConfig

	privateKeyPEM []byte
	authorizedKey []byte

	mu    sync.Mutex
	state State
}

// Create clones baseImage for the named guest, generates its key pair and
// registers the domain with libvirt. The VM is Defined, not started.
func (m *Manager) Create(name, baseImage string, netCfg NetworkConfig) (*VM, error) {
	netCfg.applyDefaults()

	privPEM, authKey, err := sshexec.GenerateKeyPair(name)
	if err != nil {
		return nil, err
	}

	disk, err := imagestore.Clone(baseImage, filepath.Join(m.workDir, name+".qcow2"))
	if err != nil {
		return nil, err
	}

	xml, err := domainXML(name, disk.Path, netCfg)
	if err != nil {
		disk.Remove()
		return nil, err
	}

	dom, err := m.conn.DomainDefineXML(xml)
	if err != nil {
		disk.Remove()
		return nil, fmt.Errorf("%w: %s: %v", errDefineDomain, name, err)
	}

	slog.Info("defined VM", "name", name, "disk", disk.Path)
	return &VM{
		name:          name,
		mgr:           m,
		dom:           dom,
		disk:          disk,
		netCfg:        netCfg,
		privateKeyPEM: privPEM,
		authorizedKey: authKey,
		state:         StateDefined,
	}, nil
}

func (v *VM) Name() string { return v.name }

// AuthorizedKey is the public half of the VM's generated key pair, in
// authorized_keys form, for inclusion in its cloud-config.
func (v *VM) AuthorizedKey() string {
	return strings.TrimSpace(string(v.authorizedKey))
}

// State reports the harness-side lifecycle state.
func (v *VM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// SetCloudConfig attaches a first-boot configuration for injection at first
// boot. Valid only while the VM is Defined.
func (v *VM) SetCloudConfig(cfg cloudinit.Config) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateDefined {
		return fmt.Errorf("%w: cannot set cloud-config in state %q", ErrState, v.state)
	}

	iso, err := cloudinit.WriteSeedISO(cfg, v.mgr.workDir)
	if err != nil {
		return err
	}

	if err := v.attachSeedISO(iso); err != nil {
		return err
	}
	v.seed = iso

	slog.Debug("attached cloud-config seed", "name", v.name, "iso", iso)
	return nil
}

// Start powers the guest on. A no-op when already Running.
func (v *VM) Start() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case StateRunning:
		return nil
	case StateDefined, StateStopped:
	default:
		return fmt.Errorf("%w: cannot start in state %q", ErrState, v.state)
	}

	if err := v.dom.Create(); err != nil {
		return fmt.Errorf("%w: %s: %v", errStartDomain, v.name, err)
	}
	v.state = StateRunning
	slog.Info("started VM", "name", v.name)
	return nil
}

// Shutdown requests a graceful (ACPI) guest shutdown and waits for the
// power-off. On deadline the guest is forced off and ErrTimeout returned.
func (v *VM) Shutdown(timeout time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateRunning {
		return fmt.Errorf("%w: cannot shut down in state %q", ErrState, v.state)
	}

	if err := v.dom.Shutdown(); err != nil {
		return fmt.Errorf("shutting down %s: %w", v.name, err)
	}

	if err := v.waitState(libvirt.DOMAIN_SHUTOFF, timeout); err != nil {
		slog.Warn("graceful shutdown timed out, forcing off", "name", v.name)
		if derr := v.dom.Destroy(); derr != nil {
			return errors.Join(err, fmt.Errorf("forcing off %s: %w", v.name, derr))
		}
		v.state = StateStopped
		return err
	}

	v.state = StateStopped
	slog.Info("stopped VM", "name", v.name)
	return nil
}

// Undefine tears the VM down: best-effort power-off, domain removal
// including snapshot metadata, disk clone and seed ISO release. Terminal.
// Undefining twice is a no-op.
func (v *VM) Undefine() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == StateUndefined {
		return nil
	}

	// Force off first; a running domain cannot be undefined.
	if err := v.dom.Destroy(); err != nil {
		slog.Debug("destroy before undefine", "name", v.name, "err", err.Error())
	}

	var errs []error
	if err := v.dom.UndefineFlags(libvirt.DOMAIN_UNDEFINE_SNAPSHOTS_METADATA); err != nil {
		errs = append(errs, fmt.Errorf("undefining %s: %w", v.name, err))
	}
	if err := v.disk.Remove(); err != nil {
		errs = append(errs, err)
	}
	if v.seed != "" {
		if err := removeFile(v.seed); err != nil {
			errs = append(errs, err)
		}
	}
	if err := v.dom.Free(); err != nil {
		slog.Debug("freeing domain handle", "name", v.name, "err", err.Error())
	}

	v.state = StateUndefined
	slog.Info("undefined VM", "name", v.name)
	return errors.Join(errs...)
}

// IPAddress polls the network lease until the guest's IPv4 address on the
// SSH-reachable network is known.
func (v *VM) IPAddress(timeout time.Duration) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateRunning {
		return "", fmt.Errorf("%w: no IP address in state %q", ErrState, v.state)
	}
	return v.leasedIP(timeout)
}

// Shell returns a remote shell bound to this VM's address and generated
// key pair. The shell references the VM, it does not own it.
func (v *VM) Shell(timeout time.Duration) (*sshexec.Client, error) {
	ip, err := v.IPAddress(timeout)
	if err != nil {
		return nil, err
	}
	return sshexec.NewClient(ip, v.netCfg.SSHPort, v.netCfg.SSHUser, v.privateKeyPEM)
}
