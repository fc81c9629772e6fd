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

// Package harness orchestrates a fleet of ephemeral VMs for one test suite:
// expensive setup (clone, boot, cloud-init) happens once, and each test runs
// inside a snapshot/revert bracket so guests start from identical state.
package harness

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/virtlab/vmharness/pkg/cloudinit"
	"github.com/virtlab/vmharness/pkg/network"
	"github.com/virtlab/vmharness/pkg/sshexec"
	"github.com/virtlab/vmharness/pkg/vm"
)

var (
	// ErrUnknownVM indicates a name that was never added to the suite.
	ErrUnknownVM = errors.New("no such VM in suite")

	// ErrDuplicateVM indicates two AddVM calls with the same name.
	ErrDuplicateVM = errors.New("duplicate VM name in suite")

	// ErrNotProvisioned indicates an operation that needs a booted,
	// reachable guest before Provision completed.
	ErrNotProvisioned = errors.New("suite not provisioned")

	// ErrUnreachable indicates a guest could not reach a peer on the
	// suite's private segment.
	ErrUnreachable = errors.New("peer unreachable on private segment")
)

// VMSpec describes one guest of the suite.
type VMSpec struct {
	Name string

	// BaseImage overrides the suite-wide base image for this guest.
	BaseImage string

	// PrivateIP, when set, attaches the guest to the suite's private
	// segment and self-assigns this address at first boot.
	PrivateIP string

	// Password optionally enables password login next to the generated
	// key pair, for console debugging.
	Password string

	// FirstBootCommands are appended to the guest's first-boot command
	// list, after the private addressing commands.
	FirstBootCommands []string
}

// guest pairs a machine with its provisioned shell and, during a test, its
// restore point.
type guest struct {
	name      string
	machine   Machine
	shell     sshexec.Runner
	privateIP string
	snap      Restorer
}

// Suite owns the guests, the private segment and the libvirt connection for
// one test suite. Create with NewSuite, release with Teardown.
type Suite struct {
	cfg      Config
	mgr      *vm.Manager
	networks *network.Manager

	guests       []*guest
	privateNetUp bool
	setupDone    map[string]bool
}

// NewSuite connects to libvirt and prepares an empty suite.
func NewSuite(cfg Config) (*Suite, error) {
	mgr, err := vm.NewManager(cfg.LibvirtURI, cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	return &Suite{
		cfg:       cfg,
		mgr:       mgr,
		networks:  network.NewManager(mgr.Conn()),
		setupDone: map[string]bool{},
	}, nil
}

// AddVM clones, configures and registers one guest. The guest is left in
// the defined state; Provision boots it. Call before Provision.
func (s *Suite) AddVM(spec VMSpec) (*vm.VM, error) {
	if s.find(spec.Name) != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateVM, spec.Name)
	}

	netCfg := vm.NetworkConfig{}
	if spec.PrivateIP != "" {
		if err := s.ensurePrivateNetwork(); err != nil {
			return nil, err
		}
		netCfg.PrivateNetwork = s.cfg.PrivateNetwork
	}

	baseImage := spec.BaseImage
	if baseImage == "" {
		baseImage = s.cfg.BaseImage
	}

	machine, err := s.mgr.Create(spec.Name, baseImage, netCfg)
	if err != nil {
		return nil, err
	}

	if err := machine.SetCloudConfig(cloudConfigFor(spec, machine.AuthorizedKey())); err != nil {
		_ = machine.Undefine()
		return nil, err
	}

	s.guests = append(s.guests, &guest{
		name:      spec.Name,
		machine:   libvirtMachine{machine},
		privateIP: spec.PrivateIP,
	})
	slog.Info("added VM to suite", "name", spec.Name, "privateIP", spec.PrivateIP)
	return machine, nil
}

// Provision boots every guest in parallel and waits until each accepts an
// SSH login. Guests are left running.
func (s *Suite) Provision() error {
	g := errgroup.Group{}
	for _, gst := range s.guests {
		g.Go(func() error {
			if err := gst.machine.Start(); err != nil {
				return err
			}
			shell, err := gst.machine.Shell(s.cfg.SSHTimeout)
			if err != nil {
				return err
			}
			if err := shell.WaitReachable(s.cfg.BootTimeout); err != nil {
				return fmt.Errorf("provisioning %s: %w", gst.name, err)
			}
			gst.shell = shell
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("suite provisioned", "vms", len(s.guests))
	return nil
}

// BeginTest brackets the start of one test: every guest gets a restore
// point and is started if stopped. Pair with EndTest.
func (s *Suite) BeginTest() error {
	for _, gst := range s.guests {
		snap, err := gst.machine.Snapshot()
		if err != nil {
			return fmt.Errorf("snapshotting %s: %w", gst.name, err)
		}
		gst.snap = snap
		if err := gst.machine.Start(); err != nil {
			return err
		}
	}
	return nil
}

// EndTest reverts every guest to the restore point taken by BeginTest,
// discarding all state the test produced. Every revert is attempted.
func (s *Suite) EndTest() error {
	var errs []error
	for _, gst := range s.guests {
		if gst.snap == nil {
			continue
		}
		if err := gst.snap.Revert(); err != nil {
			errs = append(errs, fmt.Errorf("reverting %s: %w", gst.name, err))
		}
		gst.snap = nil
	}
	return errors.Join(errs...)
}

// Shell returns the provisioned shell of the named guest.
func (s *Suite) Shell(name string) (sshexec.Runner, error) {
	gst := s.find(name)
	if gst == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVM, name)
	}
	if gst.shell == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotProvisioned, name)
	}
	return gst.shell, nil
}

// VerifyReachability pings every private-segment peer from every guest and
// fails on the first unreachable pair.
func (s *Suite) VerifyReachability() error {
	for _, from := range s.guests {
		if from.privateIP == "" {
			continue
		}
		if from.shell == nil {
			return fmt.Errorf("%w: %s", ErrNotProvisioned, from.name)
		}
		for _, to := range s.guests {
			if to == from || to.privateIP == "" {
				continue
			}
			res, err := from.shell.Run("ping -c 1 -W 2 " + to.privateIP)
			if err != nil {
				return fmt.Errorf("%w: %s -> %s (%s): %v",
					ErrUnreachable, from.name, to.name, to.privateIP, err)
			}
			if res.Status != 0 {
				return fmt.Errorf("%w: %s -> %s (%s): ping status %d",
					ErrUnreachable, from.name, to.name, to.privateIP, res.Status)
			}
		}
	}
	return nil
}

// OneTimeSetup runs fn at most once per suite under the given name.
// Subsequent calls with the same name are no-ops. A failing fn is not
// cached and will run again.
func (s *Suite) OneTimeSetup(name string, fn func() error) error {
	if s.setupDone[name] {
		return nil
	}
	if err := fn(); err != nil {
		return fmt.Errorf("one-time setup %q: %w", name, err)
	}
	s.setupDone[name] = true
	return nil
}

// Teardown releases everything the suite owns: guests, the private segment
// and the libvirt connection. Best effort; all failures are aggregated.
func (s *Suite) Teardown() error {
	var errs []error
	for _, gst := range s.guests {
		if err := gst.machine.Undefine(); err != nil {
			errs = append(errs, fmt.Errorf("tearing down %s: %w", gst.name, err))
		}
	}
	if s.privateNetUp {
		if err := s.networks.Delete(s.cfg.PrivateNetwork); err != nil {
			errs = append(errs, err)
		}
		s.privateNetUp = false
	}
	if s.mgr != nil {
		if err := s.mgr.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Suite) find(name string) *guest {
	for _, gst := range s.guests {
		if gst.name == name {
			return gst
		}
	}
	return nil
}

func (s *Suite) ensurePrivateNetwork() error {
	if s.privateNetUp {
		return nil
	}
	if err := s.networks.EnsurePrivate(network.PrivateConfig{Name: s.cfg.PrivateNetwork}); err != nil {
		return err
	}
	s.privateNetUp = true
	return nil
}

// cloudConfigFor assembles the first-boot configuration of one guest: the
// generated key, the optional password, private-segment addressing before
// any caller-supplied commands.
func cloudConfigFor(spec VMSpec, authorizedKey string) cloudinit.Config {
	cfg := cloudinit.NewConfig(spec.Name, []string{authorizedKey})
	cfg.Password = spec.Password
	if spec.PrivateIP != "" {
		cfg.RunCommands = append(cfg.RunCommands, privateAddressCommand(spec.PrivateIP))
	}
	cfg.RunCommands = append(cfg.RunCommands, spec.FirstBootCommands...)
	return cfg
}

// privateAddressCommand self-assigns the guest's address on the private
// segment at first boot. The segment runs no DHCP.
func privateAddressCommand(ip string) string {
	return fmt.Sprintf(
		"nmcli connection add con-name private ifname eth1 autoconnect yes type ethernet ip4 %s/24 && nmcli connection up private",
		ip,
	)
}
