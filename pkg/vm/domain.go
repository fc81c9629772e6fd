package vm

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

const (
	defaultMemoryMB = 2048
	defaultVCPUs    = 2
)

var errMarshalDomainXML = errors.New("failed to marshal domain XML")

// domainXML builds the libvirt domain definition for a test guest: virtio
// disk on the clone, NAT interface for SSH plus an optional private-segment
// interface, serial console, guest-agent channel and an entropy source.
func domainXML(name, diskPath string, netCfg NetworkConfig) (string, error) {
	interfaces := []libvirtxml.DomainInterface{
		{
			Source: &libvirtxml.DomainInterfaceSource{
				Network: &libvirtxml.DomainInterfaceSourceNetwork{
					Network: netCfg.Network,
				},
			},
			Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
		},
	}
	if netCfg.PrivateNetwork != "" {
		interfaces = append(interfaces, libvirtxml.DomainInterface{
			MAC: &libvirtxml.DomainInterfaceMAC{Address: netCfg.PrivateMAC},
			Source: &libvirtxml.DomainInterfaceSource{
				Network: &libvirtxml.DomainInterfaceSourceNetwork{
					Network: netCfg.PrivateNetwork,
				},
			},
			Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
		})
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: name,
		Memory: &libvirtxml.DomainMemory{
			Value: defaultMemoryMB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{Value: defaultVCPUs},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "q35",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{{Dev: "hd"}},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU:   &libvirtxml.DomainCPU{Mode: "host-passthrough"},
		Clock: &libvirtxml.DomainClock{Offset: "utc"},
		// ACPI shutdown and reboot must leave the domain defined so
		// snapshots can be reverted afterwards.
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name:    "qemu",
						Type:    "qcow2",
						Discard: "unmap",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: diskPath},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
				},
			},
			Interfaces: interfaces,
			Consoles: []libvirtxml.DomainConsole{
				{
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: ptr(uint(0)),
					},
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
				},
			},
			Channels: []libvirtxml.DomainChannel{
				{
					Target: &libvirtxml.DomainChannelTarget{
						VirtIO: &libvirtxml.DomainChannelTargetVirtIO{
							Name: "org.qemu.guest_agent.0",
						},
					},
				},
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", errMarshalDomainXML, name, err)
	}
	return xml, nil
}

// attachSeedISO redefines the domain with the seed ISO attached as a
// read-only sata cdrom. Only called while the domain is inactive.
func (v *VM) attachSeedISO(isoPath string) error {
	current, err := v.dom.GetXMLDesc(libvirt.DOMAIN_XML_INACTIVE)
	if err != nil {
		return fmt.Errorf("reading domain XML for %s: %w", v.name, err)
	}

	var domain libvirtxml.Domain
	if err := domain.Unmarshal(current); err != nil {
		return fmt.Errorf("parsing domain XML for %s: %w", v.name, err)
	}

	domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
		Device: "cdrom",
		Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: isoPath},
		},
		Target:   &libvirtxml.DomainDiskTarget{Dev: "sdb", Bus: "sata"},
		ReadOnly: &libvirtxml.DomainDiskReadOnly{},
	})

	xml, err := domain.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errMarshalDomainXML, v.name, err)
	}

	dom, err := v.mgr.conn.DomainDefineXML(xml)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errDefineDomain, v.name, err)
	}

	_ = v.dom.Free()
	v.dom = dom
	return nil
}

// RandomMAC returns a random MAC in the QEMU/KVM locally administered
// range.
func RandomMAC() string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", b[0], b[1], b[2])
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
