package harness

import (
	"time"

	"github.com/virtlab/vmharness/pkg/sshexec"
	"github.com/virtlab/vmharness/pkg/vm"
)

// Machine is the slice of the VM surface the orchestrator drives. The
// interface exists so suite logic is testable without a hypervisor.
type Machine interface {
	Name() string
	Start() error
	Snapshot() (Restorer, error)
	Undefine() error
	Shell(timeout time.Duration) (sshexec.Runner, error)
}

// Restorer is a consumable restore point.
type Restorer interface {
	Revert() error
}

// libvirtMachine adapts *vm.VM to the Machine interface.
type libvirtMachine struct {
	*vm.VM
}

func (m libvirtMachine) Snapshot() (Restorer, error) {
	return m.VM.Snapshot()
}

func (m libvirtMachine) Shell(timeout time.Duration) (sshexec.Runner, error) {
	return m.VM.Shell(timeout)
}
