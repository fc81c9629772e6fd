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

package vm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

var errCreateSnapshot = errors.New("failed to create snapshot")

// Snapshot is a restore point on exactly one VM, capturing disk and power
// state as of creation. Reverting restores both and consumes the snapshot.
type Snapshot struct {
	vm   *VM
	name string
	snap *libvirt.DomainSnapshot
}

// Snapshot captures the VM's current disk and power state. Valid while
// Running or Stopped. For a running guest this is a full system
// checkpoint, so the guest resumes running after a revert.
func (v *VM) Snapshot() (*Snapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateRunning && v.state != StateStopped {
		return nil, fmt.Errorf("%w: cannot snapshot in state %q", ErrState, v.state)
	}

	name := fmt.Sprintf("%s-snap-%s", v.name, uuid.NewString()[:8])
	xml, err := snapshotXML(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errCreateSnapshot, v.name, err)
	}

	snap, err := v.dom.CreateSnapshotXML(xml, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errCreateSnapshot, v.name, err)
	}

	slog.Debug("created snapshot", "vm", v.name, "snapshot", name)
	return &Snapshot{vm: v, name: name, snap: snap}, nil
}

func snapshotXML(name string) (string, error) {
	return (&libvirtxml.DomainSnapshot{Name: name}).Marshal()
}

// Name returns the snapshot's libvirt name.
func (s *Snapshot) Name() string { return s.name }

// Revert restores the owning VM to the captured disk and power state and
// deletes the snapshot. Fails with ErrState if the VM has been undefined
// since capture.
func (s *Snapshot) Revert() error {
	v := s.vm
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == StateUndefined {
		return fmt.Errorf("%w: cannot revert snapshot %s, VM %s is undefined", ErrState, s.name, v.name)
	}

	if err := s.snap.RevertToSnapshot(0); err != nil {
		return fmt.Errorf("reverting %s to snapshot %s: %w", v.name, s.name, err)
	}
	if err := s.snap.Delete(0); err != nil {
		return fmt.Errorf("deleting snapshot %s of %s: %w", s.name, v.name, err)
	}
	_ = s.snap.Free()

	// The revert also restored the power state of capture time.
	state, _, err := v.dom.GetState()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errGetDomainState, v.name, err)
	}
	if state == libvirt.DOMAIN_RUNNING {
		v.state = StateRunning
	} else {
		v.state = StateStopped
	}

	slog.Debug("reverted snapshot", "vm", v.name, "snapshot", s.name, "state", v.state)
	return nil
}

// Scoped runs fn and reverts the snapshot on every exit path, so a test
// can mutate guest state temporarily and have it restored even when an
// assertion inside the scope fails.
func (s *Snapshot) Scoped(fn func() error) error {
	fnErr := fn()
	if err := s.Revert(); err != nil {
		return errors.Join(fnErr, err)
	}
	return fnErr
}
