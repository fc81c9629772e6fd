package vm

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtlab/vmharness/pkg/cloudinit"
)

// guards are checked before any libvirt call, so invalid-state behavior is
// testable without a hypervisor.

func TestOperationsAfterUndefineFailWithStateError(t *testing.T) {
	v := &VM{name: "gone", state: StateUndefined}

	tests := []struct {
		name string
		op   func() error
	}{
		{"SetCloudConfig", func() error { return v.SetCloudConfig(cloudinit.Config{}) }},
		{"Start", func() error { return v.Start() }},
		{"Shutdown", func() error { return v.Shutdown(time.Second) }},
		{"Snapshot", func() error { _, err := v.Snapshot(); return err }},
		{"Post", func() error { return v.Post("/root/answers", "x") }},
		{"WaitEvent", func() error { return v.WaitEvent(EventPoweredOff, time.Second) }},
		{"IPAddress", func() error { _, err := v.IPAddress(time.Second); return err }},
		{"Shell", func() error { _, err := v.Shell(time.Second); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrState)
		})
	}
}

func TestUndefineIsIdempotent(t *testing.T) {
	v := &VM{name: "gone", state: StateUndefined}
	assert.NoError(t, v.Undefine())
	assert.Equal(t, StateUndefined, v.State())
}

func TestStartIdempotentWhenRunning(t *testing.T) {
	v := &VM{name: "up", state: StateRunning}
	// Must not touch libvirt at all: a second instance would be created
	// by dom.Create.
	assert.NoError(t, v.Start())
	assert.Equal(t, StateRunning, v.State())
}

func TestSetCloudConfigRejectedAfterStart(t *testing.T) {
	for _, state := range []State{StateRunning, StateStopped} {
		t.Run(string(state), func(t *testing.T) {
			v := &VM{name: "n", state: state}
			err := v.SetCloudConfig(cloudinit.Config{InstanceID: "n-ci"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrState)
		})
	}
}

func TestSnapshotRequiresRunningOrStopped(t *testing.T) {
	v := &VM{name: "n", state: StateDefined}
	_, err := v.Snapshot()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrState)
}

func TestShutdownRequiresRunning(t *testing.T) {
	for _, state := range []State{StateDefined, StateStopped} {
		t.Run(string(state), func(t *testing.T) {
			v := &VM{name: "n", state: state}
			err := v.Shutdown(time.Second)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrState)
		})
	}
}

func TestRevertAfterUndefineFails(t *testing.T) {
	s := &Snapshot{vm: &VM{name: "gone", state: StateUndefined}, name: "gone-snap-1"}
	err := s.Revert()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrState)
}

func TestScopedRevertsOnFailingBody(t *testing.T) {
	s := &Snapshot{vm: &VM{name: "gone", state: StateUndefined}, name: "gone-snap-1"}

	bodyErr := errors.New("assertion failed inside scope")
	err := s.Scoped(func() error { return bodyErr })

	// Both the body error and the revert outcome must surface.
	require.Error(t, err)
	assert.ErrorIs(t, err, bodyErr)
	assert.ErrorIs(t, err, ErrState)
}

func TestWaitEventUnknownKind(t *testing.T) {
	v := &VM{name: "n", state: StateStopped}
	err := v.WaitEvent(EventKind("resumed"), time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrState)
}

func TestNetworkConfigDefaults(t *testing.T) {
	cfg := NetworkConfig{}
	cfg.applyDefaults()

	assert.Equal(t, "default", cfg.Network)
	assert.Equal(t, "22", cfg.SSHPort)
	assert.Equal(t, "root", cfg.SSHUser)
	assert.Empty(t, cfg.PrivateMAC, "no MAC without a private network")

	cfg = NetworkConfig{PrivateNetwork: "vmharness-priv"}
	cfg.applyDefaults()
	assert.NotEmpty(t, cfg.PrivateMAC)
}

func TestDomainXML(t *testing.T) {
	cfg := NetworkConfig{PrivateNetwork: "vmharness-priv", PrivateMAC: "52:54:00:aa:bb:cc"}
	cfg.applyDefaults()

	xml, err := domainXML("node", "/var/lib/vmharness/node.qcow2", cfg)
	require.NoError(t, err)

	assert.Contains(t, xml, "<name>node</name>")
	assert.Contains(t, xml, "/var/lib/vmharness/node.qcow2")
	assert.Contains(t, xml, "org.qemu.guest_agent.0")
	assert.Contains(t, xml, "52:54:00:aa:bb:cc")
	assert.Contains(t, xml, "vmharness-priv")
}

func TestDomainXMLSingleNetwork(t *testing.T) {
	cfg := NetworkConfig{}
	cfg.applyDefaults()

	xml, err := domainXML("solo", "/tmp/solo.qcow2", cfg)
	require.NoError(t, err)
	assert.Contains(t, xml, `network="default"`)
	assert.NotContains(t, xml, "mac address")
}

func TestSnapshotXML(t *testing.T) {
	xml, err := snapshotXML("node-snap-deadbeef")
	require.NoError(t, err)

	assert.Contains(t, xml, "<domainsnapshot")
	assert.Contains(t, xml, "<name>node-snap-deadbeef</name>")
}

func TestRandomMAC(t *testing.T) {
	a := RandomMAC()
	b := RandomMAC()

	hw, err := net.ParseMAC(a)
	require.NoError(t, err)
	assert.Len(t, hw, 6)
	assert.Equal(t, "52:54:00", a[:8])
	assert.NotEqual(t, a, b)
}
