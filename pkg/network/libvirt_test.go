//go:build unit

package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsurePrivateValidation(t *testing.T) {
	tests := []struct {
		name        string
		mgr         *Manager
		cfg         PrivateConfig
		expectedErr error
	}{
		{
			name:        "nil connection",
			mgr:         NewManager(nil),
			cfg:         PrivateConfig{Name: "vmharness-priv"},
			expectedErr: ErrConnNil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mgr.EnsurePrivate(tt.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expectedErr)
		})
	}
}

func TestDeleteValidation(t *testing.T) {
	mgr := NewManager(nil)
	assert.ErrorIs(t, mgr.Delete("vmharness-priv"), ErrConnNil)
}

func TestPrivateNetworkXML(t *testing.T) {
	xml, err := privateNetworkXML(PrivateConfig{
		Name:    "vmharness-priv",
		Address: "10.11.12.1",
		Netmask: "255.255.255.0",
	})
	require.NoError(t, err)

	assert.Contains(t, xml, "<name>vmharness-priv</name>")
	assert.Contains(t, xml, "10.11.12.1")
	// Isolated mode: no forward element at all.
	assert.NotContains(t, xml, "<forward")
	// No DHCP range: guests address themselves statically.
	assert.NotContains(t, xml, "<dhcp")
}

func TestPrivateNetworkXMLDefaults(t *testing.T) {
	xml, err := privateNetworkXML(PrivateConfig{Name: "p"})
	require.NoError(t, err)
	assert.Contains(t, xml, "10.11.12.1")
	assert.Contains(t, xml, "255.255.255.0")
}
