package cloudinit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserDataKeyBased(t *testing.T) {
	cfg := Config{
		InstanceID:     "node-ci",
		AuthorizedKeys: []string{"ssh-ed25519 AAAA... test@host"},
		RunCommands: []string{
			"ip link set dev eth1 up",
			"ip addr add 10.11.12.77/24 dev eth1",
		},
	}

	out, err := cfg.UserData()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "#cloud-config\n"))
	assert.Contains(t, out, "disable_root: false")
	assert.Contains(t, out, "ssh-ed25519 AAAA... test@host")
	assert.Contains(t, out, "runcmd:")
	assert.Contains(t, out, "ip link set dev eth1 up")
	assert.Contains(t, out, "ip addr add 10.11.12.77/24 dev eth1")
	// runcmd entries keep their order; addressing depends on the link
	// being up first.
	assert.Less(t,
		strings.Index(out, "ip link set dev eth1 up"),
		strings.Index(out, "ip addr add 10.11.12.77/24 dev eth1"),
	)
	assert.NotContains(t, out, "ssh_pwauth")
}

func TestUserDataPasswordEnablesPwAuth(t *testing.T) {
	cfg := Config{InstanceID: "node-ci", Password: "77"}

	out, err := cfg.UserData()
	require.NoError(t, err)

	assert.Contains(t, out, "ssh_pwauth: true")
	assert.Contains(t, out, "root:77")
}

func TestUserDataDeterministic(t *testing.T) {
	cfg := Config{
		InstanceID:     "node-ci",
		AuthorizedKeys: []string{"ssh-ed25519 AAAA"},
	}

	a, err := cfg.UserData()
	require.NoError(t, err)
	b, err := cfg.UserData()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestUserDataRejectsUnreachableGuest(t *testing.T) {
	cfg := Config{InstanceID: "node-ci"}

	_, err := cfg.UserData()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestValidateRejectsEmptyKey(t *testing.T) {
	cfg := Config{InstanceID: "node-ci", AuthorizedKeys: []string{""}}
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func TestNewConfigGeneratesInstanceID(t *testing.T) {
	a := NewConfig("node", []string{"k"})
	b := NewConfig("node", []string{"k"})

	assert.True(t, strings.HasPrefix(a.InstanceID, "node-"))
	assert.NotEqual(t, a.InstanceID, b.InstanceID)
}

func TestMetaData(t *testing.T) {
	cfg := Config{InstanceID: "engine-ci"}
	meta := cfg.MetaData()

	assert.Contains(t, meta, "instance-id: engine-ci")
	assert.Contains(t, meta, "local-hostname: engine-ci")
}
