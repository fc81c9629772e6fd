package harness

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config carries the suite-wide settings. Values come from the environment
// via ConfigFromEnv; tests may construct a Config directly.
type Config struct {
	// BaseImage is the read-only image every guest is cloned from.
	BaseImage string
	// WorkDir owns per-suite artifacts: disk clones and seed ISOs.
	WorkDir string
	// LibvirtURI selects the hypervisor. Empty means qemu:///system.
	LibvirtURI string
	// PrivateNetwork names the isolated segment shared by the suite's
	// guests. It is only created when a VM asks for a private address.
	PrivateNetwork string

	// BootTimeout bounds the wait for a guest's first SSH login after
	// power-on; cloud-init runs within this budget.
	BootTimeout time.Duration
	// SSHTimeout bounds address discovery and later reachability waits.
	SSHTimeout time.Duration
}

// ConfigFromEnv reads the suite configuration from VMHARNESS_* environment
// variables, falling back to defaults suitable for a local qemu:///system.
func ConfigFromEnv() Config {
	v := viper.New()
	v.SetEnvPrefix("VMHARNESS")
	v.AutomaticEnv()

	v.SetDefault("base_image", "guest-appliance.qcow2")
	v.SetDefault("workdir", os.TempDir())
	v.SetDefault("libvirt_uri", "")
	v.SetDefault("network", "vmharness-priv")
	v.SetDefault("boot_timeout", 5*time.Minute)
	v.SetDefault("ssh_timeout", 2*time.Minute)

	return Config{
		BaseImage:      v.GetString("base_image"),
		WorkDir:        v.GetString("workdir"),
		LibvirtURI:     v.GetString("libvirt_uri"),
		PrivateNetwork: v.GetString("network"),
		BootTimeout:    v.GetDuration("boot_timeout"),
		SSHTimeout:     v.GetDuration("ssh_timeout"),
	}
}
