package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// PrepareLibvirtDir creates a work directory under parentDir that the
// hypervisor can use for disk clones and seed ISOs. t.TempDir() creates
// directories with 0700 permissions, which the qemu user cannot traverse,
// so ancestors are opened up to 0755 and ACLs are granted to the libvirt
// groups where possible.
func PrepareLibvirtDir(t *testing.T, parentDir, subdirName string) string {
	t.Helper()

	workDir := filepath.Join(parentDir, subdirName)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatalf("failed to create libvirt work directory %q: %v", workDir, err)
	}

	// qemu needs +x on every ancestor, not just the leaf.
	for dir := parentDir; ; dir = filepath.Dir(dir) {
		if err := os.Chmod(dir, 0o755); err != nil {
			t.Logf("warning: chmod %q: %v", dir, err)
		}
		if dir == "/tmp" || dir == "/" || filepath.Dir(dir) == dir {
			break
		}
	}

	for _, group := range detectLibvirtGroups() {
		grant := exec.Command("sudo", "setfacl", "-m", fmt.Sprintf("g:%s:rwx", group), workDir)
		if output, err := grant.CombinedOutput(); err != nil {
			t.Logf("warning: granting group %q access to %q: %v\n%s", group, workDir, err, output)
			continue
		}
		// Default ACL so artifacts created inside inherit the grant.
		inherit := exec.Command("sudo", "setfacl", "-d", "-m", fmt.Sprintf("g:%s:rwx", group), workDir)
		if output, err := inherit.CombinedOutput(); err != nil {
			t.Logf("warning: setting default ACL for group %q: %v\n%s", group, err, output)
		}
	}

	return workDir
}

// detectLibvirtGroups returns the groups the hypervisor may run guests as,
// from qemu.conf plus the common distro group names.
func detectLibvirtGroups() []string {
	seen := map[string]bool{}
	var groups []string

	if data, err := os.ReadFile("/etc/libvirt/qemu.conf"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "group = ") {
				continue
			}
			group := strings.Trim(strings.TrimPrefix(line, "group = "), "\"")
			if group != "" && !seen[group] {
				seen[group] = true
				groups = append(groups, group)
			}
		}
	}

	for _, group := range []string{"libvirt", "libvirt-qemu", "kvm", "qemu"} {
		if seen[group] {
			continue
		}
		if err := exec.Command("getent", "group", group).Run(); err == nil {
			seen[group] = true
			groups = append(groups, group)
		}
	}

	return groups
}
