package cloudinit

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

var (
	errCreateSeedDir  = errors.New("failed to create seed config directory")
	errWriteUserData  = errors.New("failed to write user-data file")
	errWriteMetaData  = errors.New("failed to write meta-data file")
	errCreateSeedISO  = errors.New("failed to create seed ISO with xorriso")
)

// WriteSeedISO renders cfg into a nocloud seed ISO (volume label "cidata")
// under dir and returns its path. The caller owns the file.
func WriteSeedISO(cfg Config, dir string) (string, error) {
	user, err := cfg.UserData()
	if err != nil {
		return "", err
	}

	isoPath := filepath.Join(dir, fmt.Sprintf("%s-seed.iso", cfg.InstanceID))

	seedDir := filepath.Join(dir, fmt.Sprintf("%s-seed-config", cfg.InstanceID))
	if err := os.MkdirAll(seedDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", errCreateSeedDir, err)
	}
	defer os.RemoveAll(seedDir)

	if err := os.WriteFile(filepath.Join(seedDir, "user-data"), []byte(user), 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", errWriteUserData, err)
	}
	if err := os.WriteFile(filepath.Join(seedDir, "meta-data"), []byte(cfg.MetaData()), 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", errWriteMetaData, err)
	}

	cmd := exec.Command(
		"xorriso",
		"-as", "mkisofs",
		"-o", isoPath,
		"-V", "cidata",
		"-J", "-R",
		seedDir,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%w: %v: output: %s", errCreateSeedISO, err, output)
	}
	return isoPath, nil
}
