package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/virtlab/vmharness/pkg/vm"
)

// newCheckCmd validates the local virtualization stack before any suite
// runs: hypervisor connectivity, the base image, and the host tools the
// harness shells out to.
func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the host can run the harness",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig(cmd)

			var errs []error

			mgr, err := vm.NewManager(cfg.LibvirtURI, cfg.WorkDir)
			if err != nil {
				errs = append(errs, err)
				fmt.Printf("libvirt        FAIL  %v\n", err)
			} else {
				fmt.Println("libvirt        ok")
				defer func() { _ = mgr.Close() }()
			}

			if _, err := os.Stat(cfg.BaseImage); err != nil {
				errs = append(errs, fmt.Errorf("base image %s: %w", cfg.BaseImage, err))
				fmt.Printf("base image     FAIL  %s not readable\n", cfg.BaseImage)
			} else {
				fmt.Printf("base image     ok    %s\n", cfg.BaseImage)
			}

			for _, tool := range []string{"qemu-img", "xorriso"} {
				if _, err := exec.LookPath(tool); err != nil {
					errs = append(errs, fmt.Errorf("%s not on PATH", tool))
					fmt.Printf("%-14s FAIL  not on PATH\n", tool)
				} else {
					fmt.Printf("%-14s ok\n", tool)
				}
			}

			return errors.Join(errs...)
		},
	}
	addConfigFlags(cmd)
	return cmd
}
