package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/virtlab/vmharness/pkg/harness"
)

// newSmokeCmd boots one guest from the base image, runs a command over SSH
// and tears everything down. It is the fastest way to tell whether an image
// will survive the full test suite.
func newSmokeCmd() *cobra.Command {
	var (
		command string
		keep    bool
	)

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Boot one guest, run a command, tear down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig(cmd)

			suite, err := harness.NewSuite(cfg)
			if err != nil {
				return err
			}
			if !keep {
				defer func() {
					if err := suite.Teardown(); err != nil {
						fmt.Fprintf(os.Stderr, "Warning: teardown: %v\n", err)
					}
				}()
			}

			name := "vmh-smoke-" + uuid.NewString()[:8]
			if _, err := suite.AddVM(harness.VMSpec{Name: name}); err != nil {
				return err
			}
			if err := suite.Provision(); err != nil {
				return err
			}

			shell, err := suite.Shell(name)
			if err != nil {
				return err
			}
			res, err := shell.Run(command)
			if err != nil {
				return fmt.Errorf("running %q on %s: %w", command, name, err)
			}

			fmt.Print(res.Stdout)
			if keep {
				fmt.Fprintf(os.Stderr, "Guest %s kept running; clean up with: vmharness purge\n", name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "systemctl is-system-running --wait", "command to run on the guest")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the guest running for inspection")
	addConfigFlags(cmd)
	return cmd
}
