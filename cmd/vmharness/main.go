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

// vmharness is the operator's entry point to the VM test harness: sanity
// checks of the local virtualization stack, a one-shot smoke test against
// the base image, and cleanup of leftover guests.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/virtlab/vmharness/internal/util/logging"
	"github.com/virtlab/vmharness/pkg/harness"
)

func main() {
	var dev bool

	root := &cobra.Command{
		Use:           "vmharness",
		Short:         "Run and clean up ephemeral libvirt test guests",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if dev {
				logging.SetupDevelopment()
			} else {
				logging.SetupDefault()
			}
		},
	}
	root.PersistentFlags().BoolVar(&dev, "dev", false, "human-readable debug logging")

	root.AddCommand(newCheckCmd(), newSmokeCmd(), newPurgeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) harness.Config {
	cfg := harness.ConfigFromEnv()
	if v, _ := cmd.Flags().GetString("base-image"); v != "" {
		cfg.BaseImage = v
	}
	if v, _ := cmd.Flags().GetString("workdir"); v != "" {
		cfg.WorkDir = v
	}
	if v, _ := cmd.Flags().GetString("libvirt-uri"); v != "" {
		cfg.LibvirtURI = v
	}
	return cfg
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("base-image", "", "base image to clone guests from (default $VMHARNESS_BASE_IMAGE)")
	cmd.Flags().String("workdir", "", "directory for disk clones and seed ISOs (default $VMHARNESS_WORKDIR)")
	cmd.Flags().String("libvirt-uri", "", "libvirt connection URI (default $VMHARNESS_LIBVIRT_URI)")
}
