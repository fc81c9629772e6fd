package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"libvirt.org/go/libvirt"

	"github.com/virtlab/vmharness/pkg/network"
	"github.com/virtlab/vmharness/pkg/vm"
)

// newPurgeCmd removes guests left behind by interrupted suites: every
// domain whose name carries the harness prefix is forced off and
// undefined, and the suite's private network is deleted.
func newPurgeCmd() *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove leftover harness guests and networks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig(cmd)

			mgr, err := vm.NewManager(cfg.LibvirtURI, cfg.WorkDir)
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close() }()

			domains, err := mgr.Conn().ListAllDomains(0)
			if err != nil {
				return fmt.Errorf("listing domains: %w", err)
			}

			var errs []error
			for i := range domains {
				dom := &domains[i]
				name, err := dom.GetName()
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if !strings.HasPrefix(name, prefix) {
					_ = dom.Free()
					continue
				}

				// A running domain cannot be undefined.
				_ = dom.Destroy()
				if err := dom.UndefineFlags(libvirt.DOMAIN_UNDEFINE_SNAPSHOTS_METADATA); err != nil {
					errs = append(errs, fmt.Errorf("undefining %s: %w", name, err))
				} else {
					fmt.Printf("purged %s\n", name)
				}
				_ = dom.Free()
			}

			if err := network.NewManager(mgr.Conn()).Delete(cfg.PrivateNetwork); err != nil {
				errs = append(errs, err)
			}

			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "vmh-", "purge domains whose name starts with this prefix")
	addConfigFlags(cmd)
	return cmd
}
