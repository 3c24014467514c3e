package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kebairia/redis-backup/internal/operations"
)

func newInventoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inventory",
		Short: "List the stored backups of this host in every bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			listings, err := s.manager.Inventory(cmd.Context())
			if err != nil {
				return err
			}
			return operations.WriteInventory(cmd.OutOrStdout(), listings)
		},
	}
}
