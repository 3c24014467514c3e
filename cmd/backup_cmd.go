package cmd

import (
	"github.com/spf13/cobra"
)

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Copy the snapshot to every configured bucket (default)",
		Args:  cobra.NoArgs,
		RunE:  runBackup,
	}
}

func runBackup(cmd *cobra.Command, _ []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	// outcomes are already logged and reported by the manager
	_, err = s.manager.Backup(cmd.Context())
	return err
}
