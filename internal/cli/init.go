package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncweave/securecore/internal/permission"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the data directory and key store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(permission.Policy{})
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintln(cmd.OutOrStdout(), successMark("✓"), "key store ready at", a.Cfg.Keystore.Path)
			fmt.Fprintln(cmd.OutOrStdout(), successMark("✓"), "audit logs in", a.Cfg.Audit.Dir)
			return nil
		},
	}
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect the key store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored keys (metadata only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(permission.Policy{})
			if err != nil {
				return err
			}
			defer a.Close()

			keys, err := a.Keystore.List()
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "key store is empty")
				return nil
			}
			for _, k := range keys {
				alias := k.Alias
				if alias == "" {
					alias = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s  %-28s  %s\n",
					k.ID, k.Type, alias, k.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	})

	var newPassword string
	rotate := &cobra.Command{
		Use:   "rotate-master",
		Short: "Re-encrypt every stored key under a new master password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if newPassword == "" {
				return fmt.Errorf("--new-password is required")
			}
			a, err := openApp(permission.Policy{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Keystore.RotateMasterKey(newPassword); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMark("✓"), "master key rotated")
			return nil
		},
	}
	rotate.Flags().StringVar(&newPassword, "new-password", "", "replacement master password")
	cmd.AddCommand(rotate)

	return cmd
}
