package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSeedAdminCmd() *cobra.Command {
	var email string
	var password string

	cmd := &cobra.Command{
		Use:   "seed-admin",
		Short: "Create the admin account if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if email == "" {
				email = a.cfg.AdminEmail
			}
			if password == "" {
				password = a.cfg.AdminPassword
			}
			if password == "" {
				return fmt.Errorf("admin password is required (--password or ADMIN_PASSWORD)")
			}

			account, err := a.accounts.SeedAdmin(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admin: %s (%s) tier=%s\n", account.Email, account.ID, account.Tier)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Admin email (default: ADMIN_EMAIL)")
	cmd.Flags().StringVar(&password, "password", "", "Admin password (default: ADMIN_PASSWORD)")

	return cmd
}
