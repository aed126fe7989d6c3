package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newUsageCmd() *cobra.Command {
	var email string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show the usage counters of an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			accountID, err := a.accountByEmail(cmd.Context(), email)
			if err != nil {
				return err
			}
			usage, err := a.repo.GetUsage(cmd.Context(), accountID)
			if err != nil {
				return fmt.Errorf("get usage: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(usage)
			}
			fmt.Fprintf(out, "account: %s (%s)\n", email, accountID)
			fmt.Fprintf(out, "ai_requests_used: %d\n", usage.AIRequestsUsed)
			fmt.Fprintf(out, "executions_used: %d\n", usage.ExecutionsUsed)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}
