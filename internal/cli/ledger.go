package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/stormcloud/internal/store"
)

func newLedgerCmd() *cobra.Command {
	var email string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List accepted transformations of an account, newest first",
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
			entries, err := a.repo.ListLedgerEntries(cmd.Context(), accountID, limit)
			if err != nil {
				return fmt.Errorf("list ledger: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "no ledger entries")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tPROVIDER\tCOST\tPROMPT")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%.4f\t%s\n",
					e.CreatedAt.UTC().Format(time.RFC3339), e.Provider, e.Cost, truncate(e.Prompt, 48))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultLedgerLimit, "Maximum entries to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
