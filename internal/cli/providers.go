package cli

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ashureev/stormcloud/internal/config"
	"github.com/ashureev/stormcloud/internal/provider"
)

func newProvidersCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List the provider rotation and whether each secret is set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := config.LoadProviders(file)
			if err != nil {
				return fmt.Errorf("load providers: %w", err)
			}
			reg, err := provider.BuildRegistry(entries, provider.EnvSecrets, http.DefaultClient)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNETWORK\tSECRET\tCONFIGURED\tFALLBACK")
			for _, info := range reg.List() {
				secret := info.SecretSource
				if secret == "" {
					secret = "-"
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%t\t%t\n",
					info.ID, info.RequiresNetwork, secret, info.Configured, info.Fallback)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&file, "file", os.Getenv("PROVIDERS_FILE"), "Providers YAML file (default: built-in rotation)")

	return cmd
}
