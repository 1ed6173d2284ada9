package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers by tier",
	Long:  "Prints the provider roster the router would use with the current configuration: tier, per-call cost, remaining credits, and supported task types.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initResolver(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "providers: init engine")
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(providerListing(env))
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
