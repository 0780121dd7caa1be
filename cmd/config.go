package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/cellmark/cellmark/config"
	"github.com/spf13/cobra"
)

// configCommands prints the computed configuration. Secrets are masked.
func configCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instance's computed configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Fetch()
			if err != nil {
				log.Fatalf("Error getting config: %v\n", err)
			}

			masked := *cfg
			masked.Server.SecretKey = mask(masked.Server.SecretKey)
			masked.Ledger.ApiKey = mask(masked.Ledger.ApiKey)
			masked.Submission.ApiKey = mask(masked.Submission.ApiKey)

			data, err := json.MarshalIndent(masked, "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
