package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/datagate/internal/query"
)

var schemaConfigPath string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the schema description given to the model",
	RunE: func(_ *cobra.Command, _ []string) error {
		policy, err := loadPolicy(schemaConfigPath)
		if err != nil {
			return err
		}
		fmt.Print(query.Describe(policy))
		return nil
	},
}

func init() {
	schemaCmd.Flags().StringVar(&schemaConfigPath, "config", "", "config file with policy overrides (optional)")
}
