// datagate: role-scoped natural-language access to hackathon platform data.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "datagate",
	Short: "datagate: ask questions about hackathon data, answered within your role's permissions.",
	Long: `datagate turns chat messages into structured data requests with an LLM,
rewrites every request so it only touches rows and columns the caller's role
may see, runs the authorized queries read-only and returns a narrated answer.`,
	RunE:          runServe, // Default to serve.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, askCmd, policyCmd, schemaCmd, mcpCmd, auditCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
