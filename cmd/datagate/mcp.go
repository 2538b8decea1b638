package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/datagate/internal/config"
	"github.com/jkaninda/datagate/internal/domain"
	"github.com/jkaninda/datagate/internal/mcpserver"
)

var (
	mcpConfigPath string
	mcpPrincipal  string
	mcpRole       string
	mcpName       string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the ask_data tool over MCP stdio as a fixed principal",
	Long: `Run an MCP server on stdin/stdout. Every question is answered as the given
principal and role, with the same screening and authorization as the HTTP API.
Logs are written to stderr.

Example:
  datagate mcp --principal org-1 --role organizer`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	mcpCmd.Flags().StringVar(&mcpPrincipal, "principal", "", "principal ID the tools act as (required)")
	mcpCmd.Flags().StringVar(&mcpRole, "role", "", "role of the principal: admin, organizer or participant (required)")
	mcpCmd.Flags().StringVar(&mcpName, "name", "", "display name of the principal")

	_ = mcpCmd.MarkFlagRequired("principal")
	_ = mcpCmd.MarkFlagRequired("role")
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(goutils.Env("DATAGATE_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	principal := domain.Principal{
		ID:          mcpPrincipal,
		Role:        domain.ParseRole(mcpRole),
		DisplayName: mcpName,
	}
	srv, err := mcpserver.New(sc.Service, principal, version, logger)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
