package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/datagate/internal/config"
	"github.com/jkaninda/datagate/internal/domain"
	"github.com/jkaninda/datagate/internal/query"
	"github.com/jkaninda/datagate/internal/security"
)

var (
	policyConfigPath string
	policyRole       string
	policyPrincipal  string
	policyRequest    string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show how a data request is rewritten or denied for a role",
	Long: `Authorize a data request offline and print the rewritten request, or the
denial reason. Nothing is executed and no model is called.

Examples:
  datagate policy --role participant --request '{"table":"hackathons"}'
  datagate policy --role organizer --principal org-1 --request @request.json

Exit codes:
  0  authorized
  1  invalid input
  2  denied`,
	RunE: runPolicy,
}

func init() {
	policyCmd.Flags().StringVar(&policyConfigPath, "config", "", "config file with policy overrides (optional)")
	policyCmd.Flags().StringVar(&policyRole, "role", "", "caller role: admin, organizer or participant (required)")
	policyCmd.Flags().StringVar(&policyPrincipal, "principal", "cli-user", "caller principal ID")
	policyCmd.Flags().StringVar(&policyRequest, "request", "", "data request JSON, or @path to read it from a file (required)")

	_ = policyCmd.MarkFlagRequired("role")
	_ = policyCmd.MarkFlagRequired("request")
}

func runPolicy(_ *cobra.Command, _ []string) error {
	policy, err := loadPolicy(policyConfigPath)
	if err != nil {
		return err
	}

	raw := []byte(policyRequest)
	if path, ok := strings.CutPrefix(policyRequest, "@"); ok {
		if raw, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("reading request file: %w", err)
		}
	}
	req, err := query.ParseRequest(raw)
	if err != nil {
		return fmt.Errorf("parsing request: %w", err)
	}

	principal := domain.Principal{ID: policyPrincipal, Role: domain.ParseRole(policyRole)}
	authorized, err := query.NewAuthorizer(policy).Authorize(req, principal, security.Resolve(principal.Role))
	if err != nil {
		if errors.Is(err, security.ErrAuthorizationDenied) {
			fmt.Fprintf(os.Stderr, "denied: %v\n", err)
			os.Exit(ExitDenied)
		}
		return err
	}

	out, err := json.MarshalIndent(map[string]any{
		"scope":   authorized.Scope().String(),
		"request": authorized.Request(),
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// loadPolicy returns the built-in policy, with overrides from the config
// file when a path is given.
func loadPolicy(path string) (*query.Policy, error) {
	if path == "" {
		return query.DefaultPolicy(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return buildPolicy(cfg), nil
}
