package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexora/kit/resilience"
)

// NewValidateCmd creates the validate command.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file without applying it",
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateCatalog(errorCatalog()); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	out := cmd.OutOrStdout()
	source := configPath
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Fprintf(out, "Config: %s\n", source)

	defaults, err := cfg.Resilience.DefaultPolicies(errorCatalog())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  defaults: %s\n", policyKinds(defaults))

	for _, op := range cfg.Resilience.ExplicitOperations() {
		cfgs, err := cfg.Resilience.OperationPolicies(op, errorCatalog())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s: %s\n", op, policyKinds(cfgs))
	}
	fmt.Fprintln(out, "OK")
	return nil
}

func policyKinds(cfgs []resilience.PolicyConfig) string {
	if len(cfgs) == 0 {
		return "none"
	}
	kinds := make([]string, len(cfgs))
	for i, cfg := range cfgs {
		kinds[i] = string(cfg.Kind())
	}
	return strings.Join(kinds, ", ")
}
