package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexora/kit/auth"
)

// NewTokenCmd creates the token command.
func NewTokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--subject is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			key, err := signingKey(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("signing key: %w", err)
			}
			if len(roles) == 0 {
				roles = []string{cfg.Admin.JWT.Role}
			}
			if ttl <= 0 {
				ttl = cfg.Admin.JWT.TokenTTL
			}

			issuer, err := auth.NewTokenIssuer(jwtConfig(cfg), key)
			if err != nil {
				return err
			}
			token, err := issuer.IssueToken(subject, roles, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Principal the token is issued to")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to grant (repeatable, default admin.jwt.role)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default admin.jwt.token-ttl)")
	return cmd
}
