package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// NewTokenCmd creates the 'token' command that issues API bearer tokens.
func NewTokenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Issue a signed API token",
		Long: `Issue an HS256 bearer token for SUBJECT using auth.jwt_secret. Requests
made with it are rate limited and audited as "user:SUBJECT".`,
		Example: `  diabetesai token clinic-42`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			resolver := newResolver(cfg.Auth)
			if !resolver.JWTEnabled() {
				return errors.New("auth.jwt_secret is not configured")
			}
			token, err := resolver.Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
