package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"kioskqueue/internal/auth"
)

func newTokenCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a staff bearer token for the HTTP API",
		Long:  "Signs a token with the configured JWT secret for --actor and --role.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("no JWT secret configured (set KIOSKQUEUE_JWT_SECRET)")
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}

			token, err := auth.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, opts.actorInfo(), ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"token":      token,
				"expires_at": time.Now().Add(ttl).UTC(),
			})
		},
	}
	cmd.Flags().Duration("ttl", 0, "Token lifetime (default: configured token ttl)")
	return cmd
}
