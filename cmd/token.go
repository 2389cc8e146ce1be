package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/evilwatch/internal/api"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the mutating API routes",
	Long: `Token signs an HS256 token with api.jwt_secret for use as
"Authorization: Bearer <token>" on the POST routes of the query API.

Examples:
  EVILWATCH_API_JWT_SECRET=s3cret evilwatch token --subject dashboard --ttl 720h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		tok, err := api.IssueToken(cfg.API.JWTSecret, tokenSubject, tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "Token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime, 0 for no expiry")
}
