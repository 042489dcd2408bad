package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openctemio/scanworker/pkg/jwt"
)

var (
	tokenUser  string
	tokenEmail string
	tokenTTL   time.Duration
)

// TokenOutput is the result of token minting.
type TokenOutput struct {
	UserID    string    `json:"user_id" yaml:"user_id"`
	Token     string    `json:"token" yaml:"token"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the submission API",
	Example: `  scanctl token --user 7d9f...
  curl -H "Authorization: Bearer $(scanctl token --user u1)" localhost:8080/api/v1/scans`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUser == "" {
			return errors.New("--user is required")
		}
		if err := validateOutput(flagOutput); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ttl := cfg.Auth.TokenDuration
		if tokenTTL > 0 {
			ttl = tokenTTL
		}

		gen := jwt.NewGenerator(jwt.TokenConfig{
			Secret:              cfg.Auth.JWTSecret,
			Issuer:              cfg.Auth.JWTIssuer,
			AccessTokenDuration: ttl,
		})
		token, expiresAt, err := gen.GenerateAccessToken(tokenUser, tokenEmail)
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}

		out := TokenOutput{UserID: tokenUser, Token: token, ExpiresAt: expiresAt}
		if ok, err := printStructured(out); ok {
			return err
		}
		fmt.Fprintln(stdout, token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id placed in the token subject")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Optional email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default AUTH_TOKEN_DURATION)")
}
