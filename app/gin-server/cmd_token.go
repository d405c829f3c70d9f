package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yoockh/callguard/config"
	"github.com/yoockh/callguard/internal/auth"
	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/utils"
)

func init() {
	tokenCmd.Flags().String("user", "", "user id (token subject)")
	tokenCmd.Flags().String("role", string(models.RoleUser), "role claim: user, admin or service")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (defaults to TOKEN_TTL)")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(tokenCmd, hashKeyCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		user, _ := cmd.Flags().GetString("user")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl <= 0 {
			ttl = cfg.TokenTTL
		}
		if !models.UserRole(role).Valid() {
			return fmt.Errorf("unknown role %q", role)
		}

		tok, exp, err := auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, ttl).Issue(user, models.UserRole(role))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format("2006-01-02T15:04:05Z07:00"))
		return nil
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <api-key>",
	Short: "Print the bcrypt hash to put in AUTH_API_KEY_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := utils.HashAPIKey(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), h)
		return nil
	},
}
