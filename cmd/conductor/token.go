package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/primoia/conductor-sub000/internal/auth"
	"github.com/primoia/conductor-sub000/pkg/config"
)

func newTokenCommand() *cobra.Command {
	var (
		role    string
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for agents, pulse or the UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Security.JWTSecret == "" {
				return fmt.Errorf("no JWT secret configured; set CONDUCTOR_JWT_SECRET")
			}
			if _, ok := auth.PreDefinedRoles[role]; !ok {
				return fmt.Errorf("unknown role %q (known: %v)", role, knownRoles())
			}
			if ttl <= 0 {
				ttl = cfg.Security.TokenTTL
			}
			if subject == "" {
				subject = role
			}

			token, err := auth.NewManager(cfg.Security.JWTSecret, ttl).GenerateToken(subject, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&role, "role", "r", "agent", "Role: "+fmt.Sprint(knownRoles()))
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject, e.g. the agent id (default: role)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: security.token_ttl)")
	return cmd
}

func knownRoles() []string {
	roles := make([]string, 0, len(auth.PreDefinedRoles))
	for r := range auth.PreDefinedRoles {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}
