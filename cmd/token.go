package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/face-attendance/internal/auth"
	"github.com/example/face-attendance/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with the configured JWT secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		role := mustGetString(cmd, "role")
		if role != auth.RoleAdmin && role != auth.RoleUser {
			return fmt.Errorf("unknown role %q", role)
		}
		token, err := auth.IssueToken(cfg.JWT.Secret, mustGetString(cmd, "subject"), role, cfg.JWT.Audience, mustGetDuration(cmd, "ttl"))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("subject", "", "Token subject (the subject id)")
	tokenCmd.Flags().String("role", auth.RoleUser, "Role: admin or user")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
}
