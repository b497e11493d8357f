package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/riskcase/internal/httpapi"
)

var tokenFlags struct {
	subject string
	scopes  []string
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token signed with the configured secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		auth, err := httpapi.NewAuthMiddleware(cfg.Auth, logger)
		if err != nil {
			return err
		}
		token, err := auth.IssueToken(tokenFlags.subject, tokenFlags.scopes)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenFlags.subject, "subject", "", "Token subject")
	f.StringSliceVar(&tokenFlags.scopes, "scope", []string{httpapi.ScopeCasesRead, httpapi.ScopeCasesWrite}, "Granted scopes")
	_ = tokenCmd.MarkFlagRequired("subject")
}
