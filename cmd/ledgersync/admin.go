package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/config"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/database"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/logging"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/owners"
)

func newIssueTokenCommand(defaults *viper.Viper) *cobra.Command {
	var ownerID string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a bearer token for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadServer(viper.GetViper())
			if err != nil {
				return err
			}
			owner, err := ledger.NewOwnerID(ownerID)
			if err != nil {
				return err
			}
			tokenIssuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := tokenIssuer.IssueOwnerToken(cmd.Context(), owner)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	serverFlags(cmd, defaults)
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner id carried as the token subject")
	return cmd
}

func newDeactivateOwnerCommand(defaults *viper.Viper) *cobra.Command {
	var ownerID, reason string
	cmd := &cobra.Command{
		Use:   "deactivate-owner",
		Short: "Deactivate an owner; its devices lock down on their next contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadServer(viper.GetViper())
			if err != nil {
				return err
			}
			owner, err := ledger.NewOwnerID(ownerID)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.OpenServer(appConfig.DatabasePath, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			ownerService, err := owners.NewService(owners.ServiceConfig{Database: db, Logger: logger.Named("owners")})
			if err != nil {
				return err
			}
			if err := ownerService.Deactivate(cmd.Context(), owner, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "owner %s deactivated\n", owner)
			return nil
		},
	}
	serverFlags(cmd, defaults)
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner id to deactivate")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the deactivation")
	return cmd
}
