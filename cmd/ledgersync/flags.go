package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func bindFlag(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// serverFlags registers the flags shared by every command that touches the server
// database or its signing secret.
func serverFlags(cmd *cobra.Command, defaults *viper.Viper) {
	flags := cmd.Flags()
	flags.String("database-path", defaults.GetString("database.path"), "Server SQLite database path")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Owner token TTL in minutes")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		bindFlag(cmd.Flags().Lookup("database-path"), "database.path")
		bindFlag(cmd.Flags().Lookup("signing-secret"), "auth.signing_secret")
		bindFlag(cmd.Flags().Lookup("token-ttl-minutes"), "auth.token_ttl_minutes")
	}
}

// clientFlags registers the flags shared by every device command.
func clientFlags(cmd *cobra.Command, defaults *viper.Viper) {
	flags := cmd.Flags()
	flags.String("client-database-path", defaults.GetString("client.database_path"), "Device SQLite database path")
	flags.String("owner", "", "Owner id to hydrate")
	flags.String("remote-url", "", "Server of record base url")
	flags.String("token", "", "Owner bearer token")
	flags.String("conflict-policy", defaults.GetString("conflicts.policy"), "Conflict policy (auto, manual)")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		bindFlag(cmd.Flags().Lookup("client-database-path"), "client.database_path")
		bindFlag(cmd.Flags().Lookup("owner"), "client.owner_id")
		bindFlag(cmd.Flags().Lookup("remote-url"), "client.remote_url")
		bindFlag(cmd.Flags().Lookup("token"), "client.token")
		bindFlag(cmd.Flags().Lookup("conflict-policy"), "conflicts.policy")
	}
}
