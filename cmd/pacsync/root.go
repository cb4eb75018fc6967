package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serverURL  string
	authToken  string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "pacsync",
	Short: "Property assessment sync between PACS and CAMA",
	Long: `pacsync keeps a modern CAMA store in sync with a legacy PACS database.

The serve command runs the sync service; the sync, status, cancel, and
jobs commands talk to a running service over its HTTP control plane.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:7171", "control plane base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "bearer token for the control plane")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON output")

	viper.SetEnvPrefix("PACSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.AddCommand(versionCmd)
}

// resolvedServer honors flag, then PACSYNC_SERVER, then the default.
func resolvedServer() string {
	if v := viper.GetString("server"); v != "" {
		return v
	}
	return serverURL
}

func resolvedToken() string {
	if v := viper.GetString("token"); v != "" {
		return v
	}
	return authToken
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pacsync version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pacsync %s\n", version)
	},
}
