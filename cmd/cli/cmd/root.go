package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "previewctl",
	Short: "Previewctl is a command line tool for interacting with the previewplane platform",
	Long: `previewctl is the command-line interface for the PreviewPlane preview
environment platform.

PreviewPlane spins up a disposable preview environment for every pull
request commit and tears it down again when the PR closes or the preview
expires. The architecture separates intake from execution:

  - Controller: Stateless HTTP API that records requests and feeds the work queue
  - Workers: Agents that claim requests and provision the environments
  - Sweeper: Reconciliation loop that expires, reclaims and cleans up

Common workflows:

  Request a preview for a commit:
    previewctl request --repo acme/web --pr 42 --sha deadbeefcafe

  Check a preview's status:
    previewctl status "acme/web#42:deadbeefcafe"

  List previews:
    previewctl list --status ready

  Tear down all previews for a closed PR:
    previewctl close --repo acme/web --pr 42

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    PREVIEWPLANE_URL      API endpoint (default: http://localhost:7171)
    PREVIEWPLANE_TOKEN    Internal token for mutating endpoints`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".previewctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".previewctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "PREVIEWPLANE_VARNAME"
	viper.SetEnvPrefix("PREVIEWPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.previewctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:7171", "PreviewPlane Controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Internal token for mutating endpoints")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
