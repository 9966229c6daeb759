package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endorses/sipscope/cmd/sniff"
	"github.com/endorses/sipscope/internal/pkg/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "sipscope",
	Short:   "sipscope analyzes SIP traffic",
	Long:    `sipscope captures SIP and SDP traffic from interfaces, files or remote agents and correlates it into call flows.`,
	Version: version.Full(),
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(sniff.SniffCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sipscope.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sipscope")
	}

	viper.SetEnvPrefix("SIPSCOPE")
	viper.AutomaticEnv()

	// Missing config files are fine; defaults cover everything
	_ = viper.ReadInConfig()
}
