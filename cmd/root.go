package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cconlon/tlstap/internal/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tlstap",
	Short: "tlstap decrypts passively captured TLS traffic",
	Long: `tlstap follows TLS handshakes in captured traffic and, given the
server keys, recovers the application plaintext without touching the
connection itself.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Configure(viper.GetString("log_level"), viper.GetString("log_format"))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tlstap.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "json", "log format: json or text")
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".tlstap")
	}

	viper.SetEnvPrefix("TLSTAP")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logger.Debug("config file loaded", "path", viper.ConfigFileUsed())
	}
}
