package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Version   string
	BuildTime string
	cfgFile   string
)

var rootCmd = &cobra.Command{
	Use:   "promptgate",
	Short: "API key and rate limit gateway for templated AI endpoints",
	Long: `promptgate authenticates API keys, enforces a fixed-window request quota
per key and validates request payloads before serving templated AI endpoints.`,
	SilenceUsage: true,
	RunE:         runServe, // serve is the default command
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "./data", "data directory")
	rootCmd.PersistentFlags().String("keys-dir", "./data/keys", "API key directory")
	rootCmd.PersistentFlags().String("log-dir", "./logs", "log directory")

	addServerFlags(rootCmd)

	viper.BindPFlag("storage.data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("storage.keys_dir", rootCmd.PersistentFlags().Lookup("keys-dir"))
	viper.BindPFlag("storage.logs_dir", rootCmd.PersistentFlags().Lookup("log-dir"))
}

// addServerFlags registers the listener flags on cmd. They are bound to viper
// when the command runs, so root and serve can share the keys.
func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().String("host", "0.0.0.0", "server host")
	cmd.Flags().Int("port", 8000, "server port")
	cmd.Flags().String("mode", "release", "server mode (debug/release/test)")
}

func bindServerFlags(cmd *cobra.Command) {
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.mode", cmd.Flags().Lookup("mode"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./data")
		viper.AddConfigPath("$HOME/.promptgate")
	}

	// PROMPTGATE_RATE_LIMIT_DEFAULT_QUOTA overrides rate_limit.default_quota
	viper.SetEnvPrefix("promptgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// LoadOrCreate writes the file when serve runs
		if cfgFile == "" {
			viper.SetConfigFile("./config.yaml")
		}
	} else {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
