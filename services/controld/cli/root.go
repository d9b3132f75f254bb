package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "controld",
	Short:        "Greenhouse control server: schedules transport tasks and coordinates the AGV fleet",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/controld/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./controld.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	bindFlag("log_level", rootCmd.PersistentFlags(), "log-level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(newInitCmd("controld", defaultControldYAML))
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName("controld")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.greenhouse-core")
		viper.AddConfigPath("/etc/greenhouse-core")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

func buildLogger(level, service string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
