package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/whatsapp-automation/dashboard/internal/config"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
)

var (
	configFile string
	v          *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Multi-account WhatsApp dashboard",
	Long: `dashboard pairs and keeps alive any number of WhatsApp accounts,
lists their chats, contacts and groups, sends messages and pushes live
session updates to connected dashboards over a websocket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		v, err = config.New(configFile)
		if err != nil {
			return err
		}
		return bindFlags(cmd, v)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

// bindFlags lets explicitly set flags override config and environment.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range map[string]string{
		"log-level": "log_level",
		"data-dir":  "data_dir",
		"port":      "port",
	} {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
