// halbridge turns natural-language commands into verified actions on
// devices, web pages, files and the local shell.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/halbridge/halbridge/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "halbridge",
	Short: "Natural-language command agent with self-healing execution",
	Long: "halbridge recognizes intents in free text, extracts their parameters,\n" +
		"checks them against safety rules and runs them through registered tools,\n" +
		"retrying or escalating to alternate tools when results fall short.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return setupLogging(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); defaults to HALBRIDGE_LOG_LEVEL")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.Version = version
}

func setupLogging(level string) error {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if level == "" {
		level = config.Load().LogLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// loadConfig reads the environment and applies the build version unless
// HALBRIDGE_VERSION overrides it.
func loadConfig() *config.Config {
	cfg := config.Load()
	if os.Getenv("HALBRIDGE_VERSION") == "" && version != "dev" {
		cfg.Version = version
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
