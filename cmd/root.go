package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/mesabot/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mesabot",
	Short: "Mesabot — WhatsApp support triage pipeline",
	Long: "Mesabot turns a WhatsApp support line into helpdesk tickets: a transport\n" +
		"gateway bridges the WhatsApp session, a classifier threads and grades each\n" +
		"message through two LLMs, and a ticketer files the result with the helpdesk.\n" +
		"The three services share one config file and one Redis bus.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $MESABOT_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(classifierCmd())
	rootCmd.AddCommand(ticketerCmd())
	rootCmd.AddCommand(bootstrapCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mesabot %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("MESABOT_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// setupLogging installs the process-wide text handler. Every service runner
// calls it first so startup errors already come out structured.
func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// applyLogLevel re-installs the handler with the configured level. The
// --verbose flag wins over the config file.
func applyLogLevel(level string) {
	if verbose || level == "" {
		return
	}
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		slog.Warn("unknown log level, keeping info", "log_level", level)
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
