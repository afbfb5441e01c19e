// Command kaizen-term serves the terminal session core over HTTP and
// WebSocket, and offers maintenance commands for its on-disk state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/config"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/logging"
)

var (
	flagPort    int
	flagDataDir string
	flagDebug   bool
)

var rootCmd = &cobra.Command{
	Use:   "kaizen-term",
	Short: "Terminal session orchestration server",
	Long: `kaizen-term runs one interactive shell per session on a pseudo-terminal,
relays input and output to the UI over WebSocket, keeps a bounded replay
buffer per session and derives command blocks, errors and blocked prompts
from the output stream.

Configuration is read from KAIZEN_* environment variables; flags override them.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "state directory (overrides KAIZEN_DATA_DIR)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "debug logging in console format")
	rootCmd.AddCommand(serveCmd, reapCmd, tailCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagDebug {
		cfg.LogLevel = "debug"
		cfg.LogDev = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lc := logging.DefaultConfig()
	lc.Level = cfg.LogLevel
	lc.Development = cfg.LogDev
	return logging.New(lc)
}
