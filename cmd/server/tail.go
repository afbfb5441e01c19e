package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/capture"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/watcher"
)

var tailNoFollow bool

var tailCmd = &cobra.Command{
	Use:   "tail <session-id>",
	Short: "Print a session's flushed output log and follow it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := capture.LogPath(cfg.OutputDir(), args[0])
		out := cmd.OutOrStdout()

		if tailNoFollow {
			lines, err := watcher.ReadLines(path)
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("no output log for session %s", args[0])
				}
				return err
			}
			for _, l := range lines {
				fmt.Fprintln(out, l)
			}
			return nil
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		w := watcher.New(func(_ string, lines []string) {
			for _, l := range lines {
				fmt.Fprintln(out, l)
			}
		}, logger)
		defer w.Shutdown()

		if err := w.Follow(args[0], path); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}

func init() {
	tailCmd.Flags().BoolVar(&tailNoFollow, "no-follow", false, "print the log once and exit")
}
