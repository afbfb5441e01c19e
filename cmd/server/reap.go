package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/capture"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/supervisor"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Terminate shells left behind by a previous run",
	Long: `reap reads the PID record of a previous run, terminates every recorded
shell that is still alive (SIGTERM, then SIGKILL after the grace window) and
deletes the record. The server does this on start; run it by hand when the
server will not be restarted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		events, err := capture.OpenEventLog(cfg.EventLogFile())
		if err != nil {
			return err
		}
		sup := supervisor.New(supervisor.Config{
			PidFile:     cfg.PidFile(),
			OrphanGrace: cfg.OrphanGrace,
		}, nil, events, logger, nil)

		report, err := sup.ReapOrphans(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "checked %d, terminated %d, killed %d\n",
			report.Checked, report.Terminated, report.Killed)
		return nil
	},
}
