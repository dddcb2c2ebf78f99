package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Work with dead-lettered jobs",
}

var (
	dlqOffset int64
	dlqLimit  int64
	purgeYes  bool
)

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		msgs, err := jobs.DeadLetters(cmd.Context(), dlqOffset, dlqLimit)
		if err != nil {
			return err
		}
		return printJSON(msgs)
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay [job-id]",
	Short: "Move a dead-lettered job back to the main queue with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := jobs.ReplayDeadLetter(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := tracker.MarkReplayed(cmd.Context(), msg.JobID); err != nil {
			logger.WithError(err).Warn("progress update failed")
		}
		fmt.Printf("replayed %s (%s)\n", msg.JobID, msg.JobType)
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead-lettered job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !purgeYes {
			return fmt.Errorf("refusing to purge without --yes")
		}
		n, err := jobs.PurgeDeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("purged %d jobs\n", n)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().Int64Var(&dlqOffset, "offset", 0, "Skip this many entries")
	dlqListCmd.Flags().Int64Var(&dlqLimit, "limit", 50, "Maximum entries to show")
	dlqPurgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "Confirm the purge")
	dlqCmd.AddCommand(dlqListCmd, dlqReplayCmd, dlqPurgeCmd)
}
