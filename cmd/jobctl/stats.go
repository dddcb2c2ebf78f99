package main

import (
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show how many jobs sit in each queue area",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := jobs.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"depth": st.Main + st.Delayed, "areas": st})
	},
}
