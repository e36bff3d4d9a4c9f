package main

import (
	"encoding/json"
	"fmt"
	"io"

	"observatory-jobs/core/bootstrap"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the jobsctl command tree over app.
func NewRootCmd(app *bootstrap.App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "jobsctl",
		Short:        "Operate the observatory job queue",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(CreateCmd(app))
	rootCmd.AddCommand(StatusCmd(app))
	rootCmd.AddCommand(StartCmd(app))
	rootCmd.AddCommand(ClaimCmd(app))
	rootCmd.AddCommand(RecentCmd(app))
	rootCmd.AddCommand(MigrateCmd(app))
	rootCmd.AddCommand(NotifyCmd(app))
	rootCmd.AddCommand(WatchCmd(app))
	return rootCmd
}

// Execute runs the command line against app.
func Execute(app *bootstrap.App) error {
	return NewRootCmd(app).Execute()
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
