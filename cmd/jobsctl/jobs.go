package main

import (
	"encoding/json"
	"fmt"
	"time"

	"observatory-jobs/core/bootstrap"
	"observatory-jobs/core/models"
	"observatory-jobs/core/queue"

	"github.com/spf13/cobra"
)

func parseParams(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid params JSON: %w", err)
	}
	return models.NormalizeParams(m), nil
}

func etaFlag(cmd *cobra.Command) *int {
	if !cmd.Flags().Changed("eta") {
		return nil
	}
	eta, _ := cmd.Flags().GetInt("eta")
	return &eta
}

func CreateCmd(app *bootstrap.App) *cobra.Command {
	var (
		req      queue.CreateJobRequest
		required string
		optional string
		user     models.Identity
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job for a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.RequiredParams, err = parseParams(required); err != nil {
				return err
			}
			if req.OptionalParams, err = parseParams(optional); err != nil {
				return err
			}
			resp, err := app.Engine.CreateJob(cmd.Context(), user, req)
			if resp == nil {
				return err
			}
			if perr := printJSON(cmd.OutOrStdout(), resp); perr != nil {
				return perr
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Site, "site", "", "Site code, e.g. saf")
	f.StringVar(&req.DeviceType, "device", "", "Device type, e.g. camera")
	f.StringVar(&req.DeviceInstance, "instance", "", "Device instance, e.g. camera1")
	f.StringVar(&req.Action, "action", "", "Action, e.g. expose or "+models.ActionCancelAll)
	f.StringVar(&required, "required", "{}", "Required params as a JSON object")
	f.StringVar(&optional, "optional", "", "Optional params as a JSON object")
	f.StringVar(&user.UserID, "user-id", "", "Requesting user id")
	f.StringVar(&user.UserName, "user-name", "", "Requesting user name")
	f.StringSliceVar(&user.UserRoles, "role", nil, "Requesting user roles")
	for _, name := range []string{"site", "device", "instance", "action", "user-id", "user-name"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}

func StatusCmd(app *bootstrap.App) *cobra.Command {
	var replica bool
	cmd := &cobra.Command{
		Use:   "status <site> <ulid> <status>",
		Short: "Set the status of a job on one index",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := app.Engine.UpdateJobStatus(cmd.Context(), queue.UpdateJobStatusRequest{
				Site:       args[0],
				JobID:      args[1],
				NewStatus:  models.Status(args[2]),
				ETASeconds: etaFlag(cmd),
				UseReplica: replica,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().Int("eta", models.DefaultETA, "Seconds until complete")
	cmd.Flags().BoolVar(&replica, "replica", false, "Use the replica status index")
	return cmd
}

func StartCmd(app *bootstrap.App) *cobra.Command {
	var replica bool
	cmd := &cobra.Command{
		Use:   "start <site> <ulid>",
		Short: "Mark a job as started",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := app.Engine.StartJob(cmd.Context(), queue.StartJobRequest{
				Site:       args[0],
				JobID:      args[1],
				ETASeconds: etaFlag(cmd),
				UseReplica: replica,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().Int("eta", models.DefaultETA, "Seconds until complete")
	cmd.Flags().BoolVar(&replica, "replica", false, "Use the replica status index")
	return cmd
}

func ClaimCmd(app *bootstrap.App) *cobra.Command {
	var replica bool
	cmd := &cobra.Command{
		Use:   "claim <site>",
		Short: "List the unread jobs of a site and mark them received",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := app.Engine.ListAndClaimUnread(cmd.Context(), args[0], replica)
			if jobs == nil {
				jobs = []*models.Job{}
			}
			if perr := printJSON(cmd.OutOrStdout(), jobs); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&replica, "replica", false, "Use the replica status index")
	return cmd
}

func RecentCmd(app *bootstrap.App) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "recent <site>",
		Short: "List the jobs of a site created within a window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := app.Engine.ListRecentJobs(cmd.Context(), args[0], window)
			if err != nil {
				return err
			}
			if jobs == nil {
				jobs = []*models.Job{}
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().DurationVar(&window, "window", queue.DefaultRecentWindow, "How far back to look")
	return cmd
}
