package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	protohttp "github.com/fyrsmithlabs/protoflow/internal/http"
	"github.com/fyrsmithlabs/protoflow/internal/queue"
)

func newJobsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage queued implementation jobs",
	}
	cmd.AddCommand(
		newJobsListCmd(opts),
		newJobsSubmitCmd(opts),
		newJobsGetCmd(opts),
		newJobsUpdateCmd(opts),
		newJobsSyncCmd(opts),
	)
	return cmd
}

func newJobsListCmd(opts *globalOptions) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in submission order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			for _, s := range statuses {
				q.Add("status", s)
			}
			var resp protohttp.JobsResponse
			if err := opts.client().get(cmd.Context(), "/api/v1/jobs", q, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, resp, func() { renderJobs(w, resp.Jobs) })
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only jobs with these statuses")
	return cmd
}

func newJobsSubmitCmd(opts *globalOptions) *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "submit <branch>",
		Short: "Queue an implementation job for a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}
			var job queue.Job
			req := protohttp.JobRequest{Branch: args[0], Prompt: prompt}
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/jobs", req, &job); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, job, func() { renderJob(w, &job) })
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "implementation prompt")
	return cmd
}

func newJobsGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job queue.Job
			if err := opts.client().get(cmd.Context(), "/api/v1/jobs/"+url.PathEscape(args[0]), nil, &job); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, job, func() {
				renderJob(w, &job)
				field(w, "Module", job.ModulePath)
				field(w, "Prompt", job.Prompt)
			})
		},
	}
}

func newJobsUpdateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update <id> <status>",
		Short: "Set a job's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job queue.Job
			req := protohttp.JobUpdateRequest{Status: args[1]}
			if err := opts.client().do(cmd.Context(), http.MethodPatch, "/api/v1/jobs/"+url.PathEscape(args[0]), req, &job); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, job, func() { renderJob(w, &job) })
		},
	}
}

func newJobsSyncCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh job statuses from the submission service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp protohttp.SyncResponse
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/jobs/sync", nil, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, resp, func() {
				fmt.Fprintf(w, "%s %d jobs\n", doneStyle.Render("updated"), resp.Updated)
				if resp.Error != "" {
					fmt.Fprintln(w, errorStyle.Render(resp.Error))
				}
			})
		},
	}
}
