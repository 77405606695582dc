package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	protohttp "github.com/fyrsmithlabs/protoflow/internal/http"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
	"github.com/fyrsmithlabs/protoflow/internal/tasks"
)

func newTaskCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage background spec generation tasks",
	}
	cmd.AddCommand(
		newTaskStartCmd(opts),
		newTaskStatusCmd(opts),
		newTaskWaitCmd(opts),
		newTaskClearCmd(opts),
		newTaskReconcileCmd(opts),
	)
	return cmd
}

func newTaskStartCmd(opts *globalOptions) *cobra.Command {
	var prompt, promptFile string
	cmd := &cobra.Command{
		Use:   "start <branch> <stage>",
		Short: "Start generating a stage artifact in the background",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if promptFile != "" {
				p, err := readContent(promptFile, cmd.InOrStdin())
				if err != nil {
					return err
				}
				prompt = p
			}
			if prompt == "" {
				return fmt.Errorf("--prompt or --prompt-file is required")
			}
			req := protohttp.TaskRequest{Branch: args[0], Stage: stage.Stage(args[1]), Prompt: prompt}
			var resp protohttp.TaskStartResponse
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/tasks", req, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, resp, func() {
				if resp.Result == tasks.AlreadyRunning {
					fmt.Fprintf(w, "%s %s task already running on %s\n", nextStyle.Render("!"), resp.Stage, resp.Branch)
					return
				}
				fmt.Fprintf(w, "%s %s task on %s\n", doneStyle.Render("started"), resp.Stage, resp.Branch)
			})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "generation prompt")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "read the prompt from a file, or - for stdin")
	return cmd
}

func newTaskStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [branch]",
		Short: "Show the task for a branch, or every tracked task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			c := opts.client()
			if len(args) == 1 {
				var t tasks.Task
				if err := c.get(cmd.Context(), "/api/v1/tasks", branchQuery(args[0]), &t); err != nil {
					return err
				}
				return opts.emit(w, t, func() { renderTask(w, &t) })
			}

			var all []tasks.Task
			if err := c.get(cmd.Context(), "/api/v1/tasks", nil, &all); err != nil {
				return err
			}
			return opts.emit(w, all, func() {
				if len(all) == 0 {
					fmt.Fprintln(w, dimStyle.Render("no tracked tasks"))
				}
				for i := range all {
					fmt.Fprintln(w, headerStyle.Render(all[i].Branch))
					renderTask(w, &all[i])
				}
			})
		},
	}
}

func newTaskWaitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <branch>",
		Short: "Block until a branch's task stops running",
		Long: `Block until a branch's task stops running.

The daemon gives up after tasks.max_polls polls and reports the task as stuck;
the task itself keeps running. Without --timeout the request waits as long as
the daemon does.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			if !cmd.Flags().Changed("timeout") {
				c = newClient(opts.server, 0)
			}
			q := branchQuery(args[0])
			q.Set("wait", "true")
			var t tasks.Task
			if err := c.get(cmd.Context(), "/api/v1/tasks", q, &t); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, t, func() { renderTask(w, &t) })
		},
	}
}

func newTaskClearCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <branch>",
		Short: "Forget a branch's task without committing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protohttp.ClearResponse
			path := "/api/v1/tasks?" + branchQuery(args[0]).Encode()
			if err := opts.client().do(cmd.Context(), http.MethodDelete, path, nil, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, resp, func() {
				if resp.Cleared {
					fmt.Fprintf(w, "%s task on %s\n", doneStyle.Render("cleared"), resp.Branch)
				} else {
					fmt.Fprintln(w, dimStyle.Render("no task on "+resp.Branch))
				}
			})
		},
	}
}

func newTaskReconcileCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [branch]",
		Short: "Commit finished tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req protohttp.ReconcileRequest
			if len(args) == 1 {
				req.Branch = args[0]
			}
			var resp protohttp.ReconcileResponse
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/tasks/reconcile", req, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, resp, func() { renderReconcile(w, resp.Results) })
		},
	}
}
