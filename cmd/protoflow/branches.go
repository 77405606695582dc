package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/protoflow/internal/branch"
	protohttp "github.com/fyrsmithlabs/protoflow/internal/http"
	"github.com/fyrsmithlabs/protoflow/internal/pipeline"
	"github.com/fyrsmithlabs/protoflow/internal/pr"
	"github.com/fyrsmithlabs/protoflow/internal/rebase"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
)

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check protoflowd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp protohttp.HealthResponse
			if err := opts.client().get(cmd.Context(), "/health", nil, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, resp, func() {
				field(w, "Status", resp.Status)
				field(w, "Version", resp.Version)
				field(w, "Repo", resp.Repo)
				if resp.Telemetry != nil && resp.Telemetry.Degraded {
					fmt.Fprintln(w, errorStyle.Render("telemetry degraded"))
				}
			})
		},
	}
}

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List prototype branches and their next stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp protohttp.BranchesResponse
			if err := opts.client().get(cmd.Context(), "/api/v1/branches", nil, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, resp, func() { renderBranches(w, resp.Branches) })
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <branch>",
		Short: "Show the completed and next stages of a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st pipeline.Status
			if err := opts.client().get(cmd.Context(), "/api/v1/branches/status", branchQuery(args[0]), &st); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, st, func() { renderStatus(w, &st) })
		},
	}
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <branch>",
		Short: "List a branch's commits since the base branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protohttp.HistoryResponse
			if err := opts.client().get(cmd.Context(), "/api/v1/branches/history", branchQuery(args[0]), &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, resp, func() { renderHistory(w, &resp) })
		},
	}
}

func newCreateCmd(opts *globalOptions) *cobra.Command {
	var req pipeline.CreateRequest
	var category, mode string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a prototype branch and commit its init stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.Title == "" && req.Slug == "" {
				return fmt.Errorf("--title or --slug is required")
			}
			req.Category = branch.Category(category)
			req.Mode = stage.Mode(mode)

			var st pipeline.Status
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/branches", req, &st); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, st, func() { renderStatus(w, &st) })
		},
	}
	cmd.Flags().StringVar(&category, "category", "prototype", "branch category (prototype, experiment, spike)")
	cmd.Flags().StringVar(&req.Title, "title", "", "human title; the slug is derived from it")
	cmd.Flags().StringVar(&req.Slug, "slug", "", "explicit slug")
	cmd.Flags().BoolVar(&req.Ordinal, "ordinal", false, "prefix the slug with the next ordinal")
	cmd.Flags().StringVar(&mode, "mode", "", "workflow mode (forward, roundtrip)")
	cmd.Flags().StringVar(&req.Source, "source", "", "source the prototype derives from")
	cmd.Flags().StringVar(&req.Description, "description", "", "init commit description")
	return cmd
}

func newCommitCmd(opts *globalOptions) *cobra.Command {
	var o pipeline.Options
	var contentFile, mode string
	cmd := &cobra.Command{
		Use:   "commit <branch> <stage>",
		Short: "Commit the next stage of a branch",
		Long: `Commit the next stage of a branch. Stages must be committed in order;
the server rejects a skipped stage and reports the expected one.

Examples:
  protoflow commit prototype/auth-flow spec --content-file spec.md
  cat spec.md | protoflow commit prototype/auth-flow spec --content-file -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(contentFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if content != "" {
				o.Content = content
			}
			o.Mode = stage.Mode(mode)

			req := protohttp.CommitRequest{Branch: args[0], Stage: stage.Stage(args[1]), Options: o}
			var commit stage.Commit
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/commit", req, &commit); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, commit, func() {
				fmt.Fprintf(w, "%s %s\n", doneStyle.Render(shortHash(commit.Hash)), commit.Message)
			})
		},
	}
	cmd.Flags().StringVar(&o.Description, "description", "", "commit description")
	cmd.Flags().StringVar(&o.Content, "content", "", "artifact content")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "read artifact content from a file, or - for stdin")
	cmd.Flags().StringVar(&mode, "mode", "", "workflow mode, init stage only")
	cmd.Flags().StringVar(&o.Source, "source", "", "source, init stage only")
	cmd.Flags().StringVar(&o.Entrypoint, "entrypoint", "", "entrypoint the implement stage must contain")
	return cmd
}

func newRebaseCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebase <branch> <onto>",
		Short: "Rebase a prototype branch onto another branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out rebase.Outcome
			req := protohttp.RebaseRequest{Branch: args[0], Onto: args[1]}
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/rebase", req, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, out, func() {
				fmt.Fprintf(w, "%s onto %s: %s → %s\n", out.Branch, out.Onto,
					dimStyle.Render(shortHash(out.OldTip)), doneStyle.Render(shortHash(out.NewTip)))
			})
		},
	}
}

func newPushCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push <branch>",
		Short: "Push a branch to the configured remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := protohttp.BranchRequest{Branch: args[0]}
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/push", req, nil); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, req, func() {
				fmt.Fprintf(w, "%s %s\n", doneStyle.Render("pushed"), req.Branch)
			})
		},
	}
}

func newPRCmd(opts *globalOptions) *cobra.Command {
	var req protohttp.PRRequest
	cmd := &cobra.Command{
		Use:   "pr <branch>",
		Short: "Open a pull request for a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Branch = args[0]
			var res pr.Result
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/pr", req, &res); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return opts.emit(w, res, func() {
				if res.Stubbed {
					fmt.Fprintf(w, "%s %s\n", nextStyle.Render("open manually:"), res.URL)
					return
				}
				fmt.Fprintf(w, "%s %s %s\n", doneStyle.Render("opened"), res.URL, dimStyle.Render("via "+res.Via))
			})
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "pull request title")
	cmd.Flags().StringVar(&req.Body, "body", "", "pull request body")
	return cmd
}
