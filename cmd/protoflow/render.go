package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	protohttp "github.com/fyrsmithlabs/protoflow/internal/http"
	"github.com/fyrsmithlabs/protoflow/internal/pipeline"
	"github.com/fyrsmithlabs/protoflow/internal/queue"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
	"github.com/fyrsmithlabs/protoflow/internal/tasks"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46"))

	nextStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), valueStyle.Render(value))
}

// renderStatus prints a branch's position in its stage sequence.
func renderStatus(w io.Writer, st *pipeline.Status) {
	fmt.Fprintln(w, headerStyle.Render(st.Branch))
	field(w, "Module", st.ModulePath)
	field(w, "Mode", string(st.Mode))
	if st.Metadata != nil && st.Metadata.Source != "" {
		field(w, "Source", st.Metadata.Source)
	}
	if st.Lineage != nil {
		field(w, "Parent", st.Lineage.Parent+" @ "+shortHash(st.Lineage.ParentCommit))
	}

	stages := st.Completed
	if seq, err := stage.SequenceFor(st.Mode); err == nil {
		stages = seq.Stages
	}
	var parts []string
	for _, s := range stages {
		switch {
		case slices.Contains(st.Completed, s):
			parts = append(parts, doneStyle.Render("✓ "+string(s)))
		case s == st.Next:
			parts = append(parts, nextStyle.Render("→ "+string(s)))
		default:
			parts = append(parts, dimStyle.Render("○ "+string(s)))
		}
	}
	field(w, "Stages", strings.Join(parts, "  "))

	if st.Anomaly {
		fmt.Fprintln(w, errorStyle.Render("history is out of stage order"))
	}
	if st.MetadataMissing {
		fmt.Fprintln(w, errorStyle.Render("metadata file missing from module directory"))
	}
	if st.Task != nil {
		renderTask(w, st.Task)
	}
}

func renderBranches(w io.Writer, list []*pipeline.Status) {
	if len(list) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no prototype branches"))
		return
	}
	for _, st := range list {
		next := string(st.Next)
		if next == "" {
			next = "done"
		}
		fmt.Fprintf(w, "%-40s %s %s\n", st.Branch, dimStyle.Render(string(st.Mode)), nextStyle.Render(next))
	}
}

func renderHistory(w io.Writer, resp *protohttp.HistoryResponse) {
	fmt.Fprintln(w, headerStyle.Render(resp.Branch))
	for _, c := range resp.Commits {
		fmt.Fprintf(w, "%s %s %s\n",
			dimStyle.Render(shortHash(c.Hash)),
			c.Message,
			dimStyle.Render(c.Timestamp.Format("2006-01-02 15:04")))
	}
}

func renderTask(w io.Writer, t *tasks.Task) {
	status := string(t.Status)
	switch t.Status {
	case tasks.StatusComplete:
		status = doneStyle.Render(status)
	case tasks.StatusFailed:
		status = errorStyle.Render(status)
	default:
		status = nextStyle.Render(status)
	}
	fmt.Fprintf(w, "%s %s task %s\n", labelStyle.Render("Task:"), t.Stage, status)
	if t.Result != nil {
		fmt.Fprintf(w, "  %s\n", dimStyle.Render(fmt.Sprintf("%d turns, $%.4f, %s", t.Result.Turns, t.Result.CostUSD, t.Result.Duration)))
	}
	if t.Error != "" {
		fmt.Fprintf(w, "  %s\n", errorStyle.Render(t.Error))
	}
}

func renderJobs(w io.Writer, jobs []*queue.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no jobs"))
		return
	}
	for _, j := range jobs {
		renderJob(w, j)
	}
}

func renderJob(w io.Writer, j *queue.Job) {
	fmt.Fprintf(w, "%s %-10s %s\n", valueStyle.Render(j.ID), string(j.Status), dimStyle.Render(j.Branch))
}

func renderReconcile(w io.Writer, results []pipeline.ReconcileResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, dimStyle.Render("nothing to reconcile"))
		return
	}
	for _, r := range results {
		outcome := r.Outcome
		switch r.Outcome {
		case pipeline.OutcomeCommitted:
			outcome = doneStyle.Render(outcome)
			if r.Commit != nil {
				outcome += " " + dimStyle.Render(shortHash(r.Commit.Hash))
			}
		case pipeline.OutcomeFailed:
			outcome = errorStyle.Render(outcome)
		}
		line := fmt.Sprintf("%s [%s] %s", r.Branch, r.Stage, outcome)
		if r.Error != "" {
			line += " " + dimStyle.Render(r.Error)
		}
		fmt.Fprintln(w, line)
	}
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
