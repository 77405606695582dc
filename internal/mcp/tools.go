package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/branch"
	"github.com/fyrsmithlabs/protoflow/internal/pipeline"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
	"github.com/fyrsmithlabs/protoflow/internal/tasks"
)

var errInvalidInput = errors.New("invalid input")

// addTool registers fn with the MCP server and the tool registry, wrapping it
// with metrics. fn returns the structured output plus a one-line summary.
func addTool[In, Out any](s *Server, meta *ToolMetadata, fn func(ctx context.Context, in In) (Out, string, error)) {
	s.registry.Register(meta)
	name := meta.Name
	mcp.AddTool(s.mcp, &mcp.Tool{Name: name, Description: meta.Description},
		func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
			start := time.Now()
			s.metrics.IncrementActive(ctx, name)
			out, summary, err := fn(ctx, in)
			s.metrics.DecrementActive(ctx, name)
			s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
			if err != nil {
				s.logger.Debug("tool call failed", zap.String("tool", name), zap.Error(err))
				var zero Out
				return nil, zero, err
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: summary}},
			}, out, nil
		})
}

func (s *Server) registerTools() {
	addTool(s, &ToolMetadata{
		Name:        "prototype_create",
		Description: "Create a prototype branch from the base branch and record its init stage",
		Category:    CategoryBranch,
		Keywords:    []string{"new", "branch", "init"},
	}, s.createPrototype)

	addTool(s, &ToolMetadata{
		Name:        "prototype_list",
		Description: "List prototype branches with their derived stage",
		Category:    CategoryBranch,
		Keywords:    []string{"branches", "overview"},
	}, s.listPrototypes)

	addTool(s, &ToolMetadata{
		Name:        "prototype_status",
		Description: "Show the completed stages and the next stage of a prototype branch",
		Category:    CategoryBranch,
		Keywords:    []string{"next", "progress", "state"},
	}, s.prototypeStatus)

	addTool(s, &ToolMetadata{
		Name:        "prototype_history",
		Description: "List the commits of a prototype branch since it left the base branch",
		Category:    CategoryBranch,
		Keywords:    []string{"log", "commits"},
	}, s.prototypeHistory)

	addTool(s, &ToolMetadata{
		Name:        "stage_commit",
		Description: "Commit the next workflow stage on a prototype branch. Stages cannot be skipped",
		Category:    CategoryStage,
		Keywords:    []string{"spec", "implement", "iterate", "reverse-spec", "compare"},
	}, s.commitStage)

	addTool(s, &ToolMetadata{
		Name:        "spec_task_start",
		Description: "Generate a spec, reverse-spec or comparison document in the background",
		Category:    CategoryTask,
		Keywords:    []string{"generate", "async", "background"},
	}, s.startSpecTask)

	addTool(s, &ToolMetadata{
		Name:        "spec_task_status",
		Description: "Show the background generation task of a prototype branch",
		Category:    CategoryTask,
		Keywords:    []string{"poll", "running"},
	}, s.specTaskStatus)

	addTool(s, &ToolMetadata{
		Name:        "spec_task_wait",
		Description: "Wait for the background generation task of a prototype branch to stop running",
		Category:    CategoryTask,
		Keywords:    []string{"block", "await", "done"},
	}, s.specTaskWait)

	addTool(s, &ToolMetadata{
		Name:        "spec_task_reconcile",
		Description: "Commit the artifact of a finished generation task, or report why it was discarded",
		Category:    CategoryTask,
		Keywords:    []string{"finish", "apply"},
	}, s.reconcileTask)

	addTool(s, &ToolMetadata{
		Name:        "implementation_submit",
		Description: "Queue the implementation of a prototype whose spec is committed",
		Category:    CategoryJob,
		Keywords:    []string{"queue", "job", "build"},
	}, s.submitImplementation)

	addTool(s, &ToolMetadata{
		Name:        "tool_search",
		Description: "Search the protoflow tools by name, description or keyword",
		Category:    CategorySearch,
		Keywords:    []string{"discover", "help"},
	}, s.searchTools)
}

// ===== BRANCH TOOLS =====

type branchInput struct {
	Branch string `json:"branch" jsonschema:"Prototype branch, e.g. prototype/auth-flow"`
}

func (in branchInput) validate() error {
	if strings.TrimSpace(in.Branch) == "" {
		return fmt.Errorf("%w: branch is required", errInvalidInput)
	}
	return nil
}

type createInput struct {
	Category    string `json:"category" jsonschema:"Branch category: prototype, experiment or spike"`
	Title       string `json:"title" jsonschema:"Human title, slugified into the branch name"`
	Slug        string `json:"slug,omitempty" jsonschema:"Explicit slug used instead of the title"`
	Ordinal     bool   `json:"ordinal,omitempty" jsonschema:"Prefix the slug with the next free ordinal"`
	Mode        string `json:"mode,omitempty" jsonschema:"Workflow mode: forward or roundtrip"`
	Source      string `json:"source,omitempty" jsonschema:"Source the roundtrip mode reverse-specs"`
	Description string `json:"description,omitempty" jsonschema:"Init commit description"`
}

type statusOutput struct {
	Branch          string   `json:"branch"`
	Category        string   `json:"category"`
	Slug            string   `json:"slug"`
	ModulePath      string   `json:"module_path"`
	Mode            string   `json:"mode"`
	Completed       []string `json:"completed"`
	Next            string   `json:"next"`
	Anomaly         bool     `json:"anomaly"`
	MetadataMissing bool     `json:"metadata_missing"`
	Task            string   `json:"task,omitempty" jsonschema:"Status of the background task, if any"`
}

func toStatusOutput(st *pipeline.Status) statusOutput {
	out := statusOutput{
		Branch:          st.Branch,
		Category:        st.Category,
		Slug:            st.Slug,
		ModulePath:      st.ModulePath,
		Mode:            string(st.Mode),
		Completed:       make([]string, 0, len(st.Completed)),
		Next:            string(st.Next),
		Anomaly:         st.Anomaly,
		MetadataMissing: st.MetadataMissing,
	}
	for _, c := range st.Completed {
		out.Completed = append(out.Completed, string(c))
	}
	if st.Task != nil {
		out.Task = string(st.Task.Status)
	}
	return out
}

func describeNext(st *pipeline.Status) string {
	switch {
	case st.Anomaly:
		return fmt.Sprintf("%s: history does not match mode %s", st.Branch, st.Mode)
	case st.Next == stage.None:
		return fmt.Sprintf("%s: workflow complete", st.Branch)
	default:
		return fmt.Sprintf("%s: next stage is %s", st.Branch, st.Next)
	}
}

func (s *Server) createPrototype(ctx context.Context, in createInput) (statusOutput, string, error) {
	if in.Title == "" && in.Slug == "" {
		return statusOutput{}, "", fmt.Errorf("%w: title or slug is required", errInvalidInput)
	}
	st, err := s.pipeline.Create(ctx, pipeline.CreateRequest{
		Category:    branch.Category(in.Category),
		Title:       in.Title,
		Slug:        in.Slug,
		Ordinal:     in.Ordinal,
		Mode:        stage.Mode(in.Mode),
		Source:      in.Source,
		Description: in.Description,
	})
	if err != nil {
		return statusOutput{}, "", err
	}
	return toStatusOutput(st), "Created " + describeNext(st), nil
}

type listInput struct{}

type listOutput struct {
	Prototypes []statusOutput `json:"prototypes"`
	Count      int            `json:"count"`
}

func (s *Server) listPrototypes(ctx context.Context, _ listInput) (listOutput, string, error) {
	list, err := s.pipeline.List(ctx)
	if err != nil {
		return listOutput{}, "", err
	}
	out := listOutput{Prototypes: make([]statusOutput, 0, len(list))}
	for _, st := range list {
		out.Prototypes = append(out.Prototypes, toStatusOutput(st))
	}
	out.Count = len(out.Prototypes)
	return out, fmt.Sprintf("Found %d prototype branches", out.Count), nil
}

func (s *Server) prototypeStatus(ctx context.Context, in branchInput) (statusOutput, string, error) {
	if err := in.validate(); err != nil {
		return statusOutput{}, "", err
	}
	st, err := s.pipeline.Status(ctx, in.Branch)
	if err != nil {
		return statusOutput{}, "", err
	}
	return toStatusOutput(st), describeNext(st), nil
}

type historyEntry struct {
	Hash      string `json:"hash"`
	Stage     string `json:"stage,omitempty" jsonschema:"Stage tag of the commit; empty for untagged commits"`
	Message   string `json:"message"`
	Author    string `json:"author"`
	Timestamp string `json:"timestamp"`
}

type historyOutput struct {
	Branch  string         `json:"branch"`
	Commits []historyEntry `json:"commits"`
	Count   int            `json:"count"`
}

func (s *Server) prototypeHistory(ctx context.Context, in branchInput) (historyOutput, string, error) {
	if err := in.validate(); err != nil {
		return historyOutput{}, "", err
	}
	commits, err := s.pipeline.History(ctx, in.Branch)
	if err != nil {
		return historyOutput{}, "", err
	}
	out := historyOutput{Branch: in.Branch, Commits: make([]historyEntry, 0, len(commits))}
	for _, c := range commits {
		st, _ := c.Tag().Recognized()
		out.Commits = append(out.Commits, historyEntry{
			Hash:      c.Hash,
			Stage:     string(st),
			Message:   c.Message,
			Author:    c.Author,
			Timestamp: c.Timestamp.Format(time.RFC3339),
		})
	}
	out.Count = len(out.Commits)
	return out, fmt.Sprintf("%d commits on %s", out.Count, in.Branch), nil
}

// ===== STAGE TOOLS =====

type commitInput struct {
	Branch      string `json:"branch" jsonschema:"Prototype branch"`
	Stage       string `json:"stage" jsonschema:"Stage to commit; must be the branch's next stage"`
	Description string `json:"description,omitempty" jsonschema:"Text after the stage tag in the commit message"`
	Content     string `json:"content,omitempty" jsonschema:"Document body for spec, reverse-spec and compare"`
	Entrypoint  string `json:"entrypoint,omitempty" jsonschema:"File implement requires, relative to the module directory"`
}

type commitOutput struct {
	Branch  string `json:"branch"`
	Stage   string `json:"stage"`
	Hash    string `json:"hash"`
	Message string `json:"message"`
}

func (s *Server) commitStage(ctx context.Context, in commitInput) (commitOutput, string, error) {
	if err := (branchInput{Branch: in.Branch}).validate(); err != nil {
		return commitOutput{}, "", err
	}
	if in.Stage == "" {
		return commitOutput{}, "", fmt.Errorf("%w: stage is required", errInvalidInput)
	}
	commit, err := s.pipeline.Commit(ctx, in.Branch, stage.Stage(in.Stage), pipeline.Options{
		Description: in.Description,
		Content:     in.Content,
		Entrypoint:  in.Entrypoint,
	})
	if err != nil {
		return commitOutput{}, "", err
	}
	out := commitOutput{Branch: in.Branch, Stage: in.Stage, Hash: commit.Hash, Message: commit.Message}
	return out, fmt.Sprintf("Committed %s on %s as %s", in.Stage, in.Branch, shortHash(commit.Hash)), nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

// ===== TASK TOOLS =====

type taskStartInput struct {
	Branch string `json:"branch" jsonschema:"Prototype branch"`
	Stage  string `json:"stage" jsonschema:"spec, reverse-spec or compare"`
	Prompt string `json:"prompt" jsonschema:"Instructions for the generator"`
}

type taskStartOutput struct {
	Branch string `json:"branch"`
	Stage  string `json:"stage"`
	Result string `json:"result" jsonschema:"started or already-running"`
}

func (s *Server) startSpecTask(ctx context.Context, in taskStartInput) (taskStartOutput, string, error) {
	if in.Branch == "" || in.Stage == "" || in.Prompt == "" {
		return taskStartOutput{}, "", fmt.Errorf("%w: branch, stage and prompt are required", errInvalidInput)
	}
	res, err := s.pipeline.StartSpecTask(ctx, in.Branch, stage.Stage(in.Stage), in.Prompt)
	if err != nil {
		return taskStartOutput{}, "", err
	}
	out := taskStartOutput{Branch: in.Branch, Stage: in.Stage, Result: string(res)}
	return out, fmt.Sprintf("%s task on %s: %s", in.Stage, in.Branch, res), nil
}

type taskStatusOutput struct {
	Branch  string  `json:"branch"`
	Found   bool    `json:"found"`
	Stage   string  `json:"stage,omitempty"`
	Status  string  `json:"status,omitempty"`
	Error   string  `json:"error,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
	Turns   int     `json:"turns,omitempty"`
}

func (s *Server) specTaskStatus(_ context.Context, in branchInput) (taskStatusOutput, string, error) {
	if err := in.validate(); err != nil {
		return taskStatusOutput{}, "", err
	}
	task, ok := s.pipeline.TaskStatus(in.Branch)
	if !ok {
		return taskStatusOutput{Branch: in.Branch}, "No task for " + in.Branch, nil
	}
	return taskOutput(task), fmt.Sprintf("%s task on %s is %s", task.Stage, in.Branch, task.Status), nil
}

func (s *Server) specTaskWait(ctx context.Context, in branchInput) (taskStatusOutput, string, error) {
	if err := in.validate(); err != nil {
		return taskStatusOutput{}, "", err
	}
	task, err := s.pipeline.WaitTask(ctx, in.Branch)
	if err != nil {
		return taskStatusOutput{}, "", err
	}
	return taskOutput(task), fmt.Sprintf("%s task on %s finished: %s", task.Stage, in.Branch, task.Status), nil
}

func taskOutput(task tasks.Task) taskStatusOutput {
	out := taskStatusOutput{
		Branch: task.Branch,
		Found:  true,
		Stage:  string(task.Stage),
		Status: string(task.Status),
		Error:  task.Error,
	}
	if task.Result != nil {
		out.CostUSD = task.Result.CostUSD
		out.Turns = task.Result.Turns
	}
	return out
}

type reconcileOutput struct {
	Branch  string `json:"branch"`
	Stage   string `json:"stage"`
	Outcome string `json:"outcome" jsonschema:"committed, discarded or failed"`
	Hash    string `json:"hash,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) reconcileTask(ctx context.Context, in branchInput) (reconcileOutput, string, error) {
	if err := in.validate(); err != nil {
		return reconcileOutput{}, "", err
	}
	res, err := s.pipeline.Reconcile(ctx, in.Branch)
	if err != nil {
		return reconcileOutput{}, "", err
	}
	out := reconcileOutput{Branch: res.Branch, Stage: string(res.Stage), Outcome: res.Outcome, Error: res.Error}
	if res.Commit != nil {
		out.Hash = res.Commit.Hash
	}
	return out, fmt.Sprintf("%s task on %s %s", res.Stage, res.Branch, res.Outcome), nil
}

// ===== JOB TOOLS =====

type submitInput struct {
	Branch string `json:"branch" jsonschema:"Prototype branch whose next stage is implement"`
	Prompt string `json:"prompt" jsonschema:"Implementation instructions"`
}

type submitOutput struct {
	JobID      string `json:"job_id"`
	Branch     string `json:"branch"`
	ModulePath string `json:"module_path"`
	Status     string `json:"status"`
}

func (s *Server) submitImplementation(ctx context.Context, in submitInput) (submitOutput, string, error) {
	if in.Branch == "" || in.Prompt == "" {
		return submitOutput{}, "", fmt.Errorf("%w: branch and prompt are required", errInvalidInput)
	}
	job, err := s.pipeline.SubmitImplementation(ctx, in.Branch, in.Prompt)
	if err != nil {
		return submitOutput{}, "", err
	}
	out := submitOutput{JobID: job.ID, Branch: job.Branch, ModulePath: job.ModulePath, Status: string(job.Status)}
	return out, fmt.Sprintf("Queued job %s for %s", job.ID, job.Branch), nil
}

// ===== SEARCH TOOLS =====

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Substring or regular expression matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Restrict to branch, stage, task, job or search"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results (default 5)"`
}

type toolMatch struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Score       int    `json:"score"`
}

type toolSearchOutput struct {
	Query      string      `json:"query"`
	Results    []toolMatch `json:"results"`
	Count      int         `json:"count"`
	TotalTools int         `json:"total_tools"`
}

func (s *Server) searchTools(_ context.Context, in toolSearchInput) (toolSearchOutput, string, error) {
	if in.Query == "" {
		return toolSearchOutput{}, "", fmt.Errorf("%w: query is required", errInvalidInput)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 5
	}

	out := toolSearchOutput{Query: in.Query, Results: []toolMatch{}, TotalTools: s.registry.Count()}
	var names []string
	for _, r := range s.registry.Search(in.Query) {
		if in.Category != "" && r.Tool.Category != ToolCategory(in.Category) {
			continue
		}
		if len(out.Results) == limit {
			break
		}
		out.Results = append(out.Results, toolMatch{
			Name:        r.Tool.Name,
			Description: r.Tool.Description,
			Category:    string(r.Tool.Category),
			Score:       r.Score,
		})
		names = append(names, r.Tool.Name)
	}
	out.Count = len(out.Results)

	if out.Count == 0 {
		return out, "No tools found matching: " + in.Query, nil
	}
	return out, fmt.Sprintf("Found %d tool(s): %s", out.Count, strings.Join(names, ", ")), nil
}
