// Package pr opens pull requests for prototype branches.
//
// Three strategies are tried in order: the gh CLI, the GitHub REST API when a
// token is configured, and finally a compare URL the user can open by hand.
package pr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/protoflow/internal/config"
)

// Via names the strategy that produced a Result.
const (
	ViaCLI     = "gh"
	ViaAPI     = "api"
	ViaCompare = "compare"
)

// ErrUnsupportedRemote indicates the remote URL is not a GitHub repository.
var ErrUnsupportedRemote = errors.New("remote is not a GitHub repository")

// Request describes the pull request to open.
type Request struct {
	Branch string
	Base   string
	Title  string
	Body   string
}

// Result describes the opened (or stubbed) pull request.
type Result struct {
	URL     string `json:"url"`
	Number  int    `json:"number,omitempty"`
	Via     string `json:"via"`
	Stubbed bool   `json:"stubbed"`
}

// Config configures an Opener.
type Config struct {
	// Remote is the git remote whose URL identifies the GitHub repository.
	Remote string

	// GHBinary is the gh executable. Empty disables the CLI strategy.
	GHBinary string

	// Token enables the API strategy.
	Token config.Secret

	// APIBaseURL overrides the GitHub API endpoint (GitHub Enterprise).
	APIBaseURL string
}

// Opener opens pull requests for a repository.
type Opener struct {
	dir    string
	cfg    Config
	logger *zap.Logger
}

// New creates an Opener for the repository at dir.
func New(dir string, cfg Config, logger *zap.Logger) *Opener {
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{dir: dir, cfg: cfg, logger: logger}
}

// Open opens a pull request for req.Branch against req.Base.
func (o *Opener) Open(ctx context.Context, req Request) (*Result, error) {
	if req.Branch == "" || req.Base == "" {
		return nil, fmt.Errorf("pull request needs branch and base")
	}
	if req.Title == "" {
		req.Title = req.Branch
	}

	if o.cfg.GHBinary != "" {
		res, err := o.openWithCLI(ctx, req)
		if err == nil {
			return res, nil
		}
		o.logger.Info("gh pull request failed, trying next strategy",
			zap.String("branch", req.Branch),
			zap.Error(err))
	}

	owner, repo, err := o.remoteRepo()
	if err != nil {
		return nil, err
	}

	if o.cfg.Token.IsSet() {
		res, err := o.openWithAPI(ctx, owner, repo, req)
		if err == nil {
			return res, nil
		}
		o.logger.Warn("GitHub API pull request failed, falling back to compare URL",
			zap.String("branch", req.Branch),
			zap.Error(err))
	}

	return &Result{
		URL:     CompareURL(owner, repo, req.Base, req.Branch),
		Via:     ViaCompare,
		Stubbed: true,
	}, nil
}

func (o *Opener) openWithCLI(ctx context.Context, req Request) (*Result, error) {
	path, err := exec.LookPath(o.cfg.GHBinary)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, path, "pr", "create",
		"--head", req.Branch,
		"--base", req.Base,
		"--title", req.Title,
		"--body", req.Body)
	cmd.Dir = o.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gh pr create: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	// gh prints the new pull request URL as its last line.
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	prURL := strings.TrimSpace(lines[len(lines)-1])
	if prURL == "" {
		return nil, fmt.Errorf("gh pr create printed no URL")
	}
	return &Result{URL: prURL, Via: ViaCLI}, nil
}

func (o *Opener) openWithAPI(ctx context.Context, owner, repo string, req Request) (*Result, error) {
	client, err := NewGitHubClient(ctx, o.cfg.Token, o.cfg.APIBaseURL)
	if err != nil {
		return nil, err
	}

	pr, _, err := client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(req.Title),
		Head:  github.String(req.Branch),
		Base:  github.String(req.Base),
		Body:  github.String(req.Body),
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull request: %w", err)
	}
	return &Result{URL: pr.GetHTMLURL(), Number: pr.GetNumber(), Via: ViaAPI}, nil
}

// NewGitHubClient creates an authenticated GitHub client. A non-empty
// baseURL points the client at another API endpoint.
func NewGitHubClient(ctx context.Context, token config.Secret, baseURL string) (*github.Client, error) {
	if !token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// remoteRepo reads the configured remote's URL with go-git.
func (o *Opener) remoteRepo() (string, string, error) {
	r, err := git.PlainOpen(o.dir)
	if err != nil {
		return "", "", fmt.Errorf("opening repository: %w", err)
	}
	remote, err := r.Remote(o.cfg.Remote)
	if err != nil {
		return "", "", fmt.Errorf("reading remote %s: %w", o.cfg.Remote, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", "", fmt.Errorf("remote %s has no URL", o.cfg.Remote)
	}
	return ParseRemoteURL(urls[0])
}

// ParseRemoteURL extracts owner and repository from a GitHub remote URL in
// scp-like, ssh or https form.
func ParseRemoteURL(raw string) (owner, repo string, err error) {
	raw = strings.TrimSpace(raw)
	var path string
	switch {
	case strings.HasPrefix(raw, "git@github.com:"):
		path = strings.TrimPrefix(raw, "git@github.com:")
	default:
		u, perr := url.Parse(raw)
		if perr != nil || u.Hostname() != "github.com" {
			return "", "", fmt.Errorf("%w: %s", ErrUnsupportedRemote, raw)
		}
		path = strings.TrimPrefix(u.Path, "/")
	}

	path = strings.TrimSuffix(strings.TrimSuffix(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedRemote, raw)
	}
	return parts[0], parts[1], nil
}

// CompareURL is the GitHub page for opening a pull request by hand.
func CompareURL(owner, repo, base, branch string) string {
	return fmt.Sprintf("https://github.com/%s/%s/compare/%s...%s?expand=1", owner, repo, base, branch)
}
