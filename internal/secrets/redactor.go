// Package secrets redacts credentials from prompts before they leave the
// process: generator stdin, the work-submission service and the job queue.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

// Finding is one detected secret. The secret value itself is never exported.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	Preview     string `json:"preview"`

	secret string
}

// Result is redacted content plus what was removed.
type Result struct {
	Content  string
	Findings []Finding
}

// Redactor detects secrets with the gitleaks default rules.
type Redactor struct {
	allowlist *Allowlist
	logger    *zap.Logger
}

// NewRedactor creates a Redactor. allowlist may be nil.
func NewRedactor(allowlist *Allowlist, logger *zap.Logger) *Redactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redactor{allowlist: allowlist, logger: logger}
}

// Redact replaces each detected secret with [REDACTED:<rule>:<preview>].
func (r *Redactor) Redact(content string) (Result, error) {
	findings, err := r.detect(content)
	if err != nil {
		return Result{}, fmt.Errorf("detecting secrets: %w", err)
	}
	if len(findings) == 0 {
		return Result{Content: content}, nil
	}

	// Longest first so a secret containing another is replaced whole.
	ordered := make([]Finding, len(findings))
	copy(ordered, findings)
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i].secret) > len(ordered[j].secret) })

	redacted := content
	for _, f := range ordered {
		if f.secret == "" {
			continue
		}
		redacted = strings.ReplaceAll(redacted, f.secret, fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, f.Preview))
	}

	rules := make([]string, 0, len(findings))
	for _, f := range findings {
		rules = append(rules, f.RuleID)
	}
	r.logger.Info("redacted secrets", zap.Int("count", len(findings)), zap.Strings("rules", rules))

	return Result{Content: redacted, Findings: findings}, nil
}

// Scrub returns content with secrets redacted.
func (r *Redactor) Scrub(content string) (string, error) {
	res, err := r.Redact(content)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

func (r *Redactor) detect(content string) ([]Finding, error) {
	// A fresh detector per call; gitleaks detectors carry per-scan state.
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	if r.allowlist != nil {
		if err := applyAllowlist(&detector.Config, r.allowlist); err != nil {
			return nil, err
		}
	}

	raw := detector.DetectString(content)
	findings := make([]Finding, 0, len(raw))
	for _, f := range raw {
		findings = append(findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			Preview:     preview(f.Secret, 4),
			secret:      f.Secret,
		})
	}
	return findings, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	global := &gitleaksConfig.Allowlist{
		Description: "protoflow allowlist",
	}
	for _, pattern := range allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)

	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
