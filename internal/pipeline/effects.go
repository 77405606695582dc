package pipeline

import (
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/protoflow/internal/stage"
)

// Options carries caller input for a stage commit.
type Options struct {
	// Description follows the tag in the commit message. Empty uses the
	// stage's default description.
	Description string `json:"description,omitempty"`

	// Content is the document body for spec, reverse-spec and compare.
	Content string `json:"content,omitempty"`

	// Mode and Source are recorded by init.
	Mode   stage.Mode `json:"mode,omitempty"`
	Source string     `json:"source,omitempty"`

	// Entrypoint overrides the file implement requires.
	Entrypoint string `json:"entrypoint,omitempty"`
}

// effectEnv is everything a side effect may depend on.
type effectEnv struct {
	Stage      stage.Stage
	Slug       string
	ModuleRel  string
	ModuleDir  string
	Mode       stage.Mode
	Options    Options
	Commits    []stage.Commit
	Entrypoint string
	Now        time.Time
}

// sideEffect applies a stage's file changes. Each one writes only inside the
// module directory and is idempotent, so a crash before the commit can be
// retried by committing the stage again.
type sideEffect func(env effectEnv) error

var sideEffects = map[stage.Stage]sideEffect{
	stage.Init:        writeMetadata,
	stage.Spec:        writeDocument(SpecFile),
	stage.Implement:   verifyEntrypoint,
	stage.ReverseSpec: writeDerivedSpec,
	stage.Compare:     writeDocument(ComparisonFile),
	stage.Iterate:     func(effectEnv) error { return nil },
}

// wholeTreeStages commit everything in the working tree instead of the
// module directory.
var wholeTreeStages = map[stage.Stage]bool{
	stage.Iterate: true,
}

var defaultDescriptions = map[stage.Stage]string{
	stage.Init:        "initialize prototype",
	stage.Spec:        "write specification",
	stage.Implement:   "implementation complete",
	stage.ReverseSpec: "derive specification from implementation",
	stage.Compare:     "compare original and derived specifications",
	stage.Iterate:     "iterate",
}

func applySideEffect(env effectEnv) error {
	fn, ok := sideEffects[env.Stage]
	if !ok {
		return &SideEffectError{Stage: env.Stage, Reason: "no side effect registered"}
	}
	return fn(env)
}

func describe(st stage.Stage, opts Options) string {
	if d := strings.TrimSpace(opts.Description); d != "" {
		return d
	}
	return defaultDescriptions[st]
}

func writeMetadata(env effectEnv) error {
	p := filepath.Join(env.ModuleDir, MetadataFile)
	exists, err := fileExists(p)
	if err != nil {
		return &SideEffectError{Stage: env.Stage, Path: p, Reason: "checking metadata", Err: err}
	}
	if exists {
		return nil
	}
	meta := Metadata{Mode: env.Mode, Source: env.Options.Source, CreatedAt: env.Now.UTC()}
	if err := writeYAML(p, meta); err != nil {
		return &SideEffectError{Stage: env.Stage, Path: p, Reason: "writing metadata", Err: err}
	}
	return nil
}

// writeDocument returns a side effect that writes Options.Content to file.
// Empty content keeps an existing file and fails when there is none.
func writeDocument(file string) sideEffect {
	return func(env effectEnv) error {
		return putDocument(env, file)
	}
}

func putDocument(env effectEnv, file string) error {
	p := filepath.Join(env.ModuleDir, file)
	if env.Options.Content == "" {
		exists, err := fileExists(p)
		if err != nil {
			return &SideEffectError{Stage: env.Stage, Path: p, Reason: "checking document", Err: err}
		}
		if !exists {
			return &SideEffectError{Stage: env.Stage, Path: p, Reason: "no content given and no existing document"}
		}
		return nil
	}
	if err := writeFileAtomic(p, []byte(env.Options.Content), 0o644); err != nil {
		return &SideEffectError{Stage: env.Stage, Path: p, Reason: "writing document", Err: err}
	}
	return nil
}

func verifyEntrypoint(env effectEnv) error {
	entry := env.Options.Entrypoint
	if entry == "" {
		entry = env.Entrypoint
	}
	p := filepath.Join(env.ModuleDir, filepath.FromSlash(entry))
	exists, err := fileExists(p)
	if err != nil {
		return &SideEffectError{Stage: env.Stage, Path: p, Reason: "checking entrypoint", Err: err}
	}
	if !exists {
		return &SideEffectError{Stage: env.Stage, Path: p, Reason: "entrypoint missing"}
	}
	return nil
}

func writeDerivedSpec(env effectEnv) error {
	if err := putDocument(env, DerivedFile); err != nil {
		return err
	}

	p := filepath.Join(env.ModuleDir, LineageFile)
	exists, err := fileExists(p)
	if err != nil {
		return &SideEffectError{Stage: env.Stage, Path: p, Reason: "checking lineage", Err: err}
	}
	if exists {
		return nil
	}

	lin := Lineage{
		Parent:       path.Join(env.ModuleRel, SpecFile),
		ParentCommit: lastCommitFor(env.Commits, stage.Spec),
		Derived:      path.Join(env.ModuleRel, DerivedFile),
		CreatedAt:    env.Now.UTC(),
	}
	if err := writeYAML(p, lin); err != nil {
		return &SideEffectError{Stage: env.Stage, Path: p, Reason: "writing lineage", Err: err}
	}
	return nil
}

// lastCommitFor returns the hash of the newest commit tagged st.
func lastCommitFor(commits []stage.Commit, st stage.Stage) string {
	for i := len(commits) - 1; i >= 0; i-- {
		if tag, ok := commits[i].Tag().Recognized(); ok && tag == st {
			return commits[i].Hash
		}
	}
	return ""
}
