package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/protoflow/internal/branch"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
)

// Files written inside a module directory.
const (
	MetadataFile   = ".pipeline.yaml"
	LineageFile    = ".lineage.yaml"
	SpecFile       = "SPEC.md"
	DerivedFile    = "SPEC.derived.md"
	ComparisonFile = "COMPARISON.md"
)

// Metadata is the per-branch pipeline record written by init.
type Metadata struct {
	Mode      stage.Mode `yaml:"mode" json:"mode"`
	Source    string     `yaml:"source,omitempty" json:"source,omitempty"`
	CreatedAt time.Time  `yaml:"created_at" json:"created_at"`
}

// Lineage links a derived spec to the spec it was derived from.
type Lineage struct {
	Parent       string    `yaml:"parent" json:"parent"`
	ParentCommit string    `yaml:"parent_commit" json:"parent_commit"`
	Derived      string    `yaml:"derived" json:"derived"`
	CreatedAt    time.Time `yaml:"created_at" json:"created_at"`
}

// ReadMetadata reads the committed metadata of branchName without a checkout.
func (e *Engine) ReadMetadata(ctx context.Context, branchName string) (*Metadata, error) {
	name, err := branch.Decode(branchName)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.readMetadata(branchName, name.Slug)
}

// ReadLineage reads the committed lineage record of branchName. It returns
// nil without error when the branch has none.
func (e *Engine) ReadLineage(ctx context.Context, branchName string) (*Lineage, error) {
	name, err := branch.Decode(branchName)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.readLineage(branchName, name.Slug)
}

func (e *Engine) readMetadata(branchName, slug string) (*Metadata, error) {
	data, err := e.readBranchFile(branchName, path.Join(e.ModuleRel(slug), MetadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMetadataMissing, branchName)
	}
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing %s on %s: %w", MetadataFile, branchName, err)
	}
	return &meta, nil
}

func (e *Engine) readLineage(branchName, slug string) (*Lineage, error) {
	data, err := e.readBranchFile(branchName, path.Join(e.ModuleRel(slug), LineageFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lin Lineage
	if err := yaml.Unmarshal(data, &lin); err != nil {
		return nil, fmt.Errorf("parsing %s on %s: %w", LineageFile, branchName, err)
	}
	return &lin, nil
}

// readBranchFile returns the content of rel in the tip commit of branchName.
// A missing file is reported as os.ErrNotExist.
func (e *Engine) readBranchFile(branchName, rel string) ([]byte, error) {
	repo, err := git.PlainOpen(e.cfg.RepoDir)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, fmt.Errorf("%w: %s", branch.ErrBranchNotFound, branchName)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", branchName, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("reading tip of %s: %w", branchName, err)
	}
	file, err := commit.File(rel)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%s on %s: %w", rel, branchName, os.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s on %s: %w", rel, branchName, err)
	}
	content, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("reading %s on %s: %w", rel, branchName, err)
	}
	return []byte(content), nil
}

func writeYAML(p string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return writeFileAtomic(p, data, 0o644)
}

// writeFileAtomic replaces p through a temporary file in the same directory.
func writeFileAtomic(p string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(p)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, p)
}

func fileExists(p string) (bool, error) {
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}
