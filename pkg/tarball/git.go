package tarball

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kite-ci/kite/pkg/types"
)

// Archiver turns a kernel revision into a source archive on disk and
// resolves its describe string.
type Archiver interface {
	Archive(ctx context.Context, rev *types.Revision) (*Archive, error)
}

// Archive is the product of one source export.
type Archive struct {
	// Describe is the git describe output for the commit.
	Describe string

	// Path is the local tar.gz file. The caller removes it after
	// upload.
	Path string
}

// GitArchiver exports revisions from bare mirror repositories kept
// under WorkDir, one per tree. Archives land in OutputDir.
type GitArchiver struct {
	WorkDir   string
	OutputDir string
}

// NewGitArchiver creates an archiver mirroring trees under workDir.
// An empty outputDir places archives next to the mirrors.
func NewGitArchiver(workDir, outputDir string) *GitArchiver {
	if outputDir == "" {
		outputDir = workDir
	}
	return &GitArchiver{WorkDir: workDir, OutputDir: outputDir}
}

func (g *GitArchiver) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(errOut.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// mirror ensures a bare mirror of the tree exists and contains the
// wanted branch head.
func (g *GitArchiver) mirror(ctx context.Context, rev *types.Revision) (string, error) {
	dir := filepath.Join(g.WorkDir, rev.Tree+".git")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating mirror dir: %w", err)
		}
		if _, err := g.git(ctx, dir, "init", "--bare", "."); err != nil {
			return "", err
		}
	}
	if _, err := g.git(ctx, dir, "fetch", "--tags", rev.URL, rev.Branch); err != nil {
		return "", err
	}
	return dir, nil
}

// Archive implements Archiver.
func (g *GitArchiver) Archive(ctx context.Context, rev *types.Revision) (*Archive, error) {
	dir, err := g.mirror(ctx, rev)
	if err != nil {
		return nil, err
	}

	describe, err := g.git(ctx, dir, "describe", "--tags", "--always", rev.Commit)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(g.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	out := filepath.Join(g.OutputDir, fmt.Sprintf("linux-%s-%s.tar.gz", rev.Tree, rev.Commit[:min(12, len(rev.Commit))]))
	_, err = g.git(ctx, dir, "archive", "--format=tar.gz", "--prefix=linux/", "-o", out, rev.Commit)
	if err != nil {
		return nil, err
	}
	return &Archive{Describe: describe, Path: out}, nil
}
