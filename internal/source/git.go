package source

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sourcegraph/go-diff/diff"
)

const devNull = "/dev/null"

// GitSource implements Source with the git command line.
type GitSource struct {
	repoPath string
	timeout  time.Duration
	exclude  []string
}

// NewGitSource creates a git-backed source for the repository at repoPath.
// Paths under exclude (for example the engine's own state directory) are
// ignored by Dirty and ChangedPaths.
func NewGitSource(repoPath string, timeout time.Duration, exclude ...string) (*GitSource, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, eris.Wrapf(err, "source: resolve repo path %s", repoPath)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GitSource{repoPath: abs, timeout: timeout, exclude: exclude}, nil
}

// RepoPath returns the absolute repository path.
func (g *GitSource) RepoPath() string {
	return g.repoPath
}

// exec runs git and returns raw stdout. The error is the unwrapped exec error.
func (g *GitSource) exec(ctx context.Context, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", "", eris.Errorf("git %s: timeout after %v", args[0], g.timeout)
	}
	return stdout.String(), stderr.String(), err
}

func (g *GitSource) run(ctx context.Context, args ...string) (string, error) {
	out, stderr, err := g.exec(ctx, args...)
	if err != nil {
		return "", eris.Wrapf(err, "git %s: %s", args[0], strings.TrimSpace(stderr))
	}
	return out, nil
}

func (g *GitSource) pathspec() []string {
	spec := []string{"--", "."}
	for _, e := range g.exclude {
		spec = append(spec, ":(exclude)"+e)
	}
	return spec
}

// CurrentRevision returns the commit HEAD points at.
func (g *GitSource) CurrentRevision(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ChangedPaths diffs the working tree against since.
func (g *GitSource) ChangedPaths(ctx context.Context, since string) ([]Change, error) {
	args := []string{"diff", "--no-color", "--no-ext-diff", "--no-renames", "-U0",
		"--src-prefix=a/", "--dst-prefix=b/", since}
	out, err := g.run(ctx, append(args, g.pathspec()...)...)
	if err != nil {
		return nil, err
	}
	return ParseChanges(out)
}

// Dirty reports uncommitted changes, untracked files included.
func (g *GitSource) Dirty(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, append([]string{"status", "--porcelain"}, g.pathspec()...)...)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Resolve reports whether revision names a commit in the repository.
func (g *GitSource) Resolve(ctx context.Context, revision string) (bool, error) {
	if revision == "" {
		return false, nil
	}
	_, stderr, err := g.exec(ctx, "cat-file", "-e", revision+"^{commit}")
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, eris.Wrapf(err, "git cat-file: %s", strings.TrimSpace(stderr))
}

// Checkout moves the working tree to revision.
func (g *GitSource) Checkout(ctx context.Context, revision string) error {
	_, err := g.run(ctx, "checkout", "--quiet", revision)
	return err
}

// Read returns the working tree content of a repository-relative path.
func (g *GitSource) Read(_ context.Context, path string) ([]byte, error) {
	if !filepath.IsLocal(path) {
		return nil, eris.Wrapf(ErrPathNotFound, "%q escapes repository", path)
	}
	data, err := os.ReadFile(filepath.Join(g.repoPath, path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrPathNotFound, "%s", path)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "source: read %s", path)
	}
	return data, nil
}

// ParseChanges extracts changed paths from a unified diff. A file whose new
// name is /dev/null was deleted.
func ParseChanges(unified string) ([]Change, error) {
	if strings.TrimSpace(unified) == "" {
		return nil, nil
	}

	files, err := diff.NewMultiFileDiffReader(strings.NewReader(unified)).ReadAllFiles()
	if err != nil {
		return nil, eris.Wrap(err, "source: parse diff")
	}

	seen := make(map[string]int, len(files))
	var out []Change
	add := func(c Change) {
		if i, ok := seen[c.Path]; ok {
			out[i].Deleted = out[i].Deleted && c.Deleted
			return
		}
		seen[c.Path] = len(out)
		out = append(out, c)
	}

	for _, fd := range files {
		orig := trimPrefix(fd.OrigName, "a/")
		name := trimPrefix(fd.NewName, "b/")
		switch {
		case name == devNull:
			add(Change{Path: orig, Deleted: true})
		case orig == devNull || orig == name:
			add(Change{Path: name})
		default:
			add(Change{Path: orig, Deleted: true})
			add(Change{Path: name})
		}
	}
	return out, nil
}

func trimPrefix(name, prefix string) string {
	if name == devNull {
		return name
	}
	return strings.TrimPrefix(name, prefix)
}
