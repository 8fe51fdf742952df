// Package gitadapter implements the Git Adapter contract (spec §6): the one
// genuinely out-of-scope collaborator the core components are still allowed
// to depend on directly. The contract table names operations in terms of a
// generic "git driver"; this package is the CLI's concrete implementation
// of it, grounded directly on the teacher's internal/worktree/worktree.go
// (worktree lifecycle) and internal/context/git.go (diff/log plumbing).
package gitadapter

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/alexngai/gitswarm/internal/gserr"
)

// Runner abstracts subprocess execution so components can be tested with a
// fake, the same split the teacher uses (GitRunner / ExecGit).
type Runner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecRunner shells out to the system git binary.
type ExecRunner struct{}

func (ExecRunner) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Adapter owns the repository working copy and every subprocess-backed git
// operation. One Adapter per Federation Context (spec §4.10: "owns the git
// driver").
type Adapter struct {
	git     Runner
	repoDir string
	wtDir   string // <repoDir>/.worktrees, per spec §6 persisted-state layout
}

func New(git Runner, repoDir string) *Adapter {
	if git == nil {
		git = ExecRunner{}
	}
	return &Adapter{git: git, repoDir: repoDir, wtDir: repoDir + "/.worktrees"}
}

// WorktreePath returns the per-agent worktree directory (spec §6 Persisted
// state layout: ".worktrees/ directory holding per-agent working trees").
func (a *Adapter) WorktreePath(agentID string) string {
	return a.wtDir + "/" + agentID
}

var invalidBranchChars = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

// SanitizeBranch turns an arbitrary stream name into a safe branch name,
// lifted from the teacher's sanitizeBranch (worktree.go), generalized from
// "sanitize an issue title" to "sanitize any stream name".
func SanitizeBranch(name string) string {
	s := invalidBranchChars.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	if s == "" {
		s = "stream"
	}
	return s
}

// CreateStream creates (or reuses) a branch for a new stream, branching
// from base. Mirrors the Git Adapter contract's createStream operation.
func (a *Adapter) CreateStream(ctx context.Context, name, base string) (branch string, err error) {
	branch = SanitizeBranch(name)
	// Best-effort refresh of the base ref; offline/local-only repos tolerate failure.
	_, _ = a.git.Run(a.repoDir, "fetch", "origin", base)

	if _, err := a.git.Run(a.repoDir, "rev-parse", "--verify", branch); err == nil {
		return branch, nil // branch already exists: treated as reuse, not an error
	}

	refs := []string{"origin/" + base, base}
	var lastErr error
	for _, ref := range refs {
		if _, err := a.git.Run(a.repoDir, "branch", branch, ref); err == nil {
			return branch, nil
		} else {
			lastErr = err
		}
	}
	return "", gserr.Wrap(gserr.GitError, "create_stream_failed", lastErr)
}

// ForkStream branches a child stream from a parent stream's branch.
func (a *Adapter) ForkStream(ctx context.Context, name, parentBranch string) (branch string, err error) {
	branch = SanitizeBranch(name)
	if _, err := a.git.Run(a.repoDir, "branch", branch, parentBranch); err != nil {
		return "", gserr.Wrap(gserr.GitError, "fork_stream_failed", err)
	}
	return branch, nil
}

// CreateWorktree checks out branch into a per-agent worktree directory,
// reassigning it atomically if the agent already has one (spec §4.2:
// "Allocate a worktree per agent... reassigning it switches streams
// atomically").
func (a *Adapter) CreateWorktree(ctx context.Context, agentID, branch string) (path string, err error) {
	path = a.wtDir + "/" + agentID
	if _, statErr := a.git.Run(a.repoDir, "worktree", "list"); statErr == nil {
		// Best effort: drop any existing worktree for this agent before reassigning.
		_, _ = a.git.Run(a.repoDir, "worktree", "remove", "--force", path)
	}
	if _, err := a.git.Run(a.repoDir, "worktree", "add", path, branch); err != nil {
		return "", gserr.Wrap(gserr.GitError, "create_worktree_failed", err)
	}
	return path, nil
}

// DeallocateWorktree removes an agent's worktree without touching the branch.
func (a *Adapter) DeallocateWorktree(ctx context.Context, agentID string) error {
	path := a.wtDir + "/" + agentID
	if _, err := a.git.Run(a.repoDir, "worktree", "remove", path); err != nil {
		return gserr.Wrap(gserr.GitError, "deallocate_worktree_failed", err)
	}
	return nil
}

// CommitChanges stages everything and commits in the given worktree,
// returning the new commit hash. change_id generation is delegated to the
// underlying driver in the general contract; here it is the commit hash
// itself, since GitSwarm does not rebase/amend commits on agents' behalf.
func (a *Adapter) CommitChanges(ctx context.Context, worktreePath, message string) (commit, changeID string, err error) {
	if _, err := a.git.Run(worktreePath, "add", "-A"); err != nil {
		return "", "", gserr.Wrap(gserr.GitError, "commit_stage_failed", err)
	}
	if _, err := a.git.Run(worktreePath, "commit", "-m", message, "--allow-empty"); err != nil {
		return "", "", gserr.Wrap(gserr.GitError, "commit_failed", err)
	}
	hash, err := a.git.Run(worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", "", gserr.Wrap(gserr.GitError, "commit_resolve_failed", err)
	}
	return hash, hash, nil
}

// Checkout switches the repo's primary working copy to branch, used to
// bracket every merge and promotion (spec §4.3/§4.4).
func (a *Adapter) Checkout(ctx context.Context, branch string) error {
	if _, err := a.git.Run(a.repoDir, "checkout", branch); err != nil {
		return gserr.Wrap(gserr.GitError, "checkout_failed", err)
	}
	return nil
}

// ErrMergeConflict is returned by MergeNoFF when the merge leaves conflict
// markers; callers must classify this as spec's merge_conflict reason.
var ErrMergeConflict = fmt.Errorf("merge conflict")

// MergeNoFF executes `git merge <branch> --no-ff -m message` on the current
// checkout, aborting and returning ErrMergeConflict on conflict (spec
// §4.4.7b).
func (a *Adapter) MergeNoFF(ctx context.Context, branch, message string) (commit string, err error) {
	if _, err := a.git.Run(a.repoDir, "merge", branch, "--no-ff", "-m", message); err != nil {
		_, _ = a.git.Run(a.repoDir, "merge", "--abort")
		return "", ErrMergeConflict
	}
	hash, err := a.git.Run(a.repoDir, "rev-parse", "HEAD")
	if err != nil {
		return "", gserr.Wrap(gserr.GitError, "merge_resolve_failed", err)
	}
	return hash, nil
}

// MergeFFOnly executes `git merge --ff-only <source>`, used by the Promoter
// (spec §4.6).
func (a *Adapter) MergeFFOnly(ctx context.Context, source string) (commit string, err error) {
	if _, err := a.git.Run(a.repoDir, "merge", "--ff-only", source); err != nil {
		return "", gserr.Wrap(gserr.GitError, "promote_failed", err)
	}
	hash, err := a.git.Run(a.repoDir, "rev-parse", "HEAD")
	if err != nil {
		return "", gserr.Wrap(gserr.GitError, "promote_resolve_failed", err)
	}
	return hash, nil
}

// RevertMerge rolls back the given merge commit on the current branch via a
// revert-style reset, used by the Stabilizer's auto-revert-on-red path
// (spec §4.5). It resets to the merge commit's first parent, which discards
// exactly the most recent merge.
func (a *Adapter) RevertMerge(ctx context.Context, mergeCommit string) error {
	parent, err := a.git.Run(a.repoDir, "rev-parse", mergeCommit+"^1")
	if err != nil {
		return gserr.Wrap(gserr.GitError, "revert_error", err)
	}
	if _, err := a.git.Run(a.repoDir, "reset", "--hard", parent); err != nil {
		return gserr.Wrap(gserr.GitError, "revert_error", err)
	}
	return nil
}

// Tag creates a lightweight tag at HEAD, used for green checkpoints (spec §4.5).
func (a *Adapter) Tag(ctx context.Context, name string) error {
	if _, err := a.git.Run(a.repoDir, "tag", name); err != nil {
		return gserr.Wrap(gserr.GitError, "tag_failed", err)
	}
	return nil
}

// RevParse resolves any ref to a commit hash.
func (a *Adapter) RevParse(ctx context.Context, ref string) (string, error) {
	hash, err := a.git.Run(a.repoDir, "rev-parse", ref)
	if err != nil {
		return "", gserr.Wrap(gserr.GitError, "rev_parse_failed", err)
	}
	return hash, nil
}

// SafeTagSuffix renders the current time as the rfc3339-with-safe-chars
// suffix spec §4.5 requires for green tags (":" is not a valid git ref char).
func SafeTagSuffix(t time.Time) string {
	return strings.NewReplacer(":", "-", "+", "-").Replace(t.UTC().Format(time.RFC3339))
}
