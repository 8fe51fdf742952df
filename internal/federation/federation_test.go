package federation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestRepoDir(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	repoDir := t.TempDir()
	return repoDir
}

func TestInit_WritesConfigAndCreatesRepoRow(t *testing.T) {
	repoDir := newTestRepoDir(t)

	c, err := Init(repoDir, InitOptions{MergeMode: "swarm", OwnershipModel: "open", BufferBranch: "buffer", PromoteTarget: "main"})
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	defer c.Close()

	if _, err := os.Stat(filepath.Join(repoDir, ".gitswarm", "repo.yaml")); err != nil {
		t.Fatalf("expected .gitswarm/repo.yaml to exist: %v", err)
	}

	repo, err := c.Repos.Sole(context.Background())
	if err != nil {
		t.Fatalf("Sole() error: %v", err)
	}
	if string(repo.MergeMode) != "swarm" {
		t.Errorf("MergeMode = %q, want swarm", repo.MergeMode)
	}
	if string(repo.OwnershipModel) != "open" {
		t.Errorf("OwnershipModel = %q, want open", repo.OwnershipModel)
	}
}

func TestOpen_AppliesRepoConfigOnReopen(t *testing.T) {
	repoDir := newTestRepoDir(t)

	c, err := Init(repoDir, InitOptions{MergeMode: "review", OwnershipModel: "guild", BufferBranch: "buffer", PromoteTarget: "main"})
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	c.Close()

	// Hand-edit the repo-embedded config the way an operator would, then
	// reopen: Open's applyRepoConfig step should push the new merge_mode
	// onto the policy tables without a separate "apply" command.
	rcPath := filepath.Join(repoDir, ".gitswarm", "repo.yaml")
	data, err := os.ReadFile(rcPath)
	if err != nil {
		t.Fatalf("read repo.yaml: %v", err)
	}
	edited := strings.Replace(string(data), "merge_mode: review", "merge_mode: gated", 1)
	if err := os.WriteFile(rcPath, []byte(edited), 0o644); err != nil {
		t.Fatalf("write repo.yaml: %v", err)
	}

	c2, err := Open(repoDir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer c2.Close()

	repo, err := c2.Repos.Sole(context.Background())
	if err != nil {
		t.Fatalf("Sole() error: %v", err)
	}
	if string(repo.MergeMode) != "gated" {
		t.Errorf("MergeMode after reopen = %q, want gated (picked up from edited repo.yaml)", repo.MergeMode)
	}
}

func TestOpen_NotFoundWithoutInit(t *testing.T) {
	repoDir := newTestRepoDir(t)
	if _, err := Open(repoDir); err == nil {
		t.Error("expected Open() to fail when no .gitswarm directory exists")
	}
}
