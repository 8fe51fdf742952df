package gitadapter

import (
	"context"
	"strings"
	"testing"
)

type fakeGit struct {
	calls   []call
	results []result
	idx     int
}

type call struct {
	Dir  string
	Args []string
}

type result struct {
	Output string
	Err    error
}

func (f *fakeGit) Run(dir string, args ...string) (string, error) {
	f.calls = append(f.calls, call{Dir: dir, Args: args})
	if f.idx >= len(f.results) {
		return "", nil
	}
	r := f.results[f.idx]
	f.idx++
	return r.Output, r.Err
}

func TestSanitizeBranch(t *testing.T) {
	cases := map[string]string{
		"fix: login bug!!": "fix-login-bug",
		"normal-branch":    "normal-branch",
		"":                 "stream",
	}
	for in, want := range cases {
		if got := SanitizeBranch(in); got != want {
			t.Errorf("SanitizeBranch(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMergeNoFF_Conflict(t *testing.T) {
	git := &fakeGit{results: []result{
		{Err: errConflict{}},
	}}
	a := New(git, "/repo")
	_, err := a.MergeNoFF(context.Background(), "stream/x", "merge msg")
	if err != ErrMergeConflict {
		t.Fatalf("err = %v, want ErrMergeConflict", err)
	}
	if len(git.calls) != 2 || git.calls[1].Args[0] != "merge" || git.calls[1].Args[1] != "--abort" {
		t.Errorf("expected merge --abort to be called after conflict, calls = %+v", git.calls)
	}
}

func TestMergeNoFF_Success(t *testing.T) {
	git := &fakeGit{results: []result{
		{Output: ""},
		{Output: "abc123"},
	}}
	a := New(git, "/repo")
	commit, err := a.MergeNoFF(context.Background(), "stream/x", "merge msg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if commit != "abc123" {
		t.Errorf("commit = %q, want abc123", commit)
	}
}

func TestRevertMerge(t *testing.T) {
	git := &fakeGit{results: []result{
		{Output: "parent123"},
		{Output: ""},
	}}
	a := New(git, "/repo")
	if err := a.RevertMerge(context.Background(), "mergecommit"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resetCall := git.calls[1]
	if !strings.Contains(strings.Join(resetCall.Args, " "), "reset --hard parent123") {
		t.Errorf("expected reset --hard parent123, got %v", resetCall.Args)
	}
}

type errConflict struct{}

func (errConflict) Error() string { return "merge conflict" }
