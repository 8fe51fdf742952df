// Package stabilize implements the Stabilizer (spec §4.5): runs the
// repository's configured stabilize_command against the buffer branch,
// tags green checkpoints, and auto-reverts red ones. Grounded on the
// teacher's internal/checks (command-with-timeout + captured-output
// pattern) and internal/triage's "inspect most recent, act, record" shape.
package stabilize

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexngai/gitswarm/internal/gitadapter"
	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/policy"
	"github.com/alexngai/gitswarm/internal/store"
	"github.com/alexngai/gitswarm/internal/stream"
)

// CommandTimeout is spec §4.5's fixed 300s ceiling on the stabilize_command.
const CommandTimeout = 300 * time.Second

// OutputCap truncates captured stabilize_command output to ~2000 chars
// (spec §4.5), matching the teacher's checks package's log-truncation idiom.
const OutputCap = 2000

// EventEmitter mirrors the one in internal/merge; kept distinct so this
// package doesn't need to import merge just for the interface shape.
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]any)
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, string, map[string]any) {}

// Promoter is the narrow slice of internal/promote.Promoter the Stabilizer
// needs for its auto-promote-on-green path.
type Promoter interface {
	Promote(ctx context.Context, tag string, agentID string) error
}

// Runner abstracts command execution so tests don't need a real shell.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, env map[string]string, command string) (output string, exitCode int, err error)
}

// ShellRunner runs command through `sh -c`, the teacher's checks.go idiom.
type ShellRunner struct{ Dir string }

func (r ShellRunner) Run(ctx context.Context, timeout time.Duration, env map[string]string, command string) (string, int, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = r.Dir
	cmd.Env = append(cmd.Env, envSlice(env)...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()

	exitCode := 0
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return buf.String(), -1, fmt.Errorf("stabilize_command timed out after %s", timeout)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return buf.String(), -1, err
		}
	}
	return buf.String(), exitCode, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Stabilizer runs stabilize(repo) (spec §4.5).
type Stabilizer struct {
	db       store.Backend
	git      *gitadapter.Adapter
	repos    *policy.RepoStore
	streams  *stream.Registry
	runner   Runner
	promoter Promoter // nil disables auto-promote-on-green
	events   EventEmitter
	log      zerolog.Logger
}

func New(db store.Backend, git *gitadapter.Adapter, repos *policy.RepoStore, streams *stream.Registry,
	runner Runner, promoter Promoter, events EventEmitter, log zerolog.Logger) *Stabilizer {
	if events == nil {
		events = noopEmitter{}
	}
	return &Stabilizer{db: db, git: git, repos: repos, streams: streams, runner: runner, promoter: promoter, events: events, log: log}
}

// Result is stabilize(repo)'s return shape.
type Result struct {
	Result     model.StabilizationResult
	Tag        string
	Output     string
	ExitCode   int
	RevertedID string // id of the stream whose merge was rolled back on red, if any
}

// Stabilize runs the repo's configured stabilize_command and reacts to the
// outcome (spec §4.5).
func (s *Stabilizer) Stabilize(ctx context.Context, repoID string) (Result, error) {
	repo, err := s.repos.Get(ctx, repoID)
	if err != nil {
		return Result{}, err
	}
	if repo.StabilizeCommand == "" {
		return Result{}, gserr.New(gserr.Validation, "no_stabilize_command", "repository has no stabilize_command configured")
	}

	bufferCommit, err := s.git.RevParse(ctx, repo.BufferBranch)
	if err != nil {
		return Result{}, err
	}

	output, exitCode, runErr := s.runner.Run(ctx, CommandTimeout, map[string]string{"GIT_BRANCH": repo.BufferBranch}, repo.StabilizeCommand)
	if runErr != nil {
		return Result{}, gserr.Wrap(gserr.StateError, "stabilize_run_failed", runErr)
	}
	if len(output) > OutputCap {
		output = output[:OutputCap]
	}

	if exitCode == 0 {
		return s.handleGreen(ctx, repo, bufferCommit, output)
	}
	return s.handleRed(ctx, repo, bufferCommit, output)
}

func (s *Stabilizer) handleGreen(ctx context.Context, repo *model.Repository, bufferCommit, output string) (Result, error) {
	tag := "green/" + gitadapter.SafeTagSuffix(timeNow())
	if err := s.git.Tag(ctx, tag); err != nil {
		return Result{}, err
	}

	res := Result{Result: model.StabilizationGreen, Tag: tag, Output: output, ExitCode: 0}
	if err := s.record(ctx, repo.ID, res, bufferCommit, ""); err != nil {
		s.log.Warn().Err(err).Msg("failed to record green stabilization")
	}

	if repo.AutoPromoteOnGreen && s.promoter != nil {
		if err := s.promoter.Promote(ctx, tag, "system"); err != nil {
			s.log.Warn().Err(err).Str("tag", tag).Msg("auto-promote-on-green failed")
		}
	}

	s.events.Emit(ctx, "stabilization_passed", map[string]any{"repo": repo.ID, "tag": tag})
	return res, nil
}

func (s *Stabilizer) handleRed(ctx context.Context, repo *model.Repository, bufferCommit, output string) (Result, error) {
	res := Result{Result: model.StabilizationRed, Output: output}

	var breakingStream string
	if repo.AutoRevertOnRed {
		mergeRow, err := s.mostRecentMerge(ctx, repo.ID)
		if err != nil {
			s.log.Warn().Err(err).Msg("could not find a merge to revert")
		} else if mergeRow != nil {
			if revertErr := s.git.RevertMerge(ctx, mergeRow.Str("merge_commit")); revertErr != nil {
				res.Output += "\nrevert_error: " + revertErr.Error()
				s.log.Warn().Err(revertErr).Msg("revert_error: auto-revert-on-red failed")
			} else {
				streamID := mergeRow.Str("stream")
				breakingStream = streamID
				res.RevertedID = streamID
				if err := s.streams.MarkReverted(ctx, streamID); err != nil {
					s.log.Warn().Err(err).Msg("failed to mark stream reverted after rollback")
				}
				s.createCriticalTask(ctx, repo.ID, streamID)
			}
		}
	}

	if err := s.record(ctx, repo.ID, res, bufferCommit, breakingStream); err != nil {
		s.log.Warn().Err(err).Msg("failed to record red stabilization")
	}

	s.events.Emit(ctx, "stabilization_failed", map[string]any{"repo": repo.ID, "breaking_stream": breakingStream})
	return res, nil
}

// mostRecentMerge implements spec §4.5's "inspect recent merge ops (most
// recent first)" heuristic, which the design note explicitly documents as
// newest-first rather than bisection.
func (s *Stabilizer) mostRecentMerge(ctx context.Context, repoID string) (store.Row, error) {
	qr, err := s.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE repo = $1 ORDER BY id DESC LIMIT 1", s.db.Table("merges")), repoID)
	if err != nil {
		return nil, fmt.Errorf("query recent merge: %w", err)
	}
	if len(qr.Rows) == 0 {
		return nil, nil
	}
	return qr.Rows[0], nil
}

// createCriticalTask records the repair task spec S5 requires. There is no
// dedicated Task entity in the data model (spec §3); this is carried as an
// activity_log row with kind="critical_task", the same place every other
// lifecycle note lands.
func (s *Stabilizer) createCriticalTask(ctx context.Context, repoID, streamID string) {
	title := fmt.Sprintf("Fix breaking merge from stream %s", streamID)
	_, err := s.db.Exec(ctx, fmt.Sprintf("INSERT INTO %s (repo, kind, metadata, at) VALUES ($1,$2,$3,$4)", s.db.Table("activity_log")),
		repoID, "critical_task", fmt.Sprintf(`{"title":%q,"stream":%q,"priority":"critical"}`, title, streamID), store.NowRFC3339())
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to record critical task")
	}
}

func (s *Stabilizer) record(ctx context.Context, repoID string, res Result, bufferCommit, breakingStream string) error {
	var tagVal, breakingVal any
	if res.Tag != "" {
		tagVal = res.Tag
	}
	if breakingStream != "" {
		breakingVal = breakingStream
	}
	_, err := s.db.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (repo, result, tag, buffer_commit, breaking_stream, details, at) VALUES ($1,$2,$3,$4,$5,$6,$7)",
		s.db.Table("stabilizations")),
		repoID, string(res.Result), tagVal, bufferCommit, breakingVal, truncate(res.Output, OutputCap), store.NowRFC3339())
	return err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// timeNow is a seam so tests could stub the tag timestamp if ever needed;
// today it's just time.Now, kept as a named func for that single reason.
func timeNow() time.Time { return time.Now() }
