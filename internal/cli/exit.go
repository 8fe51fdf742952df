package cli

import (
	"github.com/alexngai/gitswarm/internal/gserr"
)

// exitCodeFor maps a gserr.Kind to the spec's fixed CLI exit codes: 0
// success, 1 user error, 2 permission denied, 3 consensus not reached,
// 4 merge conflict, 5 network/server error, 6 lock contention.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	switch gserr.KindOf(err) {
	case gserr.PermissionDenied:
		return 2
	case gserr.ConsensusError:
		return 3
	case gserr.GitError:
		return 4
	case gserr.Network:
		return 5
	case gserr.Concurrency:
		return 6
	case gserr.NotFound, gserr.Validation, gserr.StateError, gserr.Policy:
		return 1
	default:
		return 1
	}
}

// ExitCode exposes exitCodeFor to cmd/gitswarm's main, the actual caller of
// os.Exit once Execute() returns an error.
func ExitCode(err error) int {
	return exitCodeFor(err)
}
