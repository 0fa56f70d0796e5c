package silopipe

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Components attach a kind at the
// failure site; only the command boundary and the build controller act
// on it.
type Kind int

const (
	// KindUnknown is the zero kind for unclassified failures.
	KindUnknown Kind = iota

	// KindInput marks an unparseable record or an unresolvable sort key.
	// Fatal for the current sub-step, never silently skipped.
	KindInput

	// KindTransport marks a network or API failure that survived the
	// bounded retry budget.
	KindTransport

	// KindIntegrity marks an incomplete or corrupt chunk, merge or index
	// artifact. At the controller level this triggers a rollback.
	KindIntegrity

	// KindConcurrency marks a refused run: a build marker is present
	// without crash evidence, so a second build may not race the first.
	KindConcurrency
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindTransport:
		return "transport"
	case KindIntegrity:
		return "integrity"
	case KindConcurrency:
		return "concurrency"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// E attaches a kind to err. A nil err returns nil.
func E(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Errorf formats an error and attaches a kind to it.
func Errorf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf recovers the kind attached closest to the surface of err's
// wrap chain, or KindUnknown if none was attached.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// ExitCode maps an error to the process exit code shared by the
// command-line tools. The mapping lives here, once, rather than being
// re-derived per tool. The change detector's ternary surface
// (0 new data / 1 no new data / 2 error) is the one documented
// exception and is handled by its own command.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindInput:
		return 2
	case KindTransport:
		return 3
	case KindIntegrity:
		return 4
	case KindConcurrency:
		return 5
	default:
		return 1
	}
}
