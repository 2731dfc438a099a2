package mesh

import "errors"

var (
	// ErrNoPeerForRole is returned by FindRole when no live peer
	// advertises the requested role.
	ErrNoPeerForRole = errors.New("no peer available for role")

	// ErrNotStarted is returned by operations that require a running
	// mesh membership.
	ErrNotStarted = errors.New("mesh not started")
)
