package forward

import (
	"fmt"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
)

// Error is the forwarding error.  It contains the upstreams that were used for
// the failed exchange, if any.
type Error struct {
	Err              error
	Upstream         Upstream
	FallbackUpstream Upstream
}

// type check
var _ error = (*Error)(nil)

// Error implements the error interface for *Error.
func (err *Error) Error() (msg string) {
	b := &strings.Builder{}
	b.WriteString("forwarding")

	if err.Upstream != nil {
		_, _ = fmt.Fprintf(b, " to %s", err.Upstream)
	}

	if err.FallbackUpstream != nil {
		_, _ = fmt.Fprintf(b, " with fallback %s", err.FallbackUpstream)
	}

	_, _ = fmt.Fprintf(b, ": %s", err.Err)

	return b.String()
}

// type check
var _ errors.Wrapper = (*Error)(nil)

// Unwrap implements the [errors.Wrapper] interface for *Error.
func (err *Error) Unwrap() (unwrapped error) {
	return err.Err
}

// annotate is a deferrable helper for forwarding errors.
func annotate(err error, ups, fallbackUps Upstream) (wrapped error) {
	if err == nil {
		return nil
	}

	return &Error{
		Err:              err,
		Upstream:         ups,
		FallbackUpstream: fallbackUps,
	}
}
