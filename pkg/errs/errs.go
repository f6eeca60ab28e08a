// Package errs holds the error kinds shared by the client packages.
//
// Validation failures, missing remote objects and operations that are not valid
// in the current lifecycle state reuse the juju/errors kinds (errors.NotValid,
// errors.NotFound and errors.NotSupported). The kinds below cover the rest.
package errs

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

const (
	// ErrConfiguration is returned when a connector is missing a required
	// transport key or carries an invalid format.
	ErrConfiguration = errors.ConstError("invalid connector configuration")

	// ErrTransport is returned when the pipeline service cannot be reached or
	// answers with a server-side failure.
	ErrTransport = errors.ConstError("transport failure")

	// ErrTerminated is returned to callers blocked on a session that was shut
	// down or deleted while they waited.
	ErrTerminated = errors.ConstError("session terminated")

	// ErrCompilation matches every *CompilationError.
	ErrCompilation = errors.ConstError("program compilation failed")
)

type kindError struct {
	kind errors.ConstError
	msg  string
}

func (e *kindError) Error() string {
	return e.msg + ": " + e.kind.Error()
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}

func (e *kindError) Unwrap() error {
	return e.kind
}

// Configurationf returns an error matching ErrConfiguration.
func Configurationf(format string, args ...interface{}) error {
	return &kindError{kind: ErrConfiguration, msg: fmt.Sprintf(format, args...)}
}

// Transportf returns an error matching ErrTransport.
func Transportf(format string, args ...interface{}) error {
	return &kindError{kind: ErrTransport, msg: fmt.Sprintf(format, args...)}
}

// Terminatedf returns an error matching ErrTerminated.
func Terminatedf(format string, args ...interface{}) error {
	return &kindError{kind: ErrTerminated, msg: fmt.Sprintf(format, args...)}
}

// CompilationError carries the diagnostic reported by the service when a
// program fails to compile. The diagnostic is kept verbatim.
type CompilationError struct {
	Program    string
	Stage      string // SqlError, RustError or SystemError
	Diagnostic string
}

func (e *CompilationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "program %q failed to compile", e.Program)
	if e.Stage != "" {
		fmt.Fprintf(&b, " (%s)", e.Stage)
	}
	if e.Diagnostic != "" {
		b.WriteString(": ")
		b.WriteString(e.Diagnostic)
	}
	return b.String()
}

// Is reports whether target is ErrCompilation.
func (e *CompilationError) Is(target error) bool {
	return target == ErrCompilation
}
