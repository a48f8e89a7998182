// Package ohdberr defines the error taxonomy that crosses the wire in-band
// as part of a Response (see internal/protocol), plus the small set of
// errors that are fatal to a session rather than returned to the caller.
package ohdberr

import "fmt"

// Name identifies one of the fixed error kinds a client can pattern-match
// on. The wire value is the underlying string (string(name)), not the Go
// constant, so the taxonomy is stable across client languages.
type Name string

const (
	// Path/validation errors (§4.1, §7).
	NonAbsolutePath  Name = "NonAbsolutePath"
	EmptyComponent   Name = "EmptyComponent"
	Dotfile          Name = "Dotfile"
	InvalidCharacter Name = "InvalidCharacter"
	InvalidWhitespace Name = "InvalidWhitespace"

	// Tree errors (§4.2, §7).
	NoSuchNode              Name = "NoSuchNode"
	NodeAlreadyExists        Name = "NodeAlreadyExists"
	NotDirectory             Name = "NotDirectory"
	NotFile                  Name = "NotFile"
	DirectoryNotEmpty        Name = "DirectoryNotEmpty"
	NodeContainsSubscriptions Name = "NodeContainsSubscriptions"

	// Formula errors (§4.3, §7).
	FormulaInputNotFound Name = "FormulaInputNotFound"
	FormulaTypeError     Name = "FormulaTypeError"
	FormulaCycle         Name = "FormulaCycle"
	FormulaParseError    Name = "FormulaParseError"

	// Subscription errors (§4.4, §7).
	NoSuchSubscription Name = "NoSuchSubscription"

	// Protocol errors (§4.5, §7). These are returned in-band when they
	// concern a single malformed request, including a well-framed request
	// of an unknown type (UnknownMessageType). Framing corruption instead
	// produces a FrameError (see below) that kills the session, since the
	// session can no longer trust frame boundaries.
	UnknownMessageType Name = "UnknownMessageType"
	MissingField       Name = "MissingField"
	WrongFieldType     Name = "WrongFieldType"
	IdOutOfRange       Name = "IdOutOfRange"
	UnknownNodeType    Name = "UnknownNodeType"
)

// Error is the in-band error type returned by every tree/formula/
// subscription operation. Context is a free-form human-readable string;
// callers must not pattern-match on it, only on Name.
type Error struct {
	Name    Name
	Context string
}

func New(name Name, context string) *Error {
	return &Error{Name: name, Context: context}
}

func Newf(name Name, format string, args ...any) *Error {
	return &Error{Name: name, Context: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Context == "" {
		return string(e.Name)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Context)
}

// As reports whether err is itself an *ohdberr.Error, returning it if so.
// It is a plain type assertion: wrapped errors are not unwrapped.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// Is reports whether err is an *Error carrying the given Name.
func Is(err error, name Name) bool {
	e, ok := As(err)
	return ok && e.Name == name
}

// FrameError indicates the connection's byte stream can no longer be
// trusted to contain message boundaries (corrupt length prefix, body that
// fails to decode as a well-formed frame). Per §7 this is fatal to the
// session: no response is sent, and the connection is closed.
type FrameError struct {
	Cause error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame error: %v", e.Cause)
}

func (e *FrameError) Unwrap() error {
	return e.Cause
}

// Invariant is a programmer error inside the tree task — a violated
// invariant that, per §7, is fatal to the server rather than the
// session. Production code should never construct one outside of a
// defensive check; tests exercise it by forcing impossible states.
type Invariant struct {
	Context string
}

func (e *Invariant) Error() string {
	return "invariant violation: " + e.Context
}
