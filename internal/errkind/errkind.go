// Package errkind classifies errors into the five kinds the daemon
// distinguishes when deciding whether to retry, quarantine a single
// file, or abort a folder: user input, environment, transient,
// per-file, and fatal. It mirrors the way syncthing's lib/build and
// lib/fs wrap errors with a stable Kind rather than matching on
// message text at the call site.
package errkind

import (
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindUserInput
	KindEnvironment
	KindTransient
	KindPerFile
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindUserInput:
		return "user-input"
	case KindEnvironment:
		return "environment"
	case KindTransient:
		return "transient"
	case KindPerFile:
		return "per-file"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind, and optionally the path
// of the file it concerns.
type Error struct {
	Kind  Kind
	Path  string
	Cause error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Path, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func NewForFile(kind Kind, path string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return find(err) != nil && find(err).Kind == kind
}

func find(err error) *Error {
	for err != nil {
		if ke, ok := err.(*Error); ok {
			return ke
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// Message returns the human-facing notification text for err: the raw
// cause, with no "kind (path):" bookkeeping prefix, for an *Error;
// err.Error() unchanged for anything else. Folder notifications (§7)
// are always this cause text, e.g. "Python 3.8+ required for
// Multilingual E5", not "environment: Python 3.8+ required for ...".
func Message(err error) string {
	if e := find(err); e != nil {
		return e.Cause.Error()
	}
	return err.Error()
}

// UnsupportedRuntime builds the canonical environment-kind error used
// when a curated model requires a runtime the host does not have, e.g.
// "Python 3.8+ required for Multilingual E5".
func UnsupportedRuntime(modelDisplayName, requirement string) *Error {
	return &Error{
		Kind:  KindEnvironment,
		Cause: fmt.Errorf("%s required for %s", requirement, modelDisplayName),
	}
}

// missingRuntimeSignatures are substrings an embedding backend's error
// carries when the interpreter/runtime it depends on is absent from
// the host, e.g. Go's exec.Error for a missing "python3" on PATH, or a
// Python backend's own "ModuleNotFoundError" for a missing interpreter
// shim. A match here is the "known prerequisite-missing pattern" §7
// distinguishes from an ordinary per-file embedding failure.
var missingRuntimeSignatures = []string{
	"executable file not found",
	"no such file or directory",
	"is not recognized as an internal or external command",
	"modulenotfounderror",
}

// ClassifyEmbedError recognizes the known prerequisite-missing error
// signature in cause and, if it matches, returns the canonical
// UnsupportedRuntime error. It returns nil when cause does not match,
// meaning the caller should treat it as an ordinary per-file error
// rather than escalating the whole folder.
func ClassifyEmbedError(modelDisplayName, requirement string, cause error) *Error {
	if cause == nil {
		return nil
	}
	msg := strings.ToLower(cause.Error())
	for _, sig := range missingRuntimeSignatures {
		if strings.Contains(msg, sig) {
			return UnsupportedRuntime(modelDisplayName, requirement)
		}
	}
	return nil
}
