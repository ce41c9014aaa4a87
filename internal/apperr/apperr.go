// Package apperr is the error taxonomy shared by every file operation.
// Each error carries a stable machine-readable code that clients branch on.
package apperr

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
)

// Kind classifies an error.
type Kind int

const (
	KindIO Kind = iota
	KindPathEscape
	KindNotFound
	KindNotADirectory
	KindDirectoriesNotEmpty
	KindMissingField
	KindInvalidName
	KindChunkOrder
	KindAccess
	KindExists
	KindInvalidChunk
)

// Stable codes. DIRECTORIES_NOT_EMPTY is part of the client contract.
const (
	CodeIO                  = "IO_ERROR"
	CodePathEscape          = "PATH_ESCAPE"
	CodeNotFound            = "NOT_FOUND"
	CodeNotADirectory       = "NOT_A_DIRECTORY"
	CodeDirectoriesNotEmpty = "DIRECTORIES_NOT_EMPTY"
	CodeMissingField        = "MISSING_FIELD"
	CodeInvalidName         = "INVALID_NAME"
	CodeChunkOrder          = "CHUNK_ORDER"
	CodeAccess              = "ACCESS_DENIED"
	CodeExists              = "ALREADY_EXISTS"
	CodeInvalidChunk        = "INVALID_CHUNK"
)

// Error is the concrete error type returned by the core packages.
type Error struct {
	Kind    Kind
	Message string
	// Names lists the offending items (missing items, non-empty directories).
	Names []string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the stable code for the error kind.
func (e *Error) Code() string {
	switch e.Kind {
	case KindPathEscape:
		return CodePathEscape
	case KindNotFound:
		return CodeNotFound
	case KindNotADirectory:
		return CodeNotADirectory
	case KindDirectoriesNotEmpty:
		return CodeDirectoriesNotEmpty
	case KindMissingField:
		return CodeMissingField
	case KindInvalidName:
		return CodeInvalidName
	case KindChunkOrder:
		return CodeChunkOrder
	case KindAccess:
		return CodeAccess
	case KindExists:
		return CodeExists
	case KindInvalidChunk:
		return CodeInvalidChunk
	default:
		return CodeIO
	}
}

// Status maps the error kind onto an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindPathEscape, KindAccess:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindNotADirectory, KindDirectoriesNotEmpty, KindMissingField, KindInvalidName, KindExists, KindInvalidChunk:
		return http.StatusBadRequest
	case KindChunkOrder:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PathEscape reports a candidate path that normalizes outside the root.
// The offending path is deliberately not included in the message.
func PathEscape() *Error {
	return &Error{Kind: KindPathEscape, Message: "access outside the root directory is forbidden"}
}

func NotFound(names ...string) *Error {
	msg := "not found"
	switch len(names) {
	case 0:
	case 1:
		msg = fmt.Sprintf("%s not found", names[0])
	default:
		msg = fmt.Sprintf("items not found: %s", strings.Join(names, ", "))
	}
	return &Error{Kind: KindNotFound, Message: msg, Names: names}
}

func NotADirectory(name string) *Error {
	return &Error{Kind: KindNotADirectory, Message: fmt.Sprintf("%s is not a directory", name), Names: []string{name}}
}

// DirectoriesNotEmpty is a negotiable precondition: the caller may retry
// with force set.
func DirectoriesNotEmpty(dirs []string) *Error {
	return &Error{Kind: KindDirectoriesNotEmpty, Message: CodeDirectoriesNotEmpty, Names: dirs}
}

func MissingField(fields ...string) *Error {
	return &Error{Kind: KindMissingField, Message: fmt.Sprintf("missing required field(s): %s", strings.Join(fields, ", ")), Names: fields}
}

func InvalidName(name string) *Error {
	return &Error{Kind: KindInvalidName, Message: fmt.Sprintf("invalid name %q", name), Names: []string{name}}
}

func ChunkOrder(format string, args ...any) *Error {
	return &Error{Kind: KindChunkOrder, Message: fmt.Sprintf(format, args...)}
}

// InvalidChunk reports chunk numbering that can never be valid, such as an
// index beyond the total.
func InvalidChunk(index, total int) *Error {
	return &Error{Kind: KindInvalidChunk, Message: fmt.Sprintf("chunk index %d out of range for %d chunks", index, total)}
}

func Exists(name string) *Error {
	return &Error{Kind: KindExists, Message: fmt.Sprintf("%s already exists", name), Names: []string{name}}
}

func IO(op string, err error) *Error {
	return &Error{Kind: KindIO, Message: op + " failed", Err: err}
}

// FromFS reparents a filesystem error into the taxonomy. rel is the
// root-relative name used in the message so absolute paths never leak.
func FromFS(err error, rel string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if rel == "" {
		rel = "/"
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		e := NotFound(rel)
		e.Err = err
		return e
	case errors.Is(err, fs.ErrPermission):
		return &Error{Kind: KindAccess, Message: fmt.Sprintf("permission denied: %s", rel), Err: err}
	case errors.Is(err, fs.ErrExist):
		e := Exists(rel)
		e.Err = err
		return e
	default:
		return &Error{Kind: KindIO, Message: fmt.Sprintf("i/o error on %s", rel), Err: err}
	}
}

// As extracts an *Error from err; anything else is reported as an IO error.
func As(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindIO, Message: "internal error", Err: err}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}
