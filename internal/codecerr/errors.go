// Package codecerr defines the error taxonomy shared by the tiler, the container
// format, the backends and the orchestrator.
package codecerr

import (
	"errors"
	"fmt"
)

// Kind classifies a codec failure.
type Kind uint8

const (
	Unknown Kind = iota
	// ModelLoad: bad model path, corrupt weights or unsupported device.
	ModelLoad
	// UnknownBackend: backend identifier not compiled into this build.
	UnknownBackend
	// ShapeMismatch: patch or token array does not match the model's declared shape.
	ShapeMismatch
	// InvalidToken: token outside the model's alphabet.
	InvalidToken
	// UnsupportedVersion: container written by a newer format version.
	UnsupportedVersion
	// ModelMismatch: container was produced by an incompatible model.
	ModelMismatch
	// TruncatedFile: container shorter than its header declares.
	TruncatedFile
	// ResourceExhausted: device memory could not hold the batch.
	ResourceExhausted
	// CorruptFile: not a container, bad checksum or inconsistent metadata.
	CorruptFile
	// EmptyGrid: nothing to encode.
	EmptyGrid
)

var kindNames = [...]string{
	Unknown:            "unknown",
	ModelLoad:          "model load",
	UnknownBackend:     "unknown backend",
	ShapeMismatch:      "shape mismatch",
	InvalidToken:       "invalid token",
	UnsupportedVersion: "unsupported version",
	ModelMismatch:      "model mismatch",
	TruncatedFile:      "truncated file",
	ResourceExhausted:  "resource exhausted",
	CorruptFile:        "corrupt file",
	EmptyGrid:          "empty grid",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a classified codec error. Op names the operation that failed
// (e.g. "container.read"), Detail carries the diagnostic context.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error with a formatted detail message.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unknown
}

func is(err error, k Kind) bool { return err != nil && KindOf(err) == k }

func IsModelLoad(err error) bool          { return is(err, ModelLoad) }
func IsUnknownBackend(err error) bool     { return is(err, UnknownBackend) }
func IsShapeMismatch(err error) bool      { return is(err, ShapeMismatch) }
func IsInvalidToken(err error) bool       { return is(err, InvalidToken) }
func IsUnsupportedVersion(err error) bool { return is(err, UnsupportedVersion) }
func IsModelMismatch(err error) bool      { return is(err, ModelMismatch) }
func IsTruncatedFile(err error) bool      { return is(err, TruncatedFile) }
func IsResourceExhausted(err error) bool  { return is(err, ResourceExhausted) }
func IsCorruptFile(err error) bool        { return is(err, CorruptFile) }
func IsEmptyGrid(err error) bool          { return is(err, EmptyGrid) }
