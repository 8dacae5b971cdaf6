package value

import (
	"fmt"
	"strings"
)

type ErrorKind int

const (
	InvalidOperation ErrorKind = iota
	SyntaxError
	TemplateNotFound
	TooManyArguments
	MissingArgument
	InvalidArgument
	UnknownFilter
	UnknownTest
	UnknownFunction
	UnknownMethod
	BadEscape
	UndefinedError
	BadInclude
	EvalBlock
	CannotUnpack
	WriteFailure
	UnknownBlock
	NonKey
	NonPrimitive
	CannotDeserialize
)

var kindDescriptions = map[ErrorKind]string{
	InvalidOperation:  "invalid operation",
	SyntaxError:       "syntax error",
	TemplateNotFound:  "template not found",
	TooManyArguments:  "too many arguments",
	MissingArgument:   "missing argument",
	InvalidArgument:   "invalid argument",
	UnknownFilter:     "unknown filter",
	UnknownTest:       "unknown test",
	UnknownFunction:   "unknown function",
	UnknownMethod:     "Unknown method",
	BadEscape:         "bad string escape",
	UndefinedError:    "undefined value",
	BadInclude:        "could not render include",
	EvalBlock:         "could not render block",
	CannotUnpack:      "cannot unpack",
	WriteFailure:      "failed to write output",
	UnknownBlock:      "unknown block",
	NonKey:            "not a key type",
	NonPrimitive:      "not a primitive",
	CannotDeserialize: "cannot deserialize",
}

func (k ErrorKind) String() string { return kindDescriptions[k] }

type stackItem struct {
	name string
	line uint32
}

// Error is the single error surface of the engine. Every failure the
// lexer, parser, compiler, VM or a host object produces is an *Error;
// foreign errors are wrapped at the boundary via WithSource.
type Error struct {
	Kind   ErrorKind
	Detail string

	stack    []stackItem
	cause    error
	abrupt   *Value
	explicit bool
}

func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Errorf(kind ErrorKind, format string, a ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, a...)}
}

// UnknownMethodError builds the typed unknown-method error the object
// protocol contract requires for unrecognized method names.
func UnknownMethodError(objectKind, method string) *Error {
	return Errorf(UnknownMethod, "No method named '%s' for '%s'", method, objectKind)
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(kindDescriptions[e.Kind])
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	for _, item := range e.stack {
		fmt.Fprintf(&sb, "\n(in %s:%d)", item.name, item.line)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.cause }

// WithSource attaches the underlying cause, keeping the engine kind as
// the outward-facing classification.
func (e *Error) WithSource(err error) *Error {
	e.cause = err
	return e
}

// AttachLocation records template name and line for diagnostics.
// Consecutive duplicates are dropped so re-wrapping at frame
// boundaries does not repeat entries.
func (e *Error) AttachLocation(name string, line uint32) *Error {
	item := stackItem{name: name, line: line}
	if len(e.stack) > 0 && e.stack[len(e.stack)-1] == item {
		return e
	}
	e.stack = append(e.stack, item)
	return e
}

// Line reports the innermost recorded source line, if any.
func (e *Error) Line() (uint32, bool) {
	if len(e.stack) == 0 {
		return 0, false
	}
	return e.stack[0].line, true
}

// AbruptReturn rides a macro return value on the error channel. The VM
// unwinds to the nearest frame boundary where the caller recovers it
// with TryAbruptReturn. Explicit returns propagate further than the
// implicit end-of-body value.
func AbruptReturn(v Value, explicit bool) *Error {
	return &Error{Kind: InvalidOperation, Detail: "abrupt return", abrupt: &v, explicit: explicit}
}

func TryAbruptReturn(err error) (Value, bool) {
	if e, ok := err.(*Error); ok && e.abrupt != nil {
		return *e.abrupt, true
	}
	return Undefined(), false
}

// IsExplicitReturn reports whether err is an abrupt return produced by
// an explicit return-like construct.
func IsExplicitReturn(err error) bool {
	e, ok := err.(*Error)
	return ok && e.abrupt != nil && e.explicit
}

func IsUnknownMethod(err error) bool { return KindOf(err) == UnknownMethod }

// KindOf extracts the engine error kind, defaulting to
// InvalidOperation for foreign errors.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return InvalidOperation
}

// Wrap coerces a foreign error into the engine error type; engine
// errors pass through untouched.
func Wrap(kind ErrorKind, err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return NewError(kind, err.Error()).WithSource(err)
}
