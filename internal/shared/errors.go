package shared

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies gate errors so callers can branch without string matching.
type Kind string

const (
	KindValidation Kind = "validation"
	KindPolicy     Kind = "policy"
	KindConflict   Kind = "state_conflict"
	KindNotFound   Kind = "not_found"
	KindRuntime    Kind = "runtime"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrValidation = errors.New("validation error")
	ErrPolicy     = errors.New("policy error")
	ErrConflict   = errors.New("state conflict")
	ErrNotFound   = errors.New("not found")
	ErrRuntime    = errors.New("runtime error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindPolicy:
		return ErrPolicy
	case KindConflict:
		return ErrConflict
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrRuntime
	}
}

// Frame is the call site where an Error was constructed.
type Frame struct {
	File     string
	Function string
	Line     int
}

// Error is the typed error returned by gate components.
type Error struct {
	Kind    Kind
	Op      string
	Msg     string
	Reasons []string
	Err     error
	Frame   Frame
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.sentinel().Error()
	}
	b.WriteString(msg)
	if len(e.Reasons) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Reasons, "; "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func newError(kind Kind, op, msg string, err error, reasons []string) *Error {
	e := &Error{Kind: kind, Op: op, Msg: msg, Err: err, Reasons: reasons}
	// 0 = newError, 1 = exported constructor, 2 = caller.
	if pc, file, line, ok := runtime.Caller(2); ok {
		e.Frame = Frame{File: file, Line: line}
		if fn := runtime.FuncForPC(pc); fn != nil {
			e.Frame.Function = fn.Name()
		}
	}
	return e
}

func ValidationError(op, format string, args ...any) *Error {
	return newError(KindValidation, op, fmt.Sprintf(format, args...), nil, nil)
}

func PolicyError(op, msg string, reasons ...string) *Error {
	return newError(KindPolicy, op, msg, nil, reasons)
}

func ConflictError(op, format string, args ...any) *Error {
	return newError(KindConflict, op, fmt.Sprintf(format, args...), nil, nil)
}

func NotFoundError(op, format string, args ...any) *Error {
	return newError(KindNotFound, op, fmt.Sprintf(format, args...), nil, nil)
}

// RuntimeError wraps an unexpected failure.
func RuntimeError(op string, err error) *Error {
	return newError(KindRuntime, op, "", err, nil)
}

// PanicError wraps a value recovered from a panic. It must be called from the
// deferred function that recovered; Frame is then the function that panicked,
// not the recover site.
func PanicError(op string, r any) *Error {
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}
	return &Error{Kind: KindRuntime, Op: op, Msg: "panic", Err: err, Frame: panicFrame()}
}

// panicFrame walks the stack past runtime.gopanic and the runtime helpers
// that raised the panic to the first frame outside the runtime. Outside a
// panic it returns PanicError's caller.
func panicFrame() Frame {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var first Frame
	inPanic := false
	for {
		f, more := frames.Next()
		if first.File == "" {
			first = Frame{File: f.File, Function: f.Function, Line: f.Line}
		}
		switch {
		case f.Function == "runtime.gopanic":
			inPanic = true
		case inPanic && !isRuntimeFrame(f.Function):
			return Frame{File: f.File, Function: f.Function, Line: f.Line}
		}
		if !more {
			return first
		}
	}
}

func isRuntimeFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") || strings.HasPrefix(fn, "internal/runtime/")
}

// KindOf classifies err. Errors that are not gate errors are runtime errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPolicy):
		return KindPolicy
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindRuntime
}

// IsExpected reports whether err is ordinary control flow rather than a defect.
func IsExpected(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindPolicy, KindConflict, KindNotFound:
		return true
	}
	return false
}

// ReasonsOf returns the reasons attached to the outermost gate error.
func ReasonsOf(err error) []string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Reasons
	}
	return nil
}

// FrameOf returns the construction frame of the innermost gate error carrying one.
func FrameOf(err error) (Frame, bool) {
	var found Frame
	ok := false
	for err != nil {
		if ge, is := err.(*Error); is && ge.Frame.File != "" {
			found, ok = ge.Frame, true
		}
		err = errors.Unwrap(err)
	}
	return found, ok
}
