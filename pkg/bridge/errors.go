package bridge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"docvm/pkg/engine"
)

// Error kinds. Match them with errors.Is.
var (
	ErrLifecycle = errors.New("lifecycle error")
	ErrTypeCast  = errors.New("type cast error")
	ErrNotFound  = errors.New("not found")
	ErrRange     = errors.New("value out of range")
	ErrEngine    = errors.New("engine error")
)

// Error is returned by every bridge operation that fails.
type Error struct {
	Kind error
	Op   string
	// Path locates the failing element inside a nested value, e.g.
	// "users[1].address.zip".
	Path string
	Code engine.Code
	// Log holds the engine's error or compile log when Kind is ErrEngine.
	Log string
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("bridge")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		b.WriteString(" at ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Log != "" {
		b.WriteString("\n")
		b.WriteString(e.Log)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newErr(kind error, op, path string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

func lifecycleErr(op string, format string, args ...any) *Error {
	return newErr(ErrLifecycle, op, "", format, args...)
}

func typeCastErr(op, path string, format string, args ...any) *Error {
	return newErr(ErrTypeCast, op, path, format, args...)
}

func rangeErr(op, path string, format string, args ...any) *Error {
	return newErr(ErrRange, op, path, format, args...)
}

func notFoundErr(op, path string, format string, args ...any) *Error {
	return newErr(ErrNotFound, op, path, format, args...)
}

// engineErr wraps a failed handle operation. CodeNotFound becomes
// ErrNotFound and CodeInvalid (stale handle, released owner) becomes
// ErrLifecycle; anything else is ErrEngine.
func engineErr(op, path string, err error) *Error {
	code := engine.CodeOf(err)
	kind := ErrEngine
	switch code {
	case engine.CodeNotFound:
		kind = ErrNotFound
	case engine.CodeInvalid:
		kind = ErrLifecycle
	}
	return &Error{Kind: kind, Op: op, Path: path, Code: code, Err: err}
}

// execErr wraps a compile or execution failure together with the engine log.
func execErr(op string, err error, log string) *Error {
	return &Error{Kind: ErrEngine, Op: op, Code: engine.CodeOf(err), Log: log, Err: err}
}

func compileLog(err error) string {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return ee.Log
	}
	return ""
}

func fieldPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func indexPath(parent string, i int) string {
	return parent + "[" + strconv.Itoa(i) + "]"
}
