package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Code is an engine status code. Values mirror the UnQLite status codes so
// that logs and stored diagnostics stay comparable with the C engine.
type Code int

const (
	CodeOK             Code = 0
	CodeNoMem          Code = -1
	CodeIOErr          Code = -2
	CodeEmpty          Code = -3
	CodeLocked         Code = -4
	CodeNotFound       Code = -6
	CodeLimit          Code = -7
	CodeInvalid        Code = -9
	CodeAbort          Code = -10
	CodeExists         Code = -11
	CodeUnknown        Code = -13
	CodeNotImplemented Code = -17
	CodeCorrupt        Code = -24
	CodeCompileErr     Code = -70
	CodeVMErr          Code = -71
	CodeReadOnly       Code = -75
)

var codeNames = map[Code]string{
	CodeOK:             "ok",
	CodeNoMem:          "out of memory",
	CodeIOErr:          "io error",
	CodeEmpty:          "empty",
	CodeLocked:         "locked",
	CodeNotFound:       "not found",
	CodeLimit:          "limit reached",
	CodeInvalid:        "invalid",
	CodeAbort:          "abort",
	CodeExists:         "exists",
	CodeUnknown:        "unknown",
	CodeNotImplemented: "not implemented",
	CodeCorrupt:        "corrupt",
	CodeCompileErr:     "compile error",
	CodeVMErr:          "vm error",
	CodeReadOnly:       "read only",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is returned by every engine primitive that fails. Log holds the log
// lines written by the failing call itself; Error() does not include it.
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
	Log  string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("engine")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Code.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the engine code from err. Errors that did not originate in
// the engine report CodeUnknown; nil reports CodeOK.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}
	return CodeUnknown
}

// maxLogLines bounds a database-wide log. A VM's own log lives only as long
// as the VM and is not trimmed.
const maxLogLines = 256

// errLog accumulates diagnostics the way the C engine fills its error log
// buffers. Reads trim the trailing newline.
type errLog struct {
	mu    sync.Mutex
	lines []string
	limit int
}

func (l *errLog) append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, strings.TrimSuffix(line, "\n"))
	if l.limit > 0 && len(l.lines) > l.limit {
		l.lines = append(l.lines[:0], l.lines[len(l.lines)-l.limit:]...)
	}
}

func (l *errLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

