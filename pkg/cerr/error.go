package cerr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/forgeworks/agentd/pkg/clog"
)

// Error carries a response code alongside the underlying cause. Msg is
// what the caller sees; Err is what gets logged.
type Error struct {
	Code  Code
	Msg   string
	Err   error
	Stack string
}

// NewError builds a coded error. A stack trace is captured only for
// codes that log at error level, matching what the log pipeline reads.
func NewError(code Code, msg string, underlying error) *Error {
	err := &Error{
		Code: code,
		Msg:  msg,
		Err:  underlying,
	}
	if clog.HTTPStatusToLevel(code.HTTPCode()) == clog.LevelError {
		stackTrace := make([]byte, 2048)
		n := runtime.Stack(stackTrace, false)
		err.Stack = string(stackTrace[0:n])
	}
	return err
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code.String(), e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code.String(), e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCode reports whether err (or anything it wraps) is a *Error with
// the given code.
func IsCode(err error, code Code) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to Unknown for errors
// that did not come through this package.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DeadlineExceeded
	}
	return Unknown
}

type httpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON encodes response as the HTTP body with a 200 status.
func WriteJSON(ctx context.Context, rw http.ResponseWriter, response any) {
	writeJSONStatus(ctx, rw, http.StatusOK, response)
}

func writeJSONStatus(ctx context.Context, rw http.ResponseWriter, status int, response any) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(response); err != nil {
		WriteJSONError(ctx, rw, NewError(Internal, "server error", err))
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	if _, err := rw.Write(buf.Bytes()); err != nil {
		clog.AddError(ctx, NewError(Internal, "server error", err))
	}
}

// WriteJSONError encodes err as a JSON error body with the mapped HTTP
// status, extracting the code from non-cerr errors where possible.
func WriteJSONError(ctx context.Context, rw http.ResponseWriter, err error) {
	cErr := asError(ctx, err)
	clog.AddError(ctx, cErr)
	if cErr.Stack != "" {
		clog.AddStack(ctx, cErr.Stack)
	}

	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if encErr := enc.Encode(httpError{Code: cErr.Code.String(), Message: cErr.Msg}); encErr != nil {
		buf = bytes.NewBufferString(`{"code":"internal","message":"server error"}`)
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(cErr.Code.HTTPCode())
	if _, writeErr := rw.Write(buf.Bytes()); writeErr != nil {
		clog.AddError(ctx, writeErr)
	}
}

func asError(_ context.Context, err error) *Error {
	if errors.Is(err, context.Canceled) {
		return NewError(Canceled, "connection closed", err)
	}
	var cErr *Error
	if errors.As(err, &cErr) {
		return cErr
	}
	return NewError(Unknown, "unknown error", err)
}
