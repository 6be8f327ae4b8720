package settlement

import (
  "errors"
  "fmt"
)

var ErrUnauthorized = errors.New("unauthorized")

// ValidationError is a caller mistake; its message is safe to return.
type ValidationError struct {
  Msg string
}

func (e *ValidationError) Error() string {
  return e.Msg
}

func invalid(format string, args ...any) error {
  return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// UpstreamError wraps a node failure. Callers see only a generic message;
// the wrapped error is for logs.
type UpstreamError struct {
  Op  string
  Err error
}

func (e *UpstreamError) Error() string {
  return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
  return e.Err
}
