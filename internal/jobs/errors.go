package jobs

import (
	"errors"
	"fmt"
)

// PermanentError marks a failure that redelivery can never fix: malformed
// payloads, unknown users, provider rejections of the request itself. The
// dispatcher dead-letters the message instead of retrying it.
type PermanentError struct {
	Code    string
	Message string
	Err     error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent builds a PermanentError with a failure code and message.
func Permanent(code, message string) *PermanentError {
	return &PermanentError{Code: code, Message: message}
}

// PermanentWrap builds a PermanentError wrapping an underlying cause.
func PermanentWrap(code string, err error) *PermanentError {
	return &PermanentError{Code: code, Message: err.Error(), Err: err}
}

// AsPermanent reports whether err is (or wraps) a PermanentError.
func AsPermanent(err error) (*PermanentError, bool) {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return perm, true
	}
	return nil, false
}
