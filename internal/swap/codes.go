package swap

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable response code of the HTTP surface.
type Code int

const (
	CodeOK                 Code = 20000
	CodeAmountTooLow       Code = 20001
	CodeAmountTooHigh      Code = 20002
	CodeInvalidRequest     Code = 20003
	CodeNotEnoughLiquidity Code = 20004
	CodeCannotRoute        Code = 20005
	CodeAlreadyPaid        Code = 20006
	CodeNotFound           Code = 20007
	CodeInProgress         Code = 20008
	CodeExpired            Code = 20009
	CodeUnsupported        Code = 20010

	// CodeInternal reports a failure on our side.
	CodeInternal Code = 50000
)

// RequestError rejects a request. It is returned to the caller and never
// persisted.
type RequestError struct {
	Code Code
	Msg  string
	Data map[string]string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Msg, e.Code)
}

// Reject builds a RequestError.
func Reject(code Code, format string, args ...interface{}) *RequestError {
	return &RequestError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WithData attaches key/value details to the error.
func (e *RequestError) WithData(kv ...string) *RequestError {
	if e.Data == nil {
		e.Data = make(map[string]string, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Data[kv[i]] = kv[i+1]
	}
	return e
}

// AsRequestError extracts a RequestError from err.
func AsRequestError(err error) (*RequestError, bool) {
	var re *RequestError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
