// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceUnavailable  = newLinkError("service unavailable", 1, true)
	ErrServiceIncompatible = newLinkError("incompatible api version", 2, false)
	ErrServiceInternal     = newLinkError("service internal error", 5, false)

	// Session related
	ErrInvalidCredentials = newLinkError("invalid credentials", 100, false)
	ErrSessionNotFound    = newLinkError("session not found", 101, false)
	ErrPermissionDenied   = newLinkError("permission denied", 102, false)

	// Request related
	ErrNotFound  = newLinkError("file or directory not found", 200, false)
	ErrProtocol  = newLinkError("unexpected protocol response", 201, false)
	ErrTransient = newLinkError("transient failure", 202, true)
	ErrCanceled  = newLinkError("operation canceled", 203, false)

	// Connection related
	ErrConnectorClosed = newLinkError("connector closed", 300, false)
	ErrStreamClosed    = newLinkError("stream closed by remote", 301, true)

	// Parameter related
	ErrParameterInvalid = newLinkError("invalid parameter", 1100, false)
	ErrParameterMissing = newLinkError("missing parameter", 1101, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to linkError
	errUnexpected = newLinkError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*linkError)

func WithDetail(detail string) errorOption {
	return func(err *linkError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *linkError) {
		err.errType = etype
	}
}

type linkError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
	// status 为触发该错误的 HTTP 状态码，0 表示与 HTTP 响应无关。
	status int
}

func newLinkError(msg string, code int32, retriable bool, options ...errorOption) linkError {
	err := linkError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e linkError) code() int32 {
	return e.errCode
}

func (e linkError) Error() string {
	return e.msg
}

func (e linkError) Detail() string {
	return e.detail
}

func (e linkError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(linkError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

// As 从后向前查找，与 Unwrap 将最后一个错误视为根因的约定保持一致。
func (e multiErrors) As(target any) bool {
	for i := len(e.errs) - 1; i >= 0; i-- {
		if errors.As(e.errs[i], target) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
