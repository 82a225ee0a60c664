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
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	if lerr, ok := asLinkError(err); ok {
		return lerr.code()
	}
	if errors.Is(err, context.Canceled) {
		return CanceledCode
	} else if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutCode
	}
	return errUnexpected.code()
}

// asLinkError 沿错误链查找第一个 linkError。
func asLinkError(err error) (linkError, bool) {
	var lerr linkError
	if errors.As(err, &lerr) {
		return lerr, true
	}
	return linkError{}, false
}

func IsRetryableErr(err error) bool {
	if lerr, ok := asLinkError(err); ok {
		return lerr.retriable
	}
	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

// HTTPStatus 返回错误链中携带的远端 HTTP 状态码。
func HTTPStatus(err error) (int, bool) {
	if lerr, ok := asLinkError(err); ok && lerr.status != 0 {
		return lerr.status, true
	}
	return 0, false
}

// HTTPCode 将错误映射为服务端应答使用的 HTTP 状态码，nil 对应 200。
func HTTPCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.IsAny(err, ErrInvalidCredentials, ErrSessionNotFound, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.IsAny(err, ErrParameterInvalid, ErrParameterMissing):
		return http.StatusBadRequest
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrServiceIncompatible):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorFromStatus 将一个非 2xx 的 HTTP 应答转换为错误。
//
//   - 401/403 -> ErrInvalidCredentials；
//   - 404     -> ErrNotFound；
//   - 其余    -> ErrProtocol，状态码可通过 HTTPStatus 取回。
func ErrorFromStatus(status int, reason string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return WrapErrInvalidCredentials(status, reason)
	case http.StatusNotFound:
		return WrapErrNotFound(reason)
	default:
		return WrapErrProtocol(status, reason)
	}
}

func GetErrorType(err error) ErrorType {
	if lerr, ok := asLinkError(err); ok {
		return lerr.errType
	}
	return SystemError
}

func WrapErrAsInputError(err error) error {
	if lerr, ok := err.(linkError); ok {
		WithErrorType(InputError)(&lerr)
		return lerr
	}
	return err
}

// Service 相关错误封装。
func WrapErrServiceUnavailable(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceUnavailable, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceIncompatible(remote, local string, msg ...string) error {
	err := wrapFields(ErrServiceIncompatible,
		value("remote", remote),
		value("local", local),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceInternal(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceInternal, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Session 相关错误封装。
func WrapErrInvalidCredentials(status int, msg ...string) error {
	lerr := ErrInvalidCredentials
	lerr.status = status
	err := wrapFields(lerr, value("status", status))
	if len(msg) > 0 && msg[0] != "" {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionNotFound(key string, msg ...string) error {
	if len(key) > 8 {
		key = key[:8]
	}
	err := wrapFields(ErrSessionNotFound, value("session", key))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrPermissionDenied(op string, msg ...string) error {
	err := wrapFields(ErrPermissionDenied, value("op", op))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Request 相关错误封装。
func WrapErrNotFound(target string, msg ...string) error {
	lerr := ErrNotFound
	lerr.status = http.StatusNotFound
	err := wrapFields(lerr, value("target", target))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// WrapErrProtocol 构造一个携带远端状态码与原因的协议错误。
func WrapErrProtocol(status int, reason string) error {
	lerr := ErrProtocol
	lerr.status = status
	if reason == "" {
		reason = http.StatusText(status)
	}
	return wrapFieldsWithDesc(lerr, reason, value("status", status))
}

// WrapErrTransient 将网络、超时等瞬时错误标记为可重试，原始错误仍保留在错误链中。
func WrapErrTransient(cause error, msg ...string) error {
	if cause == nil {
		return nil
	}
	var err error = ErrTransient
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return Combine(err, cause)
}

// WrapErrCanceled 将外部取消包装为 ErrCanceled，原始 ctx 错误仍保留在错误链中。
func WrapErrCanceled(cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	return Combine(ErrCanceled, cause)
}

func WrapErrConnectorClosed(msg ...string) error {
	err := error(ErrConnectorClosed)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrStreamClosed(code int, text string) error {
	return wrapFieldsWithDesc(ErrStreamClosed, text, value("code", code))
}

// Parameter 相关错误封装。
func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		value("expected", expected),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalidMsg(fmtstr string, args ...any) error {
	return errors.Wrapf(ErrParameterInvalid, fmtstr, args...)
}

func WrapErrParameterMissing(param string, msg ...string) error {
	err := wrapFields(ErrParameterMissing,
		value("param", param),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func wrapFields(err linkError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err linkError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}
