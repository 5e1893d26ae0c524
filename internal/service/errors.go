package service

import (
	"errors"
	"fmt"

	"github.com/Sammyduzit/the-gathering/internal/auth"
)

// 业务层错误分类，handler 通过 errors.Is 映射到 HTTP 状态码。
var (
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = auth.ErrUnauthorized
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrBadRequest   = errors.New("bad request")
)

// Error 携带分类与可直接返回给客户端的信息。
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...any) error     { return newError(ErrConflict, format, args...) }
func unauthorizedf(format string, args ...any) error { return newError(ErrUnauthorized, format, args...) }
func forbiddenf(format string, args ...any) error    { return newError(ErrForbidden, format, args...) }
func notFoundf(format string, args ...any) error     { return newError(ErrNotFound, format, args...) }
func badRequestf(format string, args ...any) error   { return newError(ErrBadRequest, format, args...) }
