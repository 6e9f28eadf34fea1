package errs

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Reason codes surfaced to clients. Every rejected operation carries one of
// these so the client can render a specific message (see error taxonomy).
const (
	CodePayload           = 1400 // malformed inbound payload
	CodeAuth              = 1401 // bad/expired token
	CodeNotFound          = 1404 // unknown call/huddle/entry id
	CodeStateConflict     = 1409 // illegal state transition, e.g. double answer
	CodePermanentExpiry   = 1410 // TTL exceeded, dropped without retry
	CodeCapacityExceeded  = 1413 // huddle full
	CodeTransientDelivery = 1502 // delivery failed, retried on next online
)

var (
	ErrPayload           = NewCodeError(CodePayload, "malformed payload")
	ErrAuth              = NewCodeError(CodeAuth, "authentication failed")
	ErrNotFound          = NewCodeError(CodeNotFound, "not found")
	ErrStateConflict     = NewCodeError(CodeStateConflict, "state conflict")
	ErrPermanentExpiry   = NewCodeError(CodePermanentExpiry, "entry expired")
	ErrCapacityExceeded  = NewCodeError(CodeCapacityExceeded, "capacity exceeded")
	ErrTransientDelivery = NewCodeError(CodeTransientDelivery, "transient delivery failure")
)

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e CodeError) WithDetail(detail string) CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

// WrapMsg returns the error with extra detail and a captured stack.
func (e CodeError) WrapMsg(msg string, kv ...any) error {
	ret := e
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if ret.Detail == "" {
			ret.Detail = detail
		} else {
			ret.Detail += ", " + detail
		}
	}
	return errors.WithStack(ret)
}

func (e CodeError) Wrap() error {
	return errors.WithStack(e)
}

func (e CodeError) Is(err error) bool {
	var other CodeError
	if !errors.As(err, &other) {
		return false
	}
	return e.Code == other.Code
}

func (e CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Code extracts the reason code from err, or 0 if err carries none.
func Code(err error) int {
	var ce CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func toString(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(toKey(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(toVal(kv[i+1]))
		}
	}
	return sb.String()
}

func toKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "?"
}

func toVal(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return "?"
	}
}
