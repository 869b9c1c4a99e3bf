package davxml

import (
	"encoding/xml"
	"errors"
	"fmt"
)

// ErrMissingRoot 请求体缺少期望的根元素
var ErrMissingRoot = errors.New("missing root element")

// ErrValueTooLong 属性值超过解码上限，解码在越界处停止
var ErrValueTooLong = errors.New("property value too long")

// SyntaxError 表示请求体不是合法的 WebDAV XML，调用方应返回 400
type SyntaxError struct {
	Msg string
	Err error
}

func (e *SyntaxError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// IsSyntaxError 判断 err 是否为请求体格式错误
func IsSyntaxError(err error) bool {
	var se *SyntaxError
	return errors.As(err, &se)
}

func syntaxErrorf(format string, args ...interface{}) error {
	return &SyntaxError{Msg: fmt.Sprintf(format, args...)}
}

// decodeError separates malformed input from read failures on the body.
func decodeError(err error) error {
	var xe *xml.SyntaxError
	if errors.As(err, &xe) {
		return &SyntaxError{Msg: "malformed xml", Err: err}
	}
	return err
}
