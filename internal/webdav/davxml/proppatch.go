package davxml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/filedav-server/internal/types"
)

// PatchOp 一次 set 或 remove 操作
type PatchOp struct {
	Remove bool
	Name   types.PropName
	Value  string
}

type proppatchState int

const (
	expectUpdate proppatchState = iota
	inUpdate
	inAction
	inPatchProps
	proppatchDone
)

// DecodeProppatch 流式解析 propertyupdate 请求体，每解析出一个属性就调用 apply。
// 解析出错时已经调用过的 apply 不会被撤销，由调用方回滚。
// maxValue > 0 时，值累计超过 maxValue 字节即返回 ErrValueTooLong，不再读取剩余内容。
func DecodeProppatch(r io.Reader, maxValue int, apply func(PatchOp) error) error {
	body := &valueLimiter{r: r, limit: -1}
	dec := xml.NewDecoder(body)
	state := expectUpdate
	remove := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			switch state {
			case expectUpdate:
				return &SyntaxError{Msg: "empty propertyupdate body", Err: ErrMissingRoot}
			case proppatchDone:
				return nil
			default:
				return syntaxErrorf("unexpected end of propertyupdate body")
			}
		}
		if err != nil {
			return decodeError(err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch state {
			case expectUpdate:
				if t.Name.Space != types.NamespaceDAV || t.Name.Local != "propertyupdate" {
					return &SyntaxError{Msg: "expected {DAV:}propertyupdate, got {" + t.Name.Space + "}" + t.Name.Local, Err: ErrMissingRoot}
				}
				state = inUpdate

			case inUpdate:
				if t.Name.Space == types.NamespaceDAV && (t.Name.Local == "set" || t.Name.Local == "remove") {
					remove = t.Name.Local == "remove"
					state = inAction
					continue
				}
				return syntaxErrorf("unexpected element %s in propertyupdate", t.Name.Local)

			case inAction:
				if t.Name.Space == types.NamespaceDAV && t.Name.Local == "prop" {
					state = inPatchProps
					continue
				}
				return syntaxErrorf("unexpected element %s, expected prop", t.Name.Local)

			case inPatchProps:
				op := PatchOp{Remove: remove, Name: types.PropName{Space: t.Name.Space, Local: t.Name.Local}}
				if remove {
					err = dec.Skip()
				} else {
					op.Value, err = readText(dec, body, maxValue)
				}
				if errors.Is(err, ErrValueTooLong) {
					return fmt.Errorf("%w: %s exceeds %d bytes", ErrValueTooLong, op.Name.Key(), maxValue)
				}
				if err != nil {
					return decodeError(err)
				}
				if err := apply(op); err != nil {
					return err
				}

			case proppatchDone:
				return syntaxErrorf("unexpected element %s after propertyupdate", t.Name.Local)
			}

		case xml.EndElement:
			switch state {
			case inPatchProps:
				state = inAction
			case inAction:
				state = inUpdate
			case inUpdate:
				state = proppatchDone
			}
		}
	}
}

// The decoder hands a text run over as a single token, so the raw body is
// capped too while a value is read. Raw input may be longer than the
// decoded value because of entities and nested markup.
const (
	rawValueFactor = 8
	rawValueSlack  = 4096
)

// valueLimiter fails reads with ErrValueTooLong once limit bytes were
// delivered. A negative limit disables it.
type valueLimiter struct {
	r     io.Reader
	n     int64
	limit int64
}

func (l *valueLimiter) Read(p []byte) (int, error) {
	if l.limit >= 0 {
		rem := l.limit - l.n
		if rem <= 0 {
			return 0, ErrValueTooLong
		}
		if int64(len(p)) > rem {
			p = p[:rem]
		}
	}
	n, err := l.r.Read(p)
	l.n += int64(n)
	return n, err
}

// readText collects the character data of the current element, nested
// elements included, and consumes its end tag. It gives up with
// ErrValueTooLong as soon as more than limit bytes were seen.
func readText(dec *xml.Decoder, body *valueLimiter, limit int) (string, error) {
	if limit > 0 {
		body.limit = body.n + int64(limit)*rawValueFactor + rawValueSlack
		defer func() { body.limit = -1 }()
	}
	var b strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", syntaxErrorf("unexpected end of property value")
			}
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if limit > 0 && b.Len()+len(t) > limit {
				return "", ErrValueTooLong
			}
			b.Write(t)
		}
	}
	return b.String(), nil
}
