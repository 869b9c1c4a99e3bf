package davxml

import (
	"encoding/xml"
	"errors"
	"io"

	"github.com/filedav-server/internal/types"
)

// Mode PROPFIND 请求类型
type Mode int

const (
	ModeAllProp Mode = iota
	ModePropName
	ModeProp
)

// PropfindRequest 解析后的 PROPFIND 请求体
type PropfindRequest struct {
	Mode  Mode
	Props []types.PropName
}

type propfindState int

const (
	expectPropfind propfindState = iota
	inPropfind
	inPropList
	propfindDone
)

// ParsePropfind 解析 PROPFIND 请求体。
// 空请求体等同于 allprop。
func ParsePropfind(r io.Reader) (*PropfindRequest, error) {
	req := &PropfindRequest{Mode: ModeAllProp}
	dec := xml.NewDecoder(r)
	state := expectPropfind

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			// EOF before any element: empty body
			if state == expectPropfind || state == propfindDone {
				return req, nil
			}
			return nil, syntaxErrorf("unexpected end of propfind body")
		}
		if err != nil {
			return nil, decodeError(err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch state {
			case expectPropfind:
				if t.Name.Space != types.NamespaceDAV || t.Name.Local != "propfind" {
					return nil, &SyntaxError{Msg: "expected {DAV:}propfind, got {" + t.Name.Space + "}" + t.Name.Local, Err: ErrMissingRoot}
				}
				state = inPropfind

			case inPropfind:
				if t.Name.Space != types.NamespaceDAV {
					if err := dec.Skip(); err != nil {
						return nil, decodeError(err)
					}
					continue
				}
				switch t.Name.Local {
				case "allprop":
					req.Mode = ModeAllProp
				case "propname":
					req.Mode = ModePropName
				case "prop":
					req.Mode = ModeProp
					state = inPropList
					continue
				}
				// allprop, propname and include carry nothing we use
				if err := dec.Skip(); err != nil {
					return nil, decodeError(err)
				}

			case inPropList:
				req.Props = append(req.Props, types.PropName{Space: t.Name.Space, Local: t.Name.Local})
				if err := dec.Skip(); err != nil {
					return nil, decodeError(err)
				}

			case propfindDone:
				return nil, syntaxErrorf("unexpected element %s after propfind", t.Name.Local)
			}

		case xml.EndElement:
			switch state {
			case inPropList:
				state = inPropfind
			case inPropfind:
				state = propfindDone
			}
		}
	}
}
