package davxml

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/filedav-server/internal/types"
)

// ContentType 所有 XML 响应使用的 Content-Type
const ContentType = "application/xml; charset=utf-8"

// Prefixes declared on every root element.
var fixedPrefixes = map[string]string{
	types.NamespaceDAV:      "d",
	types.NamespaceSabre:    "s",
	types.NamespaceOwnCloud: "oc",
}

var rootNamespaces = []xml.Attr{
	{Name: xml.Name{Local: "xmlns:d"}, Value: types.NamespaceDAV},
	{Name: xml.Name{Local: "xmlns:s"}, Value: types.NamespaceSabre},
	{Name: xml.Name{Local: "xmlns:oc"}, Value: types.NamespaceOwnCloud},
}

// Property 响应中的一个属性。Children 渲染为空子元素，例如 resourcetype 的 collection
type Property struct {
	Name     types.PropName
	Value    string
	Children []types.PropName
}

// Propstat 同一状态码下的一组属性
type Propstat struct {
	Status int
	Props  []Property
}

// Response 一个资源的结果
type Response struct {
	Href      string
	Propstats []Propstat
}

// StatusLine 返回 "HTTP/1.1 200 OK" 形式的状态行
func StatusLine(code int) string {
	return "HTTP/1.1 " + strconv.Itoa(code) + " " + http.StatusText(code)
}

// encoder writes elements with literal prefixes so the output matches what
// ownCloud style clients expect (d:, s:, oc:).
type encoder struct {
	enc   *xml.Encoder
	extra map[string]string
}

func newEncoder(w io.Writer) *encoder {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return &encoder{enc: enc, extra: make(map[string]string)}
}

func (e *encoder) header() error {
	return e.enc.EncodeToken(xml.ProcInst{Target: "xml", Inst: []byte(`version="1.0" encoding="utf-8"`)})
}

// qualify returns the literal element name and any namespace declaration it needs.
func (e *encoder) qualify(p types.PropName) (xml.Name, []xml.Attr) {
	if p.Space == "" {
		return xml.Name{Local: p.Local}, nil
	}
	if prefix, ok := fixedPrefixes[p.Space]; ok {
		return xml.Name{Local: prefix + ":" + p.Local}, nil
	}
	prefix, ok := e.extra[p.Space]
	if !ok {
		prefix = "x" + strconv.Itoa(len(e.extra)+1)
		e.extra[p.Space] = prefix
	}
	return xml.Name{Local: prefix + ":" + p.Local}, []xml.Attr{{Name: xml.Name{Local: "xmlns:" + prefix}, Value: p.Space}}
}

func (e *encoder) start(local string, attrs ...xml.Attr) error {
	return e.enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: local}, Attr: attrs})
}

func (e *encoder) end(local string) error {
	return e.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: local}})
}

func (e *encoder) text(local, value string) error {
	if err := e.start(local); err != nil {
		return err
	}
	if err := e.enc.EncodeToken(xml.CharData(value)); err != nil {
		return err
	}
	return e.end(local)
}

func (e *encoder) property(p Property) error {
	name, attrs := e.qualify(p.Name)
	if err := e.enc.EncodeToken(xml.StartElement{Name: name, Attr: attrs}); err != nil {
		return err
	}
	if p.Value != "" {
		if err := e.enc.EncodeToken(xml.CharData(p.Value)); err != nil {
			return err
		}
	}
	for _, child := range p.Children {
		cn, cattrs := e.qualify(child)
		if err := e.enc.EncodeToken(xml.StartElement{Name: cn, Attr: cattrs}); err != nil {
			return err
		}
		if err := e.enc.EncodeToken(xml.EndElement{Name: cn}); err != nil {
			return err
		}
	}
	return e.enc.EncodeToken(xml.EndElement{Name: name})
}

// ========================================
// Multistatus
// ========================================

// MultistatusWriter 流式写出 d:multistatus，每个 Response 写完即刷新
type MultistatusWriter struct {
	e       *encoder
	started bool
}

func NewMultistatusWriter(w io.Writer) *MultistatusWriter {
	return &MultistatusWriter{e: newEncoder(w)}
}

func (m *MultistatusWriter) open() error {
	if m.started {
		return nil
	}
	m.started = true
	if err := m.e.header(); err != nil {
		return err
	}
	return m.e.start("d:multistatus", rootNamespaces...)
}

// Write 写出一个 d:response
func (m *MultistatusWriter) Write(r Response) error {
	if err := m.open(); err != nil {
		return err
	}
	e := m.e
	if err := e.start("d:response"); err != nil {
		return err
	}
	if err := e.text("d:href", r.Href); err != nil {
		return err
	}
	for _, ps := range r.Propstats {
		if len(ps.Props) == 0 {
			continue
		}
		if err := e.start("d:propstat"); err != nil {
			return err
		}
		if err := e.start("d:prop"); err != nil {
			return err
		}
		for _, p := range ps.Props {
			if err := e.property(p); err != nil {
				return fmt.Errorf("encode %s: %w", p.Name.Key(), err)
			}
		}
		if err := e.end("d:prop"); err != nil {
			return err
		}
		if err := e.text("d:status", StatusLine(ps.Status)); err != nil {
			return err
		}
		if err := e.end("d:propstat"); err != nil {
			return err
		}
	}
	if err := e.end("d:response"); err != nil {
		return err
	}
	return e.enc.Flush()
}

// Close 结束 d:multistatus；没有写过任何 Response 时输出空的 multistatus
func (m *MultistatusWriter) Close() error {
	if err := m.open(); err != nil {
		return err
	}
	if err := m.e.end("d:multistatus"); err != nil {
		return err
	}
	return m.e.enc.Flush()
}

// ========================================
// Error body
// ========================================

// Sabre style exception names understood by ownCloud clients.
const (
	ExceptionGeneric            = `Sabre\DAV\Exception`
	ExceptionBadRequest         = `Sabre\DAV\Exception\BadRequest`
	ExceptionNotFound           = `Sabre\DAV\Exception\NotFound`
	ExceptionConflict           = `Sabre\DAV\Exception\Conflict`
	ExceptionForbidden          = `Sabre\DAV\Exception\Forbidden`
	ExceptionPreconditionFailed = `Sabre\DAV\Exception\PreconditionFailed`
	ExceptionNotImplemented     = `Sabre\DAV\Exception\NotImplemented`
	ExceptionUnsupportedMedia   = `Sabre\DAV\Exception\UnsupportedMediaType`
	ExceptionMethodNotAllowed   = `Sabre\DAV\Exception\MethodNotAllowed`
)

// WriteError 写出 d:error 响应体
func WriteError(w io.Writer, exception, message string) error {
	e := newEncoder(w)
	if err := e.header(); err != nil {
		return err
	}
	if err := e.start("d:error", rootNamespaces[0], rootNamespaces[1]); err != nil {
		return err
	}
	if err := e.text("s:exception", exception); err != nil {
		return err
	}
	if err := e.text("s:message", message); err != nil {
		return err
	}
	if err := e.end("d:error"); err != nil {
		return err
	}
	return e.enc.Flush()
}
