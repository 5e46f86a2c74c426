package plist

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const dateFormat = "2006-01-02T15:04:05Z"

// SyntaxError describes malformed property list input.
type SyntaxError struct {
	Offset int64
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("plist: offset %d: %s", e.Offset, e.Msg)
}

type decoder struct {
	x *xml.Decoder
}

// Parse decodes an XML property list. The input must contain exactly one
// <plist> element holding exactly one value.
func Parse(data []byte) (*Node, error) {
	d := &decoder{x: xml.NewDecoder(bytes.NewReader(data))}
	d.x.Strict = true

	start, err := d.nextStart()
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, d.errorf("no plist element")
	}

	if start.Name.Local != "plist" {
		// Bare values without the <plist> wrapper are accepted.
		root, err := d.value(*start)
		if err != nil {
			return nil, err
		}
		return root, d.expectEOF()
	}

	inner, err := d.nextStart()
	if err != nil {
		return nil, err
	}
	if inner == nil {
		return nil, d.errorf("empty plist element")
	}
	root, err := d.value(*inner)
	if err != nil {
		return nil, err
	}
	if next, err := d.nextStart(); err != nil {
		return nil, err
	} else if next != nil {
		return nil, d.errorf("unexpected <%s> after root value", next.Name.Local)
	}
	return root, d.expectEOF()
}

func (d *decoder) errorf(format string, args ...any) error {
	return &SyntaxError{Offset: d.x.InputOffset(), Msg: fmt.Sprintf(format, args...)}
}

// nextStart returns the next start element, or nil when the enclosing
// element ends. Comments, processing instructions, directives and
// whitespace are skipped.
func (d *decoder) nextStart() (*xml.StartElement, error) {
	for {
		tok, err := d.x.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, d.errorf("unexpected end of input")
			}
			return nil, &SyntaxError{Offset: d.x.InputOffset(), Msg: err.Error()}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return &t, nil
		case xml.EndElement:
			return nil, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return nil, d.errorf("unexpected text %q", strings.TrimSpace(string(t)))
			}
		}
	}
}

func (d *decoder) expectEOF() error {
	for {
		tok, err := d.x.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &SyntaxError{Offset: d.x.InputOffset(), Msg: err.Error()}
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return d.errorf("trailing text after plist")
			}
		case xml.Comment, xml.ProcInst, xml.Directive:
		default:
			return d.errorf("trailing content after plist")
		}
	}
}

// text reads character data up to the end of the current element.
func (d *decoder) text(name string) (string, error) {
	var buf strings.Builder
	for {
		tok, err := d.x.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", d.errorf("unterminated <%s>", name)
			}
			return "", &SyntaxError{Offset: d.x.InputOffset(), Msg: err.Error()}
		}
		switch t := tok.(type) {
		case xml.CharData:
			buf.Write(t)
		case xml.EndElement:
			return buf.String(), nil
		case xml.StartElement:
			return "", d.errorf("unexpected <%s> inside <%s>", t.Name.Local, name)
		}
	}
}

func (d *decoder) value(start xml.StartElement) (*Node, error) {
	name := start.Name.Local
	switch name {
	case "dict":
		return d.dict()
	case "array":
		return d.array()
	case "true", "false":
		s, err := d.text(name)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) != "" {
			return nil, d.errorf("unexpected text inside <%s/>", name)
		}
		return Bool(name == "true"), nil
	}

	s, err := d.text(name)
	if err != nil {
		return nil, err
	}
	switch name {
	case "string":
		return String(s), nil
	case "integer":
		return d.integer(strings.TrimSpace(s))
	case "real":
		return d.real(strings.TrimSpace(s))
	case "data":
		b, err := base64.StdEncoding.DecodeString(stripSpace(s))
		if err != nil {
			return nil, d.errorf("invalid <data>: %v", err)
		}
		return Data(b), nil
	case "date":
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
		if err != nil {
			return nil, d.errorf("invalid <date>: %v", err)
		}
		return Date(t), nil
	default:
		return nil, d.errorf("unknown element <%s>", name)
	}
}

func (d *decoder) dict() (*Node, error) {
	n := &Node{kind: KindDict}
	seen := map[string]bool{}
	for {
		start, err := d.nextStart()
		if err != nil {
			return nil, err
		}
		if start == nil {
			return n, nil
		}
		if start.Name.Local != "key" {
			return nil, d.errorf("expected <key> in dict, found <%s>", start.Name.Local)
		}
		key, err := d.text("key")
		if err != nil {
			return nil, err
		}
		if seen[key] {
			return nil, d.errorf("duplicate key %q", key)
		}
		seen[key] = true

		vstart, err := d.nextStart()
		if err != nil {
			return nil, err
		}
		if vstart == nil {
			return nil, d.errorf("missing value for key %q", key)
		}
		v, err := d.value(*vstart)
		if err != nil {
			return nil, err
		}
		n.entries = append(n.entries, Entry{Key: key, Value: v})
	}
}

func (d *decoder) array() (*Node, error) {
	n := &Node{kind: KindArray}
	for {
		start, err := d.nextStart()
		if err != nil {
			return nil, err
		}
		if start == nil {
			return n, nil
		}
		v, err := d.value(*start)
		if err != nil {
			return nil, err
		}
		n.items = append(n.items, v)
	}
}

func (d *decoder) integer(s string) (*Node, error) {
	base, digits := 10, s
	if h, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		base, digits = 16, h
	}
	if i, err := strconv.ParseInt(digits, base, 64); err == nil {
		return Integer(i), nil
	}
	if u, err := strconv.ParseUint(digits, base, 64); err == nil {
		return Unsigned(u), nil
	}
	return nil, d.errorf("invalid <integer> %q", s)
}

func (d *decoder) real(s string) (*Node, error) {
	switch strings.ToLower(s) {
	case "nan":
		return Real(math.NaN()), nil
	case "inf", "+inf", "infinity", "+infinity":
		return Real(math.Inf(1)), nil
	case "-inf", "-infinity":
		return Real(math.Inf(-1)), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, d.errorf("invalid <real> %q", s)
	}
	return Real(f), nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}
