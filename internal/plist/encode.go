package plist

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
)

const header = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
`

// Marshal encodes root as an XML property list using tab indentation, the
// layout written by Apple tools and OpenCore editors.
func Marshal(root *Node) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(header)
	if err := encode(&buf, root, 0); err != nil {
		return nil, err
	}
	buf.WriteString("</plist>\n")
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, n *Node, depth int) error {
	if n == nil {
		return fmt.Errorf("plist: cannot encode nil node")
	}
	indent := strings.Repeat("\t", depth)

	switch n.kind {
	case KindDict:
		if len(n.entries) == 0 {
			buf.WriteString(indent + "<dict/>\n")
			return nil
		}
		buf.WriteString(indent + "<dict>\n")
		for _, e := range n.entries {
			buf.WriteString(indent + "\t<key>" + escape(e.Key) + "</key>\n")
			if err := encode(buf, e.Value, depth+1); err != nil {
				return fmt.Errorf("key %q: %w", e.Key, err)
			}
		}
		buf.WriteString(indent + "</dict>\n")
	case KindArray:
		if len(n.items) == 0 {
			buf.WriteString(indent + "<array/>\n")
			return nil
		}
		buf.WriteString(indent + "<array>\n")
		for i, item := range n.items {
			if err := encode(buf, item, depth+1); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		buf.WriteString(indent + "</array>\n")
	case KindBool:
		if n.b {
			buf.WriteString(indent + "<true/>\n")
		} else {
			buf.WriteString(indent + "<false/>\n")
		}
	case KindString:
		buf.WriteString(indent + "<string>" + escape(n.s) + "</string>\n")
	case KindInteger:
		buf.WriteString(indent + "<integer>" + n.integerText() + "</integer>\n")
	case KindReal:
		buf.WriteString(indent + "<real>" + n.realText() + "</real>\n")
	case KindData:
		buf.WriteString(indent + "<data>" + base64.StdEncoding.EncodeToString(n.data) + "</data>\n")
	case KindDate:
		buf.WriteString(indent + "<date>" + n.t.UTC().Format(dateFormat) + "</date>\n")
	default:
		return fmt.Errorf("plist: cannot encode %s node", n.kind)
	}
	return nil
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string {
	return escaper.Replace(s)
}
