package extractor

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

const indentUnit = "  "

// The page escapes the preview again for HTML, so only markup characters
// are escaped here.
var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

// Preview returns text re-indented for display. Prefixes are kept as written.
// Input that is not well-formed XML is returned unchanged.
func Preview(text string) string {
	d := xml.NewDecoder(strings.NewReader(text))

	var (
		out      bytes.Buffer
		open     []string
		inline   bool // element text written on the open tag's line
		openLine bool // last write was an open tag with nothing after it
	)

	newline := func(level int) {
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(strings.Repeat(indentUnit, level))
	}

	for {
		tok, err := d.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return text
		}

		switch t := tok.(type) {
		case xml.StartElement:
			newline(len(open))
			name := qualified(t.Name)
			out.WriteByte('<')
			out.WriteString(name)
			for _, a := range t.Attr {
				out.WriteByte(' ')
				out.WriteString(qualified(a.Name))
				out.WriteString(`="`)
				attrEscaper.WriteString(&out, a.Value)
				out.WriteByte('"')
			}
			out.WriteByte('>')
			open = append(open, name)
			inline, openLine = false, true
		case xml.EndElement:
			name := qualified(t.Name)
			if len(open) == 0 || open[len(open)-1] != name {
				return text
			}
			open = open[:len(open)-1]
			if !inline && !openLine {
				newline(len(open))
			}
			out.WriteString("</" + name + ">")
			inline, openLine = false, false
		case xml.CharData:
			v := bytes.TrimSpace(t)
			if len(v) == 0 {
				continue
			}
			if !openLine {
				newline(len(open))
			}
			textEscaper.WriteString(&out, string(v))
			inline = openLine
			openLine = false
		case xml.ProcInst:
			newline(len(open))
			out.WriteString("<?" + t.Target + " " + string(t.Inst) + "?>")
			inline, openLine = false, false
		case xml.Comment:
			newline(len(open))
			out.WriteString("<!--" + string(t) + "-->")
			inline, openLine = false, false
		case xml.Directive:
			newline(len(open))
			out.WriteString("<!" + string(t) + ">")
			inline, openLine = false, false
		}
	}
	if len(open) != 0 {
		return text
	}
	return out.String()
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}
