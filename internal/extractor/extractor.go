// Package extractor pulls the email metadata out of a despatch advice document.
package extractor

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"despatchflow/internal/models"
)

// CBCNamespace is the UBL CommonBasicComponents namespace that holds ID and IssueDate.
const CBCNamespace = "urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2"

// cbcPrefix matches documents that use the conventional prefix without declaring it.
const cbcPrefix = "cbc"

// Extract returns the document ID and issue date of text. It never fails:
// missing fields, and every field of unparseable input, come back as
// models.UnknownMarker. A document cut off before its closing tags keeps
// the fields read so far.
func Extract(text string) models.Metadata {
	meta := models.Metadata{ID: models.UnknownMarker, IssueDate: models.UnknownMarker}

	fields, err := scan(text)
	if err != nil {
		return meta
	}
	if v := fields["ID"]; v != "" {
		meta.ID = v
	}
	if v := fields["IssueDate"]; v != "" {
		meta.IssueDate = v
	}
	return meta
}

// scan walks the whole document and records the first non-empty value of
// each wanted cbc element in document order.
func scan(text string) (map[string]string, error) {
	d := xml.NewDecoder(strings.NewReader(text))
	d.Strict = false

	found := make(map[string]string, 2)
	var (
		capturing string
		depth     int
		buf       strings.Builder
	)

	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) || truncated(err) {
			return found, nil
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if capturing != "" {
				depth++
				continue
			}
			if isWanted(t.Name) && found[t.Name.Local] == "" {
				capturing = t.Name.Local
				depth = 0
				buf.Reset()
			}
		case xml.CharData:
			if capturing != "" {
				buf.Write(t)
			}
		case xml.EndElement:
			if capturing == "" {
				continue
			}
			if depth > 0 {
				depth--
				continue
			}
			if v := strings.TrimSpace(buf.String()); v != "" {
				found[capturing] = v
			}
			capturing = ""
		}
	}
}

// truncated reports whether err only says the input ended early.
func truncated(err error) bool {
	var se *xml.SyntaxError
	return errors.As(err, &se) && se.Msg == "unexpected EOF"
}

func isWanted(name xml.Name) bool {
	if name.Space != CBCNamespace && name.Space != cbcPrefix {
		return false
	}
	return name.Local == "ID" || name.Local == "IssueDate"
}
