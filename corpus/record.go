package corpus

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Field names every corpus line is expected to carry. The natural key
// field is mandatory for indexing; everything else is optional.
const (
	FieldKey      = "doi"
	FieldTitle    = "title"
	FieldAbstract = "abstract"
	FieldResource = "open_access_pdf"
)

// Record is one parsed corpus line. Fields holds the document exactly as
// parsed, every field preserved; Raw is the line as stored in the file,
// without the trailing newline.
type Record struct {
	Key      string
	Title    string
	Abstract string
	Resource string
	Fields   map[string]any
	Raw      []byte
}

// ParseRecord parses a single corpus line. The resource field is accepted
// either as a plain URL string or as an object with a "url" member, both
// forms occur in the wild.
func ParseRecord(line []byte) (*Record, error) {
	line = bytes.TrimRight(line, "\r\n")
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, err
	}
	rec := &Record{
		Fields: fields,
		Raw:    append([]byte(nil), line...),
	}
	rec.Key, _ = fields[FieldKey].(string)
	rec.Title, _ = fields[FieldTitle].(string)
	rec.Abstract, _ = fields[FieldAbstract].(string)
	switch v := fields[FieldResource].(type) {
	case string:
		rec.Resource = v
	case map[string]any:
		rec.Resource, _ = v["url"].(string)
	}
	return rec, nil
}

// HasResource reports whether the record carries a well-formed resource URL.
func (r *Record) HasResource() bool {
	return strings.HasPrefix(r.Resource, "http://") || strings.HasPrefix(r.Resource, "https://")
}
