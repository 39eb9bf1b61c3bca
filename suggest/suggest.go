// Package suggest holds the contract for the hosted-model suggestion
// collaborator and the dynamic annotation schemas it works against. The
// engine never implements the provider itself; it only validates values
// at the boundary and guarantees a provider failure cannot touch lease
// or queue state.
package suggest

import (
	"context"
	"fmt"
	"strings"

	"github.com/margonote/margo/corpus"
)

type FieldType string

const (
	FieldText    FieldType = "text"
	FieldBoolean FieldType = "boolean"
	FieldSelect  FieldType = "select"
	FieldNumber  FieldType = "number"
)

// Field describes one annotation field of a schema. Keywords drive the
// filter-engine query rewrite; Options constrain select fields.
type Field struct {
	Name     string    `json:"name" yaml:"name"`
	Label    string    `json:"label" yaml:"label"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Keywords []string  `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Options  []string  `json:"options,omitempty" yaml:"options,omitempty"`
}

// Schema is a caller-supplied description of the annotation fields in
// play for a corpus. Field sets vary per configuration; nothing in the
// engine assumes a fixed record shape.
type Schema struct {
	Name   string  `json:"name" yaml:"name"`
	Fields []Field `json:"fields" yaml:"fields"`
}

func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Value is one suggested or submitted field value with the evidence the
// model (or annotator) gave for it.
type Value struct {
	Value         any    `json:"value"`
	Evidence      string `json:"evidence,omitempty"`
	Justification string `json:"justification,omitempty"`
}

// Suggestion is the structured result of one provider call.
type Suggestion struct {
	Model  string           `json:"model"`
	Values map[string]Value `json:"values"`
}

// Provider is the AI-suggestion collaborator. Implementations call a
// hosted model with the document and the schema; the engine treats every
// error as advisory.
type Provider interface {
	Suggest(ctx context.Context, rec *corpus.Record, schema *Schema) (*Suggestion, error)
}

// Validate checks a value set against the schema: unknown fields,
// missing required fields, and type mismatches are all reported.
// Validation happens at the boundary; nothing downstream reflects over
// the values.
func (s *Schema) Validate(values map[string]Value) error {
	for name := range values {
		if _, ok := s.Field(name); !ok {
			return fmt.Errorf("suggest: unknown field %q", name)
		}
	}
	for _, f := range s.Fields {
		v, present := values[f.Name]
		if !present {
			if f.Required {
				return fmt.Errorf("suggest: missing required field %q", f.Name)
			}
			continue
		}
		if err := f.check(v.Value); err != nil {
			return err
		}
	}
	return nil
}

func (f Field) check(v any) error {
	switch f.Type {
	case FieldBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("suggest: field %q wants a boolean, got %T", f.Name, v)
		}
	case FieldNumber:
		switch v.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("suggest: field %q wants a number, got %T", f.Name, v)
		}
	case FieldSelect:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("suggest: field %q wants an option string, got %T", f.Name, v)
		}
		for _, opt := range f.Options {
			if opt == s {
				return nil
			}
		}
		return fmt.Errorf("suggest: field %q has no option %q", f.Name, s)
	case FieldText, "":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("suggest: field %q wants text, got %T", f.Name, v)
		}
	}
	return nil
}

// RewriteQuery maps a query that names a field's display label onto a
// disjunction of that field's configured keywords, quoted and OR-joined.
// Queries that match no label pass through unchanged.
func RewriteQuery(query string, schema *Schema) string {
	if schema == nil {
		return query
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return query
	}
	for _, f := range schema.Fields {
		if len(f.Keywords) == 0 {
			continue
		}
		if strings.Contains(strings.ToLower(f.Label), q) {
			quoted := make([]string, 0, len(f.Keywords))
			for _, kw := range f.Keywords {
				quoted = append(quoted, `"`+kw+`"`)
			}
			return strings.Join(quoted, " OR ")
		}
	}
	return query
}
