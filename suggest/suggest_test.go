package suggest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var schema = &Schema{
	Name: "default",
	Fields: []Field{
		{Name: "uses_animals", Label: "Animal Testing", Type: FieldBoolean, Required: true,
			Keywords: []string{"mice", "in vivo", "animal model"}},
		{Name: "verdict", Label: "Verdict", Type: FieldSelect, Options: []string{"include", "exclude"}},
		{Name: "notes", Label: "Notes", Type: FieldText},
		{Name: "sample_size", Label: "Sample Size", Type: FieldNumber},
	},
}

func TestValidate(t *testing.T) {
	ok := map[string]Value{
		"uses_animals": {Value: true, Evidence: "mice were used"},
		"verdict":      {Value: "include"},
		"sample_size":  {Value: float64(40)},
	}
	assert.NoError(t, schema.Validate(ok))

	assert.Error(t, schema.Validate(map[string]Value{"mystery": {Value: "x"}}))
	assert.Error(t, schema.Validate(map[string]Value{}), "required field missing")
	assert.Error(t, schema.Validate(map[string]Value{
		"uses_animals": {Value: "yes"},
	}), "boolean field with string value")
	assert.Error(t, schema.Validate(map[string]Value{
		"uses_animals": {Value: false},
		"verdict":      {Value: "maybe"},
	}), "unknown select option")
}

func TestRewriteQuery(t *testing.T) {
	assert.Equal(t, `"mice" OR "in vivo" OR "animal model"`, RewriteQuery("animal testing", schema))
	assert.Equal(t, `"mice" OR "in vivo" OR "animal model"`, RewriteQuery("  Animal ", schema))

	// No label match: query passes through untouched.
	assert.Equal(t, "tidal energy", RewriteQuery("tidal energy", schema))
	assert.Equal(t, "notes", RewriteQuery("notes", schema), "field without keywords is not rewritten")
	assert.Equal(t, "anything", RewriteQuery("anything", nil))
}
