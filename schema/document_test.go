package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceDocument_String(t *testing.T) {
	doc := &SourceDocument{
		ID:         "x1",
		Collection: "students",
		Fields: map[string]interface{}{
			"name":    "Ada",
			"age":     21,
			"tags":    []interface{}{"exam", "", "stress"},
			"profile": map[string]interface{}{"bio": "anxious about exams"},
		},
	}
	var testCases = []struct {
		path   string
		expect string
	}{
		{path: "name", expect: "Ada"},
		{path: "age", expect: "21"},
		{path: "tags", expect: "exam, stress"},
		{path: "profile.bio", expect: "anxious about exams"},
		{path: "profile", expect: ""},
		{path: "missing", expect: ""},
		{path: "name.first", expect: ""},
	}
	for _, testCase := range testCases {
		assert.Equal(t, testCase.expect, doc.String(testCase.path), testCase.path)
	}
	var nilDoc *SourceDocument
	_, ok := nilDoc.Lookup("name")
	assert.False(t, ok)
}
