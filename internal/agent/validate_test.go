package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsStructurallyValid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"nil body", "", false},
		{"whitespace only", "   \n\t ", false},
		{"json null", "null", false},
		{"empty object literal", "{}", false},
		{"empty object with spaces", "  { }  ", false},
		{"empty array", "[]", false},
		{"empty string value", `""`, false},
		{"object of nulls", `{"a": null, "b": null}`, false},
		{"object of empties", `{"a": "", "b": {}, "c": []}`, false},
		{"nested all-empty", `{"a": {"b": [""], "c": null}}`, false},
		{"not json", "<html>502 Bad Gateway</html>", false},

		{"flat object", `{"summary": "traffic up 12%"}`, true},
		{"array with content", `[{"item": "fix meta descriptions"}]`, true},
		{"numeric zero is content", `{"sessions": 0}`, true},
		{"boolean false is content", `{"eligible": false}`, true},
		{"deeply nested content", `{"a": {"b": {"c": "x"}}}`, true},
		{"mixed empty and content", `{"a": null, "b": "kept"}`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsStructurallyValid(json.RawMessage(tc.raw)))
		})
	}
}
