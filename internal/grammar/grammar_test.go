// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package grammar

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toolSchema = `{
  "oneOf": [
    {
      "type": "object",
      "properties": {
        "function": {"const": "create_event"},
        "arguments": {
          "type": "object",
          "properties": {
            "title": {"type": "string"},
            "date": {"type": "string"},
            "time": {"type": "string"}
          }
        }
      }
    },
    {
      "type": "object",
      "properties": {
        "function": {"const": "image_search"},
        "arguments": {
          "type": "object",
          "properties": {"query": {"type": "string"}}
        }
      }
    }
  ]
}`

func rulesOf(g string) map[string]string {
	rules := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(g), "\n") {
		name, body, ok := strings.Cut(line, " ::= ")
		if ok {
			rules[name] = body
		}
	}
	return rules
}

func TestConvert_ToolCallSchema(t *testing.T) {
	g, err := ConvertJSON([]byte(toolSchema), map[string]int{"function": 0, "arguments": 1})
	require.NoError(t, err)

	rules := rulesOf(g)
	assert.Equal(t, "root-0 | root-1", rules["root"])
	assert.Equal(t, `"\"create_event\"" space`, rules["root-0-function"])
	assert.Equal(t, `"\"image_search\"" space`, rules["root-1-function"])
	assert.Equal(t,
		`"{" space "\"function\"" space ":" space root-0-function "," space "\"arguments\"" space ":" space root-0-arguments "}" space`,
		rules["root-0"])
	assert.Equal(t,
		`"{" space "\"date\"" space ":" space string "," space "\"time\"" space ":" space string "," space "\"title\"" space ":" space string "}" space`,
		rules["root-0-arguments"])
	assert.Contains(t, rules, "string")
	assert.Equal(t, `" "?`, rules["space"])
}

func TestConvert_Deterministic(t *testing.T) {
	first, err := ConvertJSON([]byte(toolSchema), nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := ConvertJSON([]byte(toolSchema), nil)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestConvert_PropertyOrderDefaultsToName(t *testing.T) {
	g, err := Convert(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"b": map[string]any{"type": "integer"},
			"a": map[string]any{"type": "boolean"},
		},
	}, nil)
	require.NoError(t, err)

	root := rulesOf(g)["root"]
	assert.Less(t, strings.Index(root, `\"a\"`), strings.Index(root, `\"b\"`))
}

func TestConvert_Primitives(t *testing.T) {
	tests := []struct {
		schema map[string]any
		root   string
	}{
		{map[string]any{"type": "string"}, "string"},
		{map[string]any{"type": "number"}, "number"},
		{map[string]any{"type": "boolean"}, "boolean"},
		{map[string]any{}, "value"},
	}

	for _, tc := range tests {
		g, err := Convert(tc.schema, nil)
		require.NoError(t, err)
		rules := rulesOf(g)
		assert.Equal(t, tc.root, rules["root"])
		assert.Contains(t, rules, tc.root)
	}
}

func TestConvert_GenericValuePullsDependencies(t *testing.T) {
	g, err := Convert(map[string]any{}, nil)
	require.NoError(t, err)

	rules := rulesOf(g)
	for _, name := range []string{"value", "object", "array", "string", "number", "boolean", "null", "space"} {
		assert.Contains(t, rules, name)
	}
}

func TestConvert_EnumArrayAndTypeList(t *testing.T) {
	g, err := Convert(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"level": map[string]any{"enum": []any{"low", "high"}},
			"note":  map[string]any{"type": []any{"string", "null"}},
		},
	}, nil)
	require.NoError(t, err)

	rules := rulesOf(g)
	assert.Equal(t, `("\"low\"" | "\"high\"") space`, rules["root-level"])
	assert.Equal(t, `"[" space (string ("," space string)*)? "]" space`, rules["root-tags"])
	assert.Equal(t, "string | null", rules["root-note"])
}

func TestConvert_RefUnsupported(t *testing.T) {
	_, err := Convert(map[string]any{"$ref": "#/defs/x"}, nil)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = Convert(map[string]any{"type": "date"}, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestConvertFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	yamlSchema := "type: object\nproperties:\n  query:\n    type: string\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlSchema), 0o600))

	g, err := ConvertFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, `"{" space "\"query\"" space ":" space string "}" space`, rulesOf(g)["root"])
}

func TestConvertFile_Missing(t *testing.T) {
	_, err := ConvertFile(filepath.Join(t.TempDir(), "nope.json"), nil)
	assert.Error(t, err)
}
