// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package grammar converts JSON Schema documents into GBNF grammars that
// constrain llama.cpp sampling to schema-shaped JSON.
//
// Supported constructs: type (object, array, string, number, integer,
// boolean, null and type lists), properties, items, const, enum, oneOf and
// anyOf. Anything else falls back to an unconstrained JSON value.
package grammar

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnsupported is returned for schema features the converter rejects.
var ErrUnsupported = errors.New("unsupported schema construct")

const spaceRule = `" "?`

var primitiveRules = map[string]string{
	"boolean": `("true" | "false") space`,
	"null":    `"null" space`,
	"integer": `("-"? ([0-9] | [1-9] [0-9]*)) space`,
	"number":  `("-"? ([0-9] | [1-9] [0-9]*)) ("." [0-9]+)? ([eE] [-+]? [0-9]+)? space`,
	"string":  `"\"" ( [^"\\] | "\\" (["\\/bfnrt] | "u" [0-9a-fA-F] [0-9a-fA-F] [0-9a-fA-F] [0-9a-fA-F]) )* "\"" space`,
	"value":   `object | array | string | number | boolean | null`,
	"object":  `"{" space ( string ":" space value ("," space string ":" space value)* )? "}" space`,
	"array":   `"[" space ( value ("," space value)* )? "]" space`,
}

// primitiveDeps lists the rules each primitive references.
var primitiveDeps = map[string][]string{
	"value":  {"object", "array", "string", "number", "boolean", "null"},
	"object": {"string", "value"},
	"array":  {"value"},
}

var invalidRuleChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// Convert returns the GBNF grammar for schema. Object properties are emitted
// in propOrder rank, then by name; properties missing from propOrder sort
// after ranked ones.
func Convert(schema map[string]any, propOrder map[string]int) (string, error) {
	c := &converter{
		rules:     map[string]string{"space": spaceRule},
		propOrder: propOrder,
	}
	if _, err := c.visit(schema, ""); err != nil {
		return "", err
	}
	return c.format(), nil
}

// ConvertJSON parses a JSON schema document and converts it.
func ConvertJSON(data []byte, propOrder map[string]int) (string, error) {
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return "", fmt.Errorf("parse schema: %w", err)
	}
	return Convert(schema, propOrder)
}

// ConvertFile reads a schema from a .json, .yaml or .yml file and converts it.
func ConvertFile(path string, propOrder map[string]int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read schema: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var schema map[string]any
		if err := yaml.Unmarshal(data, &schema); err != nil {
			return "", fmt.Errorf("parse schema: %w", err)
		}
		return Convert(schema, propOrder)
	default:
		return ConvertJSON(data, propOrder)
	}
}

// =============================================================================
// CONVERTER
// =============================================================================

type converter struct {
	rules     map[string]string
	propOrder map[string]int
}

// visit adds the rules for schema and returns the name of its rule. An empty
// name means the root.
func (c *converter) visit(schema map[string]any, name string) (string, error) {
	ruleName := name
	if ruleName == "" {
		ruleName = "root"
	}

	if _, ok := schema["$ref"]; ok {
		return "", fmt.Errorf("%w: $ref", ErrUnsupported)
	}

	if alts, ok := firstList(schema, "oneOf", "anyOf"); ok {
		names := make([]string, 0, len(alts))
		for i, alt := range alts {
			sub, ok := alt.(map[string]any)
			if !ok {
				return "", fmt.Errorf("%s: alternative %d is not an object", ruleName, i)
			}
			altName, err := c.visit(sub, fmt.Sprintf("%s-%d", ruleName, i))
			if err != nil {
				return "", err
			}
			names = append(names, altName)
		}
		return c.addRule(ruleName, strings.Join(names, " | ")), nil
	}

	if v, ok := schema["const"]; ok {
		lit, err := jsonLiteral(v)
		if err != nil {
			return "", err
		}
		return c.addRule(ruleName, lit+" space"), nil
	}

	if values, ok := schema["enum"].([]any); ok {
		lits := make([]string, 0, len(values))
		for _, v := range values {
			lit, err := jsonLiteral(v)
			if err != nil {
				return "", err
			}
			lits = append(lits, lit)
		}
		return c.addRule(ruleName, "("+strings.Join(lits, " | ")+") space"), nil
	}

	switch typ := schema["type"].(type) {
	case []any:
		names := make([]string, 0, len(typ))
		for _, t := range typ {
			sub := copySchema(schema)
			sub["type"] = t
			altName, err := c.visit(sub, fmt.Sprintf("%s-%v", ruleName, t))
			if err != nil {
				return "", err
			}
			names = append(names, altName)
		}
		return c.addRule(ruleName, strings.Join(names, " | ")), nil

	case string:
		switch typ {
		case "object":
			if props, ok := schema["properties"].(map[string]any); ok {
				return c.visitObject(props, ruleName)
			}
		case "array":
			if items, ok := schema["items"].(map[string]any); ok {
				itemName, err := c.visit(items, ruleName+"-item")
				if err != nil {
					return "", err
				}
				body := fmt.Sprintf(`"[" space (%s ("," space %s)*)? "]" space`, itemName, itemName)
				return c.addRule(ruleName, body), nil
			}
		}
		if _, ok := primitiveRules[typ]; !ok {
			return "", fmt.Errorf("%w: type %q", ErrUnsupported, typ)
		}
		return c.usePrimitive(typ, ruleName), nil
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		return c.visitObject(props, ruleName)
	}

	return c.usePrimitive("value", ruleName), nil
}

func (c *converter) visitObject(props map[string]any, ruleName string) (string, error) {
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := c.rank(names[i]), c.rank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})

	parts := make([]string, 0, len(names))
	for _, prop := range names {
		sub, ok := props[prop].(map[string]any)
		if !ok {
			sub = map[string]any{}
		}
		valueRule, err := c.visit(sub, ruleName+"-"+prop)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf(`%s space ":" space %s`, literal(`"`+prop+`"`), valueRule))
	}

	var body strings.Builder
	body.WriteString(`"{" space`)
	for i, part := range parts {
		if i > 0 {
			body.WriteString(` "," space`)
		}
		body.WriteString(" ")
		body.WriteString(part)
	}
	body.WriteString(` "}" space`)

	return c.addRule(ruleName, body.String()), nil
}

func (c *converter) rank(prop string) int {
	if r, ok := c.propOrder[prop]; ok {
		return r
	}
	return len(c.propOrder)
}

// usePrimitive adds a primitive and its dependencies. When the schema node is
// named (not just the primitive itself) an alias rule is added.
func (c *converter) usePrimitive(typ, ruleName string) string {
	c.addPrimitive(typ)
	if ruleName == "root" {
		return c.addRule(ruleName, typ)
	}
	return typ
}

func (c *converter) addPrimitive(typ string) {
	if _, ok := c.rules[typ]; ok {
		return
	}
	c.rules[typ] = primitiveRules[typ]
	for _, dep := range primitiveDeps[typ] {
		c.addPrimitive(dep)
	}
}

// addRule stores a rule, deduplicating identical bodies and disambiguating
// clashing names with a numeric suffix.
func (c *converter) addRule(name, body string) string {
	key := invalidRuleChars.ReplaceAllString(name, "-")
	if existing, ok := c.rules[key]; !ok || existing == body {
		c.rules[key] = body
		return key
	}
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("%s%d", key, i)
		if existing, ok := c.rules[candidate]; !ok || existing == body {
			c.rules[candidate] = body
			return candidate
		}
	}
}

func (c *converter) format() string {
	names := make([]string, 0, len(c.rules))
	for name := range c.rules {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "%s ::= %s\n", name, c.rules[name])
	}
	return sb.String()
}

// =============================================================================
// HELPERS
// =============================================================================

func firstList(schema map[string]any, keys ...string) ([]any, bool) {
	for _, k := range keys {
		if v, ok := schema[k].([]any); ok {
			return v, true
		}
	}
	return nil, false
}

func copySchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		out[k] = v
	}
	return out
}

// jsonLiteral renders v as JSON and quotes the result as a GBNF literal.
func jsonLiteral(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode literal: %w", err)
	}
	return literal(string(b)), nil
}

// literal quotes s as a GBNF string literal.
func literal(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			sb.WriteString(`\\`)
		case '"':
			sb.WriteString(`\"`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
