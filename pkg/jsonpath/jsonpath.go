// Package jsonpath resolves simple JSONPath expressions against raw JSON
// using gjson.
package jsonpath

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Path is a compiled lookup path.
type Path struct {
	source string
	gpath  string
}

// Compile converts a JSONPath ($.a.b[0]) or plain gjson path (a.b.0).
func Compile(path string) (Path, error) {
	if strings.TrimSpace(path) == "" {
		return Path{}, fmt.Errorf("empty JSONPath expression")
	}
	return Path{source: path, gpath: toGjsonPath(strings.TrimSpace(path))}, nil
}

// String returns the path as written.
func (p Path) String() string {
	return p.source
}

// Lookup returns the value at the path. The body must be valid JSON.
func (p Path) Lookup(body []byte) (gjson.Result, error) {
	if len(body) == 0 {
		return gjson.Result{}, fmt.Errorf("empty JSON document")
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("invalid JSON document")
	}

	result := gjson.GetBytes(body, p.gpath)
	if !result.Exists() {
		return gjson.Result{}, fmt.Errorf("path not found: %s", p.source)
	}
	return result, nil
}

// toGjsonPath converts a JSONPath expression to gjson syntax:
// $.users[0].name becomes users.0.name.
func toGjsonPath(path string) string {
	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return "@this"
	}
	path = strings.TrimPrefix(path, ".")

	// Bracket notation with quotes: ['name'] or ["name"]
	for _, q := range []string{"'", "\""} {
		path = strings.ReplaceAll(path, "["+q, ".")
		path = strings.ReplaceAll(path, q+"]", "")
	}

	// Array indexes: [n] becomes .n
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")

	return strings.TrimPrefix(path, ".")
}
