// Package check holds the response body strategies a virtual user applies
// after each request.
package check

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rampgate/rampgate/pkg/jsonpath"
	"github.com/rampgate/rampgate/pkg/jsonschema"
)

// Result is the outcome of one named check.
type Result struct {
	Name   string
	Passed bool
	// Reason is empty when the check passed.
	Reason string
}

// BodyCheck inspects a response. Implementations must be safe for concurrent
// use and must not retain body.
type BodyCheck interface {
	// Check returns one result per named check, always in the same order.
	Check(statusCode int, body []byte) []Result
	// Names lists the check names Check reports.
	Names() []string
}

// StatusCheckName is the name of the status check.
const StatusCheckName = "status 200"

// ListField asserts a 200 response is a JSON object whose field at Path is a
// list, optionally validating the whole body against a JSON Schema.
type ListField struct {
	path     jsonpath.Path
	schema   *jsonschema.Schema
	listName string
}

// NewListField builds the check. schema may be nil.
func NewListField(path string, schema *jsonschema.Schema) (*ListField, error) {
	p, err := jsonpath.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("invalid list field path: %w", err)
	}

	field := strings.TrimPrefix(strings.TrimPrefix(p.String(), "$"), ".")
	return &ListField{
		path:     p,
		schema:   schema,
		listName: "has " + field + " array",
	}, nil
}

// Names implements BodyCheck.
func (l *ListField) Names() []string {
	return []string{StatusCheckName, l.listName}
}

// Check implements BodyCheck. The list check fails without parsing when the
// status is not 200.
func (l *ListField) Check(statusCode int, body []byte) []Result {
	results := make([]Result, 0, 2)

	status := Result{Name: StatusCheckName, Passed: statusCode == http.StatusOK}
	if !status.Passed {
		status.Reason = fmt.Sprintf("status %d", statusCode)
	}
	results = append(results, status)

	list := Result{Name: l.listName}
	if statusCode != http.StatusOK {
		list.Reason = "not a 200 response"
		return append(results, list)
	}

	list.Reason = l.shapeError(body)
	list.Passed = list.Reason == ""
	return append(results, list)
}

func (l *ListField) shapeError(body []byte) string {
	value, err := l.path.Lookup(body)
	if err != nil {
		return err.Error()
	}
	if !value.IsArray() {
		return fmt.Sprintf("%s is not a list", l.path)
	}

	if l.schema != nil {
		if errs := l.schema.Validate(body); errs != nil {
			return errs.Error()
		}
	}
	return ""
}

// StatusOnly checks nothing but the status code.
type StatusOnly struct{}

// Names implements BodyCheck.
func (StatusOnly) Names() []string {
	return []string{StatusCheckName}
}

// Check implements BodyCheck.
func (StatusOnly) Check(statusCode int, _ []byte) []Result {
	r := Result{Name: StatusCheckName, Passed: statusCode == http.StatusOK}
	if !r.Passed {
		r.Reason = fmt.Sprintf("status %d", statusCode)
	}
	return []Result{r}
}

// Shape reports whether every result passed.
func Shape(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
