// Package jsonschema validates JSON documents against a compiled JSON Schema.
package jsonschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationErrors represents a collection of validation errors
type ValidationErrors []error

// Error implements the error interface for ValidationErrors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, err := range ve {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Schema is a compiled schema, safe for concurrent use.
type Schema struct {
	schema *jsonschema.Schema
}

// Compile compiles a schema given as a JSON string.
func Compile(schemaStr string) (*Schema, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("schema.json", strings.NewReader(schemaStr)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	return &Schema{schema: schema}, nil
}

// CompileFile reads and compiles a schema file.
func CompileFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return Compile(string(data))
}

// Validate checks body against the schema. It returns nil when the body is
// valid.
func (s *Schema) Validate(body []byte) ValidationErrors {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return ValidationErrors{fmt.Errorf("invalid JSON: %w", err)}
	}

	if err := s.schema.Validate(doc); err != nil {
		if validationErr, ok := err.(*jsonschema.ValidationError); ok {
			return extractValidationErrors(validationErr)
		}
		return ValidationErrors{err}
	}

	return nil
}

// extractValidationErrors flattens a jsonschema.ValidationError tree.
func extractValidationErrors(err *jsonschema.ValidationError) ValidationErrors {
	var errors ValidationErrors

	if err.Message != "" {
		errors = append(errors, fmt.Errorf("validation error at %s: %s", err.InstanceLocation, err.Message))
	}

	for _, childErr := range err.Causes {
		errors = append(errors, extractValidationErrors(childErr)...)
	}

	if len(errors) == 0 {
		errors = append(errors, err)
	}

	return errors
}
