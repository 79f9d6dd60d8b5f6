package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type operation struct {
	Responses map[string]yaml.Node `yaml:"responses"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

// servedOperations lists every method and path the HTTP server routes.
var servedOperations = map[string][]string{
	"/":                          {"get"},
	"/healthz":                   {"get"},
	"/api/books":                 {"get", "post"},
	"/api/books/{id}":            {"get", "put", "patch", "delete"},
	"/api/users":                 {"get", "post"},
	"/api/users/{id}":            {"get", "put", "patch", "delete"},
	"/api/loans":                 {"get", "post"},
	"/api/loans/{id}":            {"get", "delete"},
	"/api/loans/{id}/return":     {"patch"},
	"/api/maintenance/reconcile": {"post"},
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func run(path string) error {
	doc, err := loadDoc(path)
	if err != nil {
		return err
	}
	errSchema, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errSchema); err != nil {
		return err
	}
	return validateOperations(doc)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

// validateErrorResponse checks the documented error body against what the
// server writes: {error, code, details?, requestId?}.
func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	for _, field := range []string{"error", "code", "requestId"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	details, ok := s.Properties["details"]
	if !ok || details.Type != "object" {
		return errors.New("ErrorResponse.details must be object")
	}
	return nil
}

// validateOperations requires every served operation to be documented and
// every documented operation to be served. Operations addressing a single
// record must document 404.
func validateOperations(doc openAPIDoc) error {
	var problems []string
	for path, methods := range servedOperations {
		ops, ok := doc.Paths[path]
		if !ok {
			problems = append(problems, fmt.Sprintf("path %s undocumented", path))
			continue
		}
		for _, m := range methods {
			node, ok := ops[m]
			if !ok {
				problems = append(problems, fmt.Sprintf("%s %s undocumented", strings.ToUpper(m), path))
				continue
			}
			var op operation
			if err := node.Decode(&op); err != nil {
				problems = append(problems, fmt.Sprintf("%s %s: %v", strings.ToUpper(m), path, err))
				continue
			}
			if strings.Contains(path, "{id}") {
				if _, ok := op.Responses["404"]; !ok {
					problems = append(problems, fmt.Sprintf("%s %s must document 404", strings.ToUpper(m), path))
				}
			}
		}
	}
	for path, ops := range doc.Paths {
		served := makeSet(servedOperations[path])
		for m := range ops {
			if m == "parameters" {
				continue
			}
			if !served[m] {
				problems = append(problems, fmt.Sprintf("%s %s documented but not served", strings.ToUpper(m), path))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("openapi mismatch:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

func makeSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[strings.TrimSpace(v)] = true
	}
	return out
}
