package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunAcceptsShippedDocument(t *testing.T) {
	if err := run(filepath.Join("..", "..", "api", "openapi.yaml")); err != nil {
		t.Fatalf("shipped openapi.yaml rejected: %v", err)
	}
}

const minimalErrorSchema = `
components:
  schemas:
    ErrorResponse:
      type: object
      required: [error, code]
      properties:
        error: { type: string }
        code: { type: string }
        requestId: { type: string }
        details: { type: object }
`

func writeDoc(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openapi.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	return path
}

func TestRunReportsUndocumentedOperations(t *testing.T) {
	doc := `
paths:
  /api/books/{id}:
    parameters:
      - { name: id, in: path, required: true }
    get:
      responses:
        "200": { description: ok }
    post:
      responses:
        "200": { description: ok }
` + minimalErrorSchema
	err := run(writeDoc(t, doc))
	if err == nil {
		t.Fatalf("expected mismatch error")
	}
	for _, want := range []string{
		"path /api/loans undocumented",
		"GET /api/books/{id} must document 404",
		"PUT /api/books/{id} undocumented",
		"POST /api/books/{id} documented but not served",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidateErrorResponse(t *testing.T) {
	tests := []struct {
		name string
		s    schema
		want string
	}{
		{name: "not object", s: schema{Type: "array"}, want: "must be object"},
		{name: "code not required", s: schema{Type: "object", Required: []string{"error"}}, want: `include "code"`},
		{
			name: "details not object",
			s: schema{
				Type:     "object",
				Required: []string{"error", "code"},
				Properties: map[string]schema{
					"error":     {Type: "string"},
					"code":      {Type: "string"},
					"requestId": {Type: "string"},
					"details":   {Type: "array"},
				},
			},
			want: "details must be object",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateErrorResponse(tt.s)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestRunMissingFile(t *testing.T) {
	if err := run(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}
