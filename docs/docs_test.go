package docs

import (
	"encoding/json"
	"testing"

	"github.com/swaggo/swag"
)

func TestRegisteredDoc_RoutesAndTags(t *testing.T) {
	raw, err := swag.ReadDoc(SwaggerInfo.InstanceName())
	if err != nil {
		t.Fatalf("ReadDoc: %v", err)
	}
	var doc struct {
		BasePath string                                `json:"basePath"`
		Paths    map[string]map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("doc is not valid JSON: %v", err)
	}
	if doc.BasePath != "/api/v1" {
		t.Fatalf("basePath = %q", doc.BasePath)
	}

	want := map[string]map[string]string{
		"/attempts":                     {"get": "Attempts"},
		"/sessions":                     {"get": "Sessions"},
		"/sessions/{id}/switch":         {"post": "Sessions"},
		"/sessions/{id}/attempts":       {"get": "Attempts"},
		"/sessions/{id}/attempt":        {"delete": "Messages"},
		"/sessions/{id}/messages":       {"get": "Messages", "post": "Messages"},
		"/sessions/{id}/messages/older": {"post": "Messages"},
	}
	for path, methods := range want {
		for method, tag := range methods {
			op, ok := doc.Paths[path][method]
			if !ok {
				t.Fatalf("missing %s %s", method, path)
			}
			var meta struct {
				Tags []string `json:"tags"`
			}
			if err := json.Unmarshal(op, &meta); err != nil {
				t.Fatalf("%s %s: %v", method, path, err)
			}
			if len(meta.Tags) != 1 || meta.Tags[0] != tag {
				t.Fatalf("%s %s tags = %v, want [%s]", method, path, meta.Tags, tag)
			}
		}
	}
}
