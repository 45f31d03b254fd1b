package validation

import (
	"errors"
	"testing"

	dom "github.com/cuihairu/countersign/internal/ports"
)

func TestSchemaValidate(t *testing.T) {
	s := MustCompile(`{
		"type": "object",
		"properties": {
			"repo":  {"type": "string"},
			"count": {"type": "integer"}
		},
		"required": ["repo"]
	}`)
	if err := s.Validate([]byte(`{"repo":"acme/app","count":2}`)); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := s.Validate([]byte(`{"count":2}`)); !errors.Is(err, dom.ErrValidation) {
		t.Fatalf("expected validation error for missing repo, got %v", err)
	}
	if err := s.Validate([]byte(`{"repo":1}`)); err == nil {
		t.Fatalf("expected type error")
	}
	if err := s.Validate([]byte(`{broken`)); !errors.Is(err, dom.ErrValidation) {
		t.Fatalf("expected invalid JSON to be a validation error, got %v", err)
	}
}

func TestCompileRejectsBadSchema(t *testing.T) {
	if _, err := Compile([]byte(`{"type": 12}`)); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestValidateTemplate(t *testing.T) {
	cases := []struct {
		name string
		tpl  *dom.ChainTemplate
		ok   bool
	}{
		{"default", dom.DefaultTemplate(), true},
		{"nil", nil, false},
		{"no steps", &dom.ChainTemplate{ID: "t", Name: "x"}, false},
		{"blank name", &dom.ChainTemplate{ID: "t", Name: " ", Steps: []dom.TemplateStep{{RequiredRole: "admin", Label: "A"}}}, false},
		{"negative order", &dom.ChainTemplate{ID: "t", Name: "x", Steps: []dom.TemplateStep{{Order: -1, RequiredRole: "admin", Label: "A"}}}, false},
		{"blank role", &dom.ChainTemplate{ID: "t", Name: "x", Steps: []dom.TemplateStep{{Order: 0, Label: "A"}}}, false},
		{"parallel", &dom.ChainTemplate{ID: "t", Name: "x", Steps: []dom.TemplateStep{
			{Order: 0, RequiredRole: "admin", Label: "A"},
			{Order: 0, RequiredRole: "security", Label: "B"},
			{Order: 1, RequiredRole: "owner", Label: "C"},
		}}, true},
	}
	for _, tc := range cases {
		err := ValidateTemplate(tc.tpl)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, dom.ErrValidation) {
			t.Errorf("%s: want validation error, got %v", tc.name, err)
		}
	}
}
