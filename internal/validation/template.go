package validation

import (
	"fmt"
	"strings"

	dom "github.com/cuihairu/countersign/internal/ports"
)

// templateSchema is the shape every chain template must have.
var templateSchema = MustCompile(`{
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id":   {"type": "string", "maxLength": 64},
    "name": {"type": "string", "minLength": 1, "maxLength": 191},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["order", "required_role", "label"],
        "properties": {
          "order":         {"type": "integer", "minimum": 0},
          "required_role": {"type": "string", "minLength": 1},
          "label":         {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`)

// ValidateTemplate checks a chain template's shape. Errors match dom.ErrValidation.
func ValidateTemplate(t *dom.ChainTemplate) error {
	if t == nil {
		return fmt.Errorf("template is nil: %w", dom.ErrValidation)
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template name is blank: %w", dom.ErrValidation)
	}
	for i, s := range t.Steps {
		if strings.TrimSpace(s.RequiredRole) == "" || strings.TrimSpace(s.Label) == "" {
			return fmt.Errorf("step %d: role and label must not be blank: %w", i, dom.ErrValidation)
		}
	}
	if err := templateSchema.ValidateGo(t); err != nil {
		return fmt.Errorf("template %q: %w", t.ID, err)
	}
	return nil
}
