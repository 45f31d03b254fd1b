// Package policy selects chain templates for approvals from a YAML rules file
// and forwards audit events to the audit trail and the event bus.
package policy

import (
	"fmt"
	"os"

	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/cuihairu/countersign/internal/validation"
	"gopkg.in/yaml.v3"
)

// Rules is the on-disk policy document.
//
//	templates:
//	  - id: two-person
//	    name: Two person rule
//	    steps:
//	      - {order: 0, required_role: admin, label: Admin}
//	      - {order: 0, required_role: security, label: Security}
//	rules:
//	  - action_intent: repo.push
//	    workspace_id: ws-1
//	    template: two-person
type Rules struct {
	Templates []dom.ChainTemplate `yaml:"templates" json:"templates"`
	Rules     []Rule              `yaml:"rules" json:"rules"`
}

// Rule maps a query to a template id. Empty match fields are wildcards; the
// first matching rule wins.
type Rule struct {
	ActionIntent   string `yaml:"action_intent,omitempty" json:"action_intent,omitempty"`
	ActionMode     string `yaml:"action_mode,omitempty" json:"action_mode,omitempty"`
	MunicipalityID string `yaml:"municipality_id,omitempty" json:"municipality_id,omitempty"`
	WorkspaceID    string `yaml:"workspace_id,omitempty" json:"workspace_id,omitempty"`
	Template       string `yaml:"template" json:"template"`
}

func (r Rule) matches(q dom.TemplateQuery) bool {
	return field(r.ActionIntent, q.ActionIntent) &&
		field(r.ActionMode, q.ActionMode) &&
		field(r.MunicipalityID, q.MunicipalityID) &&
		field(r.WorkspaceID, q.WorkspaceID)
}

func field(want, got string) bool { return want == "" || want == "*" || want == got }

var rulesSchema = validation.MustCompile(`{
  "type": "object",
  "properties": {
    "templates": {"type": ["array", "null"]},
    "rules": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["template"],
        "properties": {"template": {"type": "string", "minLength": 1}}
      }
    }
  }
}`)

// Parse decodes and validates a rules document.
func Parse(data []byte) (*Rules, error) {
	var rs Rules
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse policy rules: %w", err)
	}
	if err := rulesSchema.ValidateGo(rs); err != nil {
		return nil, fmt.Errorf("policy rules: %w", err)
	}
	seen := map[string]bool{}
	for i := range rs.Templates {
		t := &rs.Templates[i]
		if t.ID == "" || t.ID == dom.DefaultTemplateID {
			return nil, fmt.Errorf("policy template %d: id %q not allowed: %w", i, t.ID, dom.ErrValidation)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("policy template %q defined twice: %w", t.ID, dom.ErrValidation)
		}
		seen[t.ID] = true
		if err := validation.ValidateTemplate(t); err != nil {
			return nil, err
		}
	}
	return &rs, nil
}

// Load reads and parses a rules file.
func Load(path string) (*Rules, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// match returns the template id selected for q, or "".
func (rs *Rules) match(q dom.TemplateQuery) string {
	if rs == nil {
		return ""
	}
	for _, r := range rs.Rules {
		if r.matches(q) {
			return r.Template
		}
	}
	return ""
}

func (rs *Rules) inline(id string) *dom.ChainTemplate {
	if rs == nil {
		return nil
	}
	for i := range rs.Templates {
		if rs.Templates[i].ID == id {
			t := rs.Templates[i]
			t.Steps = append([]dom.TemplateStep(nil), t.Steps...)
			return &t
		}
	}
	return nil
}
