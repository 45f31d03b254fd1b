package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/xeipuuv/gojsonschema"
)

// maxReported caps how many schema violations end up in one error message.
const maxReported = 5

// Schema is a compiled JSON Schema.
type Schema struct {
	s *gojsonschema.Schema
}

// Compile parses a JSON Schema document.
func Compile(schema []byte) (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{s: s}, nil
}

// MustCompile is Compile for package-level schemas.
func MustCompile(schema string) *Schema {
	s, err := Compile([]byte(schema))
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks data against the schema. Violations are reported as dom.ErrValidation.
func (s *Schema) Validate(data []byte) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON: %w", dom.ErrValidation)
	}
	res, err := s.s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%v: %w", err, dom.ErrValidation)
	}
	if res.Valid() {
		return nil
	}
	var msgs []string
	for i, e := range res.Errors() {
		if i >= maxReported {
			break
		}
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s: %w", strings.Join(msgs, "; "), dom.ErrValidation)
}

// ValidateGo validates any value by round-tripping it through JSON.
func (s *Schema) ValidateGo(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Validate(b)
}
