package ports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashPlan returns the hex SHA-256 of the canonical JSON form of steps.
// Payload objects are re-encoded so key order and whitespace do not change the hash.
func HashPlan(steps []PlanStep) (string, error) {
	canon := make([]PlanStep, len(steps))
	for i, s := range steps {
		canon[i] = s
		if len(s.Plan) == 0 {
			continue
		}
		p, err := canonicalJSON(s.Plan)
		if err != nil {
			return "", fmt.Errorf("step %s: %w", s.StepID, err)
		}
		canon[i].Plan = p
	}
	b, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid plan payload: %w", err)
	}
	return json.Marshal(v)
}
