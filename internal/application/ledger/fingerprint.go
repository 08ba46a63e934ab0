package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint derives the request fingerprint stored with an idempotency key.
// The payload is canonicalised first, so key order and whitespace do not matter.
func Fingerprint(kind, entityID, event string, payload json.RawMessage) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalise payload: %w", err)
	}

	doc, err := json.Marshal(struct {
		Kind     string          `json:"kind"`
		EntityID string          `json:"entity_id"`
		Event    string          `json:"event"`
		Payload  json.RawMessage `json:"payload"`
	}{kind, entityID, event, canonical})
	if err != nil {
		return "", fmt.Errorf("failed to encode fingerprint document: %w", err)
	}

	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(payload json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return json.RawMessage("null"), nil
	}

	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// maps re-encode with sorted keys
	return json.Marshal(v)
}
