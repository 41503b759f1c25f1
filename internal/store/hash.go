package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// CanonicalPayload returns the canonical JSON serialization of an event
// payload: encoding/json sorts map keys recursively and emits no
// insignificant whitespace, so payloads with identical content but different
// key order serialize to identical bytes.
//
// Payloads holding values JSON cannot represent (channels, functions, NaN)
// are rejected rather than coerced.
func CanonicalPayload(payload map[string]any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload not canonicalizable: %w", err)
	}
	return b, nil
}

// HashPayload computes the content fingerprint for an event payload:
// SHA-256 over the canonical serialization. The fingerprint is the dedup
// key's secondary signal — uniqueness is enforced by (source, source_id),
// the hash exists for content-change detection and audit.
func HashPayload(payload map[string]any) ([]byte, error) {
	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return nil, err
	}
	return hashCanonical(canonical), nil
}

// hashCanonical digests already-canonicalized bytes. Callers that hold the
// canonical serialization hash it directly, so the stored text and the
// fingerprint derive from the same bytes.
func hashCanonical(canonical []byte) []byte {
	sum := sha256.Sum256(canonical)
	return sum[:]
}
