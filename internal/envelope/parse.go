package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Parse decodes wire bytes into an Envelope, preserving numeric literals
// exactly (via json.Number) so that Canonical(Parse(Canonical(e))) ==
// Canonical(e) even for large integers like millisecond timestamps that
// would otherwise be corrupted by a float64 round trip.
func Parse(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("envelope: parse: %w", err)
	}
	if e.Body == nil {
		e.Body = map[string]any{}
	}
	return &e, nil
}

// Marshal renders e as ordinary (non-canonical) JSON for storage or
// logging, where byte-for-byte determinism doesn't matter.
func Marshal(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}
