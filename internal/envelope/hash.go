package envelope

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ID computes the envelope ID: the BLAKE2b-256 digest of the canonical
// serialization of e's unsigned projection (§4.1). This is the value
// used as rfq_id/quote_id/terms_hash references, and is also the digest
// that gets Ed25519-signed.
func ID(e *Envelope) (string, error) {
	canon, err := Canonical(e)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// MustID is ID but panics on error, for call sites that already know the
// envelope canonicalizes cleanly (e.g. right after constructing it).
func MustID(e *Envelope) string {
	id, err := ID(e)
	if err != nil {
		panic(fmt.Sprintf("envelope: MustID: %v", err))
	}
	return id
}
