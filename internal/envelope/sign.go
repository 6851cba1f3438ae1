package envelope

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// VerifyResult is the outcome of Verify: either ok, or a reason a caller
// can log without needing to inspect the Go error type.
type VerifyResult struct {
	OK     bool
	Reason string
}

// Sign attaches signer (hex32 Ed25519 public key) and sig (hex64 Ed25519
// signature over the canonical unsigned bytes) to a copy of unsigned.
// unsigned.Signer/Sig, if present, are ignored and overwritten.
func Sign(unsigned *Envelope, priv ed25519.PrivateKey) (*Envelope, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("envelope: sign: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}

	canon, err := Canonical(unsigned)
	if err != nil {
		return nil, fmt.Errorf("envelope: sign: %w", err)
	}

	sig := ed25519.Sign(priv, canon)
	pub := priv.Public().(ed25519.PublicKey)

	signed := *unsigned
	signed.Signer = hex.EncodeToString(pub)
	signed.Sig = hex.EncodeToString(sig)
	return &signed, nil
}

// Verify recomputes the canonical bytes of e's unsigned projection and
// checks e.Sig against e.Signer. It never returns a Go error for a bad
// signature — that is a normal, expected outcome surfaced via
// VerifyResult.OK/Reason — only for malformed input (bad hex, wrong
// lengths) that makes verification impossible to attempt.
func Verify(e *Envelope) (VerifyResult, error) {
	if !e.IsSigned() {
		return VerifyResult{}, fmt.Errorf("envelope: verify: envelope has no signer/sig")
	}

	pub, err := hex.DecodeString(e.Signer)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("envelope: verify: malformed signer hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return VerifyResult{}, fmt.Errorf("envelope: verify: signer must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}

	sig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("envelope: verify: malformed sig hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return VerifyResult{}, fmt.Errorf("envelope: verify: sig must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}

	canon, err := Canonical(e)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("envelope: verify: %w", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), canon, sig) {
		return VerifyResult{OK: false, Reason: "bad_sig"}, nil
	}
	return VerifyResult{OK: true}, nil
}
