package envelope

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		V:       ProtocolVersion,
		Kind:    KindRFQ,
		TradeID: "trade-1",
		TS:      1700000000123,
		Nonce:   "n0nc3",
		Body: map[string]any{
			"pair":                "BTC/USDT",
			"direction":           "buy",
			"btc_sats":            int64(1000),
			"usdt_amount":         "670000",
			"max_platform_fee_bps": int64(500),
			"nested": map[string]any{
				"z": int64(1),
				"a": int64(2),
			},
			"list": []any{int64(3), int64(1), int64(2)},
		},
	}
}

// I1: parsing then re-serializing yields identical canonical bytes.
func TestCanonicalRoundTrip(t *testing.T) {
	e := sampleEnvelope()
	canon1, err := Canonical(e)
	require.NoError(t, err)

	reparsed, err := Parse(canon1)
	require.NoError(t, err)

	canon2, err := Canonical(reparsed)
	require.NoError(t, err)

	require.Equal(t, string(canon1), string(canon2))
}

func TestCanonicalKeysSorted(t *testing.T) {
	e := sampleEnvelope()
	canon, err := Canonical(e)
	require.NoError(t, err)

	// "body" key must come before "kind" before "nonce" before "trade_id"
	// before "ts" before "v" at the top level.
	s := string(canon)
	require.Less(t, indexOf(s, `"body"`), indexOf(s, `"kind"`))
	require.Less(t, indexOf(s, `"kind"`), indexOf(s, `"nonce"`))
	require.Less(t, indexOf(s, `"nonce"`), indexOf(s, `"trade_id"`))
}

func TestCanonicalNestedMapSorted(t *testing.T) {
	e := sampleEnvelope()
	canon, err := Canonical(e)
	require.NoError(t, err)
	s := string(canon)
	require.Less(t, indexOf(s, `"a":2`), indexOf(s, `"z":1`))
}

func TestCanonicalArrayOrderPreserved(t *testing.T) {
	e := sampleEnvelope()
	canon, err := Canonical(e)
	require.NoError(t, err)
	require.Contains(t, string(canon), `[3,1,2]`)
}

func TestCanonicalNumberFormatting(t *testing.T) {
	e := sampleEnvelope()
	e.Body["ratio"] = 1.500
	canon, err := Canonical(e)
	require.NoError(t, err)
	require.Contains(t, string(canon), `"ratio":1.5`)
}

func TestCanonicalExcludesSignerAndSig(t *testing.T) {
	priv, _, err := ed25519GenerateForTest()
	require.NoError(t, err)

	e := sampleEnvelope()
	signed, err := Sign(e, priv)
	require.NoError(t, err)

	canon, err := Canonical(signed)
	require.NoError(t, err)
	require.NotContains(t, string(canon), `"signer"`)
	require.NotContains(t, string(canon), `"sig"`)
}

// I2: envelope_id(sign(E)) == hash(canonical(strip_sig(sign(E))))
func TestEnvelopeIDIsHashOfUnsigned(t *testing.T) {
	priv, _, err := ed25519GenerateForTest()
	require.NoError(t, err)

	e := sampleEnvelope()
	signed, err := Sign(e, priv)
	require.NoError(t, err)

	id, err := ID(signed)
	require.NoError(t, err)

	idUnsigned, err := ID(e)
	require.NoError(t, err)

	require.Equal(t, idUnsigned, id)
}

func ed25519GenerateForTest() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	return priv, pub, err
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
