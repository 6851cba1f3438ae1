package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// I3: for every envelope produced by the system, verify succeeds;
// mutating any byte of body or swapping signer causes verify to fail.
func TestSignAndVerify(t *testing.T) {
	priv, pub, err := ed25519GenerateForTest()
	require.NoError(t, err)

	e := sampleEnvelope()
	signed, err := Sign(e, priv)
	require.NoError(t, err)
	require.Equal(t, hexEncode(pub), signed.Signer)

	res, err := Verify(signed)
	require.NoError(t, err)
	require.True(t, res.OK)
}

func TestVerifyFailsOnBodyTamper(t *testing.T) {
	priv, _, err := ed25519GenerateForTest()
	require.NoError(t, err)

	e := sampleEnvelope()
	signed, err := Sign(e, priv)
	require.NoError(t, err)

	signed.Body["usdt_amount"] = "670001"

	res, err := Verify(signed)
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, "bad_sig", res.Reason)
}

func TestVerifyFailsOnSignerSwap(t *testing.T) {
	priv1, _, err := ed25519GenerateForTest()
	require.NoError(t, err)
	_, pub2, err := ed25519GenerateForTest()
	require.NoError(t, err)

	e := sampleEnvelope()
	signed, err := Sign(e, priv1)
	require.NoError(t, err)

	signed.Signer = hexEncode(pub2)

	res, err := Verify(signed)
	require.NoError(t, err)
	require.False(t, res.OK)
}

func TestVerifyRejectsMalformedHex(t *testing.T) {
	priv, _, err := ed25519GenerateForTest()
	require.NoError(t, err)

	e := sampleEnvelope()
	signed, err := Sign(e, priv)
	require.NoError(t, err)
	signed.Sig = "not-hex"

	_, err = Verify(signed)
	require.Error(t, err)
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}
