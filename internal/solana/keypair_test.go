package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeCompactU16(v int) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func testKeypair(t *testing.T) *Keypair {
	t.Helper()
	kp, err := keypairFromBytes(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize)))
	require.NoError(t, err)
	return kp
}

// unsignedTx builds a one-signer transaction paying from payer.
func unsignedTx(payer []byte, versioned bool) []byte {
	var msg []byte
	if versioned {
		msg = append(msg, 0x80)
	}
	msg = append(msg, 1, 0, 1)
	msg = append(msg, encodeCompactU16(2)...)
	msg = append(msg, payer...)
	msg = append(msg, bytes.Repeat([]byte{9}, 32)...)
	msg = append(msg, bytes.Repeat([]byte{3}, 32)...) // blockhash
	msg = append(msg, 0)                              // no instructions

	tx := encodeCompactU16(1)
	tx = append(tx, make([]byte, ed25519.SignatureSize)...)
	return append(tx, msg...)
}

func TestCompactU16(t *testing.T) {
	for _, v := range []int{0, 1, 127, 128, 255, 16383, 16384, 65535} {
		enc := encodeCompactU16(v)
		got, n, err := decodeCompactU16(enc)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(enc), n)
	}

	_, _, err := decodeCompactU16([]byte{0x80})
	assert.Error(t, err)
}

func TestSignTransaction(t *testing.T) {
	kp := testKeypair(t)
	pub := kp.priv.Public().(ed25519.PublicKey)

	for _, versioned := range []bool{false, true} {
		raw := unsignedTx(pub, versioned)
		signed, sig, err := kp.SignTransaction(base64.StdEncoding.EncodeToString(raw))
		require.NoError(t, err)

		out, err := base64.StdEncoding.DecodeString(signed)
		require.NoError(t, err)
		require.Len(t, out, len(raw))

		msg := out[1+ed25519.SignatureSize:]
		assert.Equal(t, raw[1+ed25519.SignatureSize:], msg, "message untouched")
		assert.True(t, ed25519.Verify(pub, msg, out[1:1+ed25519.SignatureSize]))

		decoded, err := base58.Decode(string(sig))
		require.NoError(t, err)
		assert.Equal(t, out[1:1+ed25519.SignatureSize], decoded)
	}
}

func TestSignTransaction_Rejects(t *testing.T) {
	kp := testKeypair(t)

	other := bytes.Repeat([]byte{1}, 32)
	_, _, err := kp.SignTransaction(base64.StdEncoding.EncodeToString(unsignedTx(other, true)))
	assert.ErrorContains(t, err, "fee payer")

	_, _, err = kp.SignTransaction("not base64!")
	assert.Error(t, err)

	_, _, err = kp.SignTransaction(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestLoadKeypair(t *testing.T) {
	kp := testKeypair(t)

	ints := make([]int, len(kp.priv))
	for i, b := range kp.priv {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := LoadKeypair(path)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), loaded.PublicKey())

	parsed, err := ParseKeypair(base58.Encode(kp.priv))
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), parsed.PublicKey())
}

func TestLoadKeypair_Invalid(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.json")
	require.NoError(t, os.WriteFile(short, []byte("[1,2,3]"), 0o600))
	_, err := LoadKeypair(short)
	assert.Error(t, err)

	_, err = LoadKeypair(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	// Public half that does not belong to the seed.
	bad := append(bytes.Repeat([]byte{7}, 32), bytes.Repeat([]byte{8}, 32)...)
	_, err = ParseKeypair(base58.Encode(bad))
	assert.Error(t, err)
}
