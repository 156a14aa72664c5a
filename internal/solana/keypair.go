package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mr-tron/base58"
)

// Keypair is an ed25519 wallet keypair.
type Keypair struct {
	priv ed25519.PrivateKey
}

// LoadKeypair reads a solana-keygen JSON file (array of 64 bytes).
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keypair: read %s: %w", path, err)
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, fmt.Errorf("keypair: parse %s: %w", path, err)
	}
	raw := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("keypair: byte %d out of range", i)
		}
		raw[i] = byte(v)
	}
	return keypairFromBytes(raw)
}

// ParseKeypair decodes a base58 encoded 64-byte private key.
func ParseKeypair(encoded string) (*Keypair, error) {
	raw, err := base58.Decode(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("keypair: decode base58: %w", err)
	}
	return keypairFromBytes(raw)
}

func keypairFromBytes(raw []byte) (*Keypair, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair: want %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	priv := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	if !bytes.Equal(priv[ed25519.SeedSize:], raw[ed25519.SeedSize:]) {
		return nil, errors.New("keypair: public half does not match seed")
	}
	return &Keypair{priv: priv}, nil
}

// PublicKey returns the base58 wallet address.
func (k *Keypair) PublicKey() Pubkey {
	return Pubkey(base58.Encode(k.priv.Public().(ed25519.PublicKey)))
}

// ---------------------------------------------------------------------------
// Transaction signing
// ---------------------------------------------------------------------------

// Wire layout: compact-u16 signature count, 64 bytes per signature, then the
// message. Versioned messages set the high bit of the first byte.

var errShortTx = errors.New("tx: truncated")

// SignTransaction signs a base64 serialized transaction built for this
// wallet (fee payer in slot 0) and returns it re-encoded with its signature.
func (k *Keypair) SignTransaction(txBase64 string) (string, Signature, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", "", fmt.Errorf("tx: decode base64: %w", err)
	}

	numSigs, n, err := decodeCompactU16(raw)
	if err != nil {
		return "", "", err
	}
	if numSigs < 1 {
		return "", "", errors.New("tx: no signature slots")
	}
	msgOffset := n + numSigs*ed25519.SignatureSize
	if len(raw) <= msgOffset {
		return "", "", errShortTx
	}
	msg := raw[msgOffset:]

	payer, err := feePayer(msg)
	if err != nil {
		return "", "", err
	}
	pub := k.priv.Public().(ed25519.PublicKey)
	if !bytes.Equal(payer, pub) {
		return "", "", fmt.Errorf("tx: fee payer %s is not wallet %s", base58.Encode(payer), k.PublicKey())
	}

	sig := ed25519.Sign(k.priv, msg)
	out := make([]byte, len(raw))
	copy(out, raw)
	copy(out[n:n+ed25519.SignatureSize], sig)

	return base64.StdEncoding.EncodeToString(out), Signature(base58.Encode(sig)), nil
}

// feePayer returns the first static account key of a legacy or v0 message.
func feePayer(msg []byte) ([]byte, error) {
	off := 0
	if len(msg) > 0 && msg[0]&0x80 != 0 {
		off = 1 // version prefix
	}
	off += 3 // header: required sigs, readonly signed, readonly unsigned
	if len(msg) < off {
		return nil, errShortTx
	}
	numKeys, n, err := decodeCompactU16(msg[off:])
	if err != nil {
		return nil, err
	}
	off += n
	if numKeys < 1 || len(msg) < off+ed25519.PublicKeySize {
		return nil, errShortTx
	}
	return msg[off : off+ed25519.PublicKeySize], nil
}

// decodeCompactU16 reads Solana's shortvec length prefix.
func decodeCompactU16(b []byte) (value int, size int, err error) {
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, errShortTx
		}
		v := int(b[i])
		value |= (v & 0x7f) << (7 * i)
		if v&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, errors.New("tx: compact-u16 overflow")
}
