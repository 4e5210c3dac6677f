package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// EncryptedPayload is the wire shape of a private-encrypted channel's data
// field: `{nonce, ciphertext}`, both base64 (spec §4.3).
type EncryptedPayload struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Decrypt opens a private-encrypted channel's payload with the channel's
// shared secret, returning the plaintext data bytes. A decryption failure
// is reported to the caller as a plain error; per spec §4.3 it is the
// caller's responsibility to treat it as non-fatal (log and drop the
// event, leave the channel and connection unaffected).
func Decrypt(secret []byte, raw json.RawMessage) ([]byte, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("encrypted channel payload requires a 32-byte shared secret, got %d", len(secret))
	}

	var payload EncryptedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing encrypted payload: %w", err)
	}

	nonceBytes, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	if len(nonceBytes) != 24 {
		return nil, fmt.Errorf("nonce must be 24 bytes, got %d", len(nonceBytes))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	var nonce [24]byte
	copy(nonce[:], nonceBytes)
	var key [32]byte
	copy(key[:], secret)

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("secretbox authentication failed")
	}
	return plaintext, nil
}
