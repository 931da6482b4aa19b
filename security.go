package insights

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// AccessControlFunc gates read-side operations. The bus calls it before
// Replay and EventsForRun with the operation name ("replay",
// "events_for_run"); return nil to grant access or an error describing the
// permission failure.
type AccessControlFunc func(ctx context.Context, action string) error

// PreviewMaxLen is the maximum length, in runes, of the redacted prompt and
// output previews carried on an event. Publish clamps longer previews; full
// content belongs behind the opaque refs, never on the stream.
const PreviewMaxLen = 500

// ClampPreview truncates a preview to PreviewMaxLen runes. Multi-byte
// characters are never split.
func ClampPreview(s string) string {
	if len(s) <= PreviewMaxLen {
		return s
	}
	runes := []rune(s)
	if len(runes) <= PreviewMaxLen {
		return s
	}
	return string(runes[:PreviewMaxLen])
}

// encodingAESGCM marks an entry whose data field is AES-GCM encrypted.
const encodingAESGCM = "aesgcm"

// GenerateAESKey creates a cryptographically secure 256-bit AES key
// suitable for WithEncryptionKey.
//
// Returns:
//   - []byte: 32-byte AES-256 key
//   - error:  Any error during random number generation
func GenerateAESKey() ([]byte, error) {
	key := make([]byte, 32) // AES-256
	_, err := rand.Read(key)
	if err != nil {
		return nil, fmt.Errorf("failed to generate AES key: %w", err)
	}
	return key, nil
}

// payloadCipher encrypts and decrypts entry payloads at rest with AES-GCM.
// Only the data field is sealed; the flat filter fields stay cleartext so
// server-side range filtering keeps working.
type payloadCipher struct {
	gcm cipher.AEAD
}

// newPayloadCipher builds the cipher from a 16-, 24- or 32-byte key.
func newPayloadCipher(key []byte) (*payloadCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &payloadCipher{gcm: gcm}, nil
}

// Encrypt seals the payload and returns base64(nonce || ciphertext).
func (c *payloadCipher) Encrypt(plain []byte) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *payloadCipher) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(sealed) < c.gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ct := sealed[:c.gcm.NonceSize()], sealed[c.gcm.NonceSize():]
	plain, err := c.gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plain, nil
}
